package voice

import (
	"context"
	"time"

	"github.com/voice-assistant-lab/internal/persona"
)

// Audio is a playable clip of raw PCM16LE audio.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration estimates the clip length from its sample count.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2 / a.Channels
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// Utterance is one contiguous spoken phrase cut from a speaker's stream.
// It is consumed exactly once by the orchestrator.
type Utterance struct {
	SpeakerID     string
	PCM           []byte
	At            time.Time
	CorrelationID string
}

// FrameSink receives tagged PCM frames from the transport's receive loop.
// OnFrame must return quickly and must never block on downstream work.
type FrameSink interface {
	OnFrame(speakerID string, pcm []int16)
}

// Player is the playback half of a room's voice transport. Play preempts
// whatever is currently playing and returns a channel closed when the new
// clip finishes or is stopped.
type Player interface {
	Play(a Audio) (<-chan struct{}, error)
	Stop()
	IsPlaying() bool
}

// Transport is a room's voice client: one playback device plus a capture
// stream delivering per-speaker frames to a FrameSink.
type Transport interface {
	Player
	Listen(sink FrameSink) error
	StopListening()
	Disconnect() error
}

// Transcriber converts captured PCM16LE audio to text. An empty string with
// nil error means nothing usable was heard.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Generator produces assistant reply text.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMessage string, temperature float64) (string, error)
}

// Synthesizer converts reply text to playable audio. A nil Audio with nil
// error means synthesis produced nothing; playback is skipped.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// StatusSink receives best-effort assistant state updates
// (idle / thinking / talking).
type StatusSink interface {
	Push(state, label, text string)
}

// PersonaSource resolves the active personality for a room.
type PersonaSource interface {
	ActivePersona(roomID string) persona.Personality
}

// NameResolver maps speaker ids to display names. Implementations may cache.
type NameResolver interface {
	SpeakerName(id string) string
}

// PhraseHandler runs instead of the generation stage when its trigger phrase
// matches an accepted utterance.
type PhraseHandler func(ctx context.Context, room *RoomSession)

package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/voice-assistant-lab/internal/logging"
	"github.com/voice-assistant-lab/internal/trace"
)

var (
	ErrRoomExists = errors.New("room already has an active session")
	ErrNoSession  = errors.New("no active session for room")
)

// Options tunes the orchestrator and everything it builds per room.
type Options struct {
	Segmenter SegmenterConfig
	Playback  PlaybackConfig

	WakeWords          []string
	TerminationPhrases []string
	ConversationWindow time.Duration

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration

	// TimeoutApology, when non-empty, is spoken after a generation timeout
	// instead of silently returning to idle.
	TimeoutApology string

	TranscriptMax   int
	TranscriptTTL   time.Duration
	PromptHistory   int
	RoomIdleTimeout time.Duration
	SweepEvery      time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConversationWindow <= 0 {
		o.ConversationWindow = 60 * time.Second
	}
	if o.TranscribeTimeout <= 0 {
		o.TranscribeTimeout = 15 * time.Second
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 25 * time.Second
	}
	if o.SynthesizeTimeout <= 0 {
		o.SynthesizeTimeout = 10 * time.Second
	}
	if o.TranscriptMax <= 0 {
		o.TranscriptMax = 20
	}
	if o.PromptHistory <= 0 {
		o.PromptHistory = 10
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30 * time.Second
	}
	return o
}

// Deps are the external collaborators the pipeline drives.
type Deps struct {
	STT      Transcriber
	LLM      Generator
	TTS      Synthesizer
	Status   StatusSink
	Personas PersonaSource
	Names    NameResolver
}

type phraseEntry struct {
	words   []string
	handler PhraseHandler
}

// Orchestrator owns the room registry and runs the response state machine:
// IDLE → TRANSCRIBING → GATING → GENERATING → SYNTHESIZING → PLAYING →
// COOLDOWN → IDLE. Capture never stops while a cycle runs, but a room's
// generation and playback are serialized behind its lock.
type Orchestrator struct {
	opts Options
	deps Deps
	reg  *Registry

	handlerMu sync.Mutex
	handlers  []phraseEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(opts Options, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:   opts.withDefaults(),
		deps:   deps,
		reg:    NewRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.sweep(time.Now())
			}
		}
	}()
	return o
}

// RegisterPhraseHandler installs an optional handler that runs instead of the
// generation stage when an accepted utterance contains the phrase. This keeps
// easter eggs and novelty sounds out of the core pipeline.
func (o *Orchestrator) RegisterPhraseHandler(phrase string, h PhraseHandler) {
	words := splitNormalized(phrase)
	if len(words) == 0 || h == nil {
		return
	}
	o.handlerMu.Lock()
	o.handlers = append(o.handlers, phraseEntry{words: words, handler: h})
	o.handlerMu.Unlock()
}

func (o *Orchestrator) matchPhraseHandler(query string) PhraseHandler {
	words := splitNormalized(query)
	o.handlerMu.Lock()
	defer o.handlerMu.Unlock()
	for _, e := range o.handlers {
		for i := 0; i+len(e.words) <= len(words); i++ {
			if equalWords(words[i:i+len(e.words)], e.words) {
				return e.handler
			}
		}
	}
	return nil
}

// JoinRoom creates the room session, starts capture, and plays the active
// persona's greeting. The persona's name becomes an additional wake word.
func (o *Orchestrator) JoinRoom(roomID string, tr Transport) (*RoomSession, error) {
	if o.ctx.Err() != nil {
		return nil, o.ctx.Err()
	}
	sessCtx, cancel := context.WithCancel(o.ctx)
	s := &RoomSession{
		ID:           roomID,
		transport:    tr,
		gate:         NewGate(o.opts.WakeWords, o.opts.TerminationPhrases, o.opts.ConversationWindow),
		transcript:   newTranscriptLog(o.opts.TranscriptMax, o.opts.TranscriptTTL),
		playback:     NewPlaybackController(tr, o.opts.Playback),
		ctx:          sessCtx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	s.router = NewRouter(o.opts.Segmenter, func(u Utterance) {
		o.handleUtterance(s, u)
	})
	if !o.reg.Put(s) {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}
	if err := tr.Listen(s.router); err != nil {
		o.reg.Remove(roomID)
		cancel()
		return nil, fmt.Errorf("listen on room %s: %w", roomID, err)
	}

	p := o.deps.Personas.ActivePersona(roomID)
	s.gate.AddWakeWord(p.Name)
	logging.Infow("voice: room joined", "room", roomID, "persona", p.Name)

	if p.Greeting != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx := trace.WithCorrelationID(s.ctx, uuid.NewString())
			s.respMu.Lock()
			defer s.respMu.Unlock()
			if s.ctx.Err() != nil {
				return
			}
			o.speak(ctx, s, p.Name, p.Greeting)
		}()
	}
	return s, nil
}

// LeaveRoom tears down the room's session: segmentation tasks, ambient loop,
// capture, and the playback device.
func (o *Orchestrator) LeaveRoom(roomID string) error {
	s := o.reg.Remove(roomID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, roomID)
	}
	o.teardown(s)
	return nil
}

func (o *Orchestrator) teardown(s *RoomSession) {
	if !s.markClosed() {
		return
	}
	s.cancel()
	s.playback.StopAmbient()
	s.router.Close()
	s.transport.StopListening()
	s.transport.Stop()
	if err := s.transport.Disconnect(); err != nil {
		logging.Warnw("voice: transport disconnect failed", "room", s.ID, "err", err)
	}
	logging.Infow("voice: room session torn down", "room", s.ID)
}

// Close tears down every session and stops background work.
func (o *Orchestrator) Close() {
	o.cancel()
	for _, s := range o.reg.All() {
		o.reg.Remove(s.ID)
		o.teardown(s)
	}
	o.wg.Wait()
}

// handleUtterance runs one response cycle for a finished utterance. It is
// invoked from the speaker's segmentation hand-off, so returning clears that
// speaker's in-flight flag.
func (o *Orchestrator) handleUtterance(s *RoomSession, u Utterance) {
	if s.ctx.Err() != nil {
		return
	}
	s.touch()
	ctx := trace.WithCorrelationID(s.ctx, u.CorrelationID)

	// TRANSCRIBING
	tctx, cancel := context.WithTimeout(ctx, o.opts.TranscribeTimeout)
	text, err := o.deps.STT.Transcribe(tctx, u.PCM)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Debugw("voice: transcription timed out", "room", s.ID, "correlation_id", u.CorrelationID)
		} else {
			logging.Debugw("voice: transcription failed", "room", s.ID, "err", err, "correlation_id", u.CorrelationID)
		}
		return
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < 2 {
		return
	}

	speaker := o.speakerName(u.SpeakerID)
	logging.Infow("voice: utterance transcribed", "room", s.ID, "speaker", speaker, "text", text, "correlation_id", u.CorrelationID)
	s.transcript.Append(speaker, text)

	// GATING
	decision, query := s.gate.Evaluate(u.SpeakerID, text, time.Now())
	switch decision {
	case GateTerminate:
		logging.Infow("voice: termination phrase heard", "room", s.ID, "speaker", speaker)
		if err := o.LeaveRoom(s.ID); err != nil && !errors.Is(err, ErrNoSession) {
			logging.Warnw("voice: teardown after termination failed", "room", s.ID, "err", err)
		}
		return
	case GateReject:
		logging.Debugw("voice: utterance not addressed, recorded for context", "room", s.ID, "speaker", speaker)
		return
	}
	if query == "" {
		query = text
	}

	o.respond(ctx, s, u, speaker, text, query)
}

// respond runs GENERATING through COOLDOWN under the room lock. An utterance
// gated while another cycle is in flight waits here; cycles never interleave.
func (o *Orchestrator) respond(ctx context.Context, s *RoomSession, u Utterance, speaker, text, query string) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.touch()

	p := o.deps.Personas.ActivePersona(s.ID)

	if h := o.matchPhraseHandler(query); h != nil {
		logging.Infow("voice: phrase handler fired", "room", s.ID, "speaker", speaker, "correlation_id", u.CorrelationID)
		h(ctx, s)
		return
	}

	// GENERATING
	s.playback.StartAmbient(s.ctx)
	o.pushStatus("thinking", speaker, text)

	prompt := buildSystemPrompt(p.SystemPrompt, s.transcript.Render(o.opts.PromptHistory), speaker, text)
	gctx, cancel := context.WithTimeout(ctx, o.opts.GenerateTimeout)
	reply, err := o.deps.LLM.Generate(gctx, prompt, query, p.Temperature)
	cancel()
	if err != nil || reply == "" {
		s.playback.StopAmbient()
		logging.Warnw("voice: generation failed", "room", s.ID, "err", err, "correlation_id", u.CorrelationID)
		if errors.Is(err, context.DeadlineExceeded) && o.opts.TimeoutApology != "" {
			o.speak(ctx, s, p.Name, o.opts.TimeoutApology)
		}
		o.pushStatus("idle", "", "")
		return
	}
	s.transcript.Append(p.Name, reply)

	// SYNTHESIZING
	sctx, cancel := context.WithTimeout(ctx, o.opts.SynthesizeTimeout)
	audio, err := o.deps.TTS.Synthesize(sctx, reply)
	cancel()
	if err != nil || audio == nil {
		// The reply is already in the transcript; the cycle completes
		// without playback.
		s.playback.StopAmbient()
		logging.Warnw("voice: synthesis failed, skipping playback", "room", s.ID, "err", err, "correlation_id", u.CorrelationID)
		o.pushStatus("idle", "", "")
		return
	}

	// PLAYING
	s.playback.StopAmbient()
	done, err := s.playback.Play(*audio)
	if err != nil {
		logging.Warnw("voice: playback failed", "room", s.ID, "err", err, "correlation_id", u.CorrelationID)
		o.pushStatus("idle", "", "")
		return
	}
	o.pushStatus("talking", p.Name, reply)

	// COOLDOWN
	s.playback.WaitDone(done)
	o.pushStatus("idle", "", "")
	s.playback.Resync(s.router)
	s.touch()
}

// speak synthesizes and plays a one-off line (greeting, apology) with the
// same feedback-prevention resync a response cycle gets. Best-effort.
func (o *Orchestrator) speak(ctx context.Context, s *RoomSession, label, text string) {
	sctx, cancel := context.WithTimeout(ctx, o.opts.SynthesizeTimeout)
	audio, err := o.deps.TTS.Synthesize(sctx, text)
	cancel()
	if err != nil || audio == nil {
		logging.Debugw("voice: speak synthesis failed", "room", s.ID, "err", err)
		return
	}
	done, err := s.playback.Play(*audio)
	if err != nil {
		logging.Debugw("voice: speak playback failed", "room", s.ID, "err", err)
		return
	}
	o.pushStatus("talking", label, text)
	s.playback.WaitDone(done)
	o.pushStatus("idle", "", "")
	s.playback.Resync(s.router)
}

// sweep evicts stale transcript lines and tears down idle rooms.
func (o *Orchestrator) sweep(now time.Time) {
	for _, s := range o.reg.All() {
		s.transcript.Sweep(now)
		if o.opts.RoomIdleTimeout > 0 && s.idleFor(now) > o.opts.RoomIdleTimeout {
			logging.Infow("voice: room idle, leaving", "room", s.ID, "idle_for", s.idleFor(now).String())
			_ = o.LeaveRoom(s.ID)
		}
	}
}

func (o *Orchestrator) pushStatus(state, label, text string) {
	if o.deps.Status == nil {
		return
	}
	o.deps.Status.Push(state, label, text)
}

func (o *Orchestrator) speakerName(id string) string {
	if o.deps.Names != nil {
		if n := o.deps.Names.SpeakerName(id); n != "" {
			return n
		}
	}
	return id
}

func buildSystemPrompt(personaPrompt, history, speaker, text string) string {
	return fmt.Sprintf(
		"%s\n\nYou are a participant in a voice chat. Recent lines:\n%s\n\n%s said: '%s'.\nAnswer naturally and briefly. Do not repeat greetings.",
		personaPrompt, history, speaker, text,
	)
}

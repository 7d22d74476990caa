package voice

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/voice-assistant-lab/internal/logging"
)

// SegmenterConfig holds the tunables for utterance segmentation.
type SegmenterConfig struct {
	SampleRate      int
	NoiseFloorRMS   int           // frame RMS at or above this counts as voiced
	CheckEvery      time.Duration // periodic cut-check interval
	SilenceAfter    time.Duration // silence required after voice before a cut
	MaxUtterance    time.Duration // force a cut once this much audio is buffered
	MaxSilentBuffer time.Duration // drop never-voiced buffers past this size
	HandoffCeiling  time.Duration // force-clear a stuck hand-off after this
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.NoiseFloorRMS <= 0 {
		c.NoiseFloorRMS = 450
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = 300 * time.Millisecond
	}
	if c.SilenceAfter <= 0 {
		c.SilenceAfter = 1200 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 12 * time.Second
	}
	if c.MaxSilentBuffer <= 0 {
		c.MaxSilentBuffer = 10 * time.Second
	}
	if c.HandoffCeiling <= 0 {
		c.HandoffCeiling = 40 * time.Second
	}
	return c
}

// Segmenter converts one speaker's continuous frame stream into discrete
// utterances. Frames are appended on the hot path; a periodic check cuts the
// buffer once enough silence follows detected speech, or unconditionally once
// the buffered audio hits the hard duration cap. At most one cut utterance is
// in flight per speaker at any time.
type Segmenter struct {
	speakerID string
	cfg       SegmenterConfig
	emit      func(Utterance)

	mu             sync.Mutex
	samples        []int16
	lastFrame      time.Time
	lastVoiced     time.Time
	speechDetected bool
	handoff        bool
	handoffSince   time.Time

	silentDrops int64
	cutCount    int64
}

func newSegmenter(speakerID string, cfg SegmenterConfig, emit func(Utterance)) *Segmenter {
	return &Segmenter{speakerID: speakerID, cfg: cfg.withDefaults(), emit: emit}
}

// AddFrame appends one decoded frame. Voiced frames advance the last-voiced
// timestamp; a buffer that grows past the cap without ever hearing voice is
// dropped so fan noise and cooler hum can't accumulate unbounded.
func (s *Segmenter) AddFrame(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	now := time.Now()
	voiced := frameRMS(pcm) >= s.cfg.NoiseFloorRMS

	s.mu.Lock()
	s.samples = append(s.samples, pcm...)
	s.lastFrame = now
	if voiced {
		s.lastVoiced = now
		s.speechDetected = true
	}
	if !s.speechDetected && len(s.samples) > s.durationSamples(s.cfg.MaxSilentBuffer) {
		s.samples = s.samples[:0]
		atomic.AddInt64(&s.silentDrops, 1)
	}
	s.mu.Unlock()
}

// run drives the periodic cut check until ctx is cancelled.
func (s *Segmenter) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(time.Now())
		}
	}
}

// check cuts the current buffer into an utterance when speech was detected
// and either the silence threshold or the hard duration cap has been reached.
// Never cuts while a previous hand-off is still in flight.
func (s *Segmenter) check(now time.Time) {
	s.mu.Lock()
	if s.handoff {
		if now.Sub(s.handoffSince) > s.cfg.HandoffCeiling {
			// Safety net: a stuck callback must not disable this speaker
			// forever.
			s.handoff = false
			logging.Warnw("segmenter: force-clearing stale hand-off", "speaker_id", s.speakerID, "stuck_for", now.Sub(s.handoffSince).String())
		} else {
			s.mu.Unlock()
			return
		}
	}
	if !s.speechDetected || len(s.samples) == 0 {
		s.mu.Unlock()
		return
	}

	buffered := time.Duration(len(s.samples)) * time.Second / time.Duration(s.cfg.SampleRate)
	silentFor := now.Sub(s.lastVoiced)
	forced := buffered >= s.cfg.MaxUtterance
	if silentFor < s.cfg.SilenceAfter && !forced {
		s.mu.Unlock()
		return
	}

	utt := Utterance{
		SpeakerID:     s.speakerID,
		PCM:           pcmToBytes(s.samples),
		At:            now,
		CorrelationID: uuid.NewString(),
	}
	s.samples = s.samples[:0]
	s.speechDetected = false
	s.handoff = true
	s.handoffSince = now
	atomic.AddInt64(&s.cutCount, 1)
	s.mu.Unlock()

	if forced {
		logging.Infow("segmenter: hard cap reached, forcing cut", "speaker_id", s.speakerID, "buffered_ms", buffered.Milliseconds(), "correlation_id", utt.CorrelationID)
	} else {
		logging.Debugw("segmenter: utterance cut", "speaker_id", s.speakerID, "buffered_ms", buffered.Milliseconds(), "silence_ms", silentFor.Milliseconds(), "correlation_id", utt.CorrelationID)
	}

	go func() {
		s.emit(utt)
		s.mu.Lock()
		s.handoff = false
		s.mu.Unlock()
	}()
}

// resetBuffer discards buffered audio and the speech flag. Used when capture
// is re-synchronized after the assistant speaks.
func (s *Segmenter) resetBuffer() {
	s.mu.Lock()
	s.samples = s.samples[:0]
	s.speechDetected = false
	s.mu.Unlock()
}

func (s *Segmenter) durationSamples(d time.Duration) int {
	return int(d * time.Duration(s.cfg.SampleRate) / time.Second)
}

// frameRMS computes the root-mean-square energy of a frame.
func frameRMS(pcm []int16) int {
	if len(pcm) == 0 {
		return 0
	}
	var sumSq int64
	for _, v := range pcm {
		sumSq += int64(v) * int64(v)
	}
	return int(math.Sqrt(float64(sumSq / int64(len(pcm)))))
}

// pcmToBytes serializes samples as PCM16LE.
func pcmToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

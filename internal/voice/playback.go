package voice

import (
	"context"
	"sync"
	"time"

	"github.com/voice-assistant-lab/internal/logging"
)

// PlaybackConfig tunes the per-room playback controller.
type PlaybackConfig struct {
	Ambience        *Audio        // optional clip looped while the assistant thinks
	AmbientPoll     time.Duration // idle poll between ambience restarts
	MaxPlaybackWait time.Duration // ceiling on waiting for response playback
	SettleDelay     time.Duration // pause after capture resync
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.AmbientPoll <= 0 {
		c.AmbientPoll = 500 * time.Millisecond
	}
	if c.MaxPlaybackWait <= 0 {
		c.MaxPlaybackWait = 60 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	return c
}

// PlaybackController owns a room's single playback device. It preempts on
// play, runs the ambient "thinking" loop, and re-synchronizes capture after
// the assistant speaks so the system doesn't hear its own voice.
type PlaybackController struct {
	transport Transport
	cfg       PlaybackConfig

	mu            sync.Mutex
	ambientCancel context.CancelFunc
	ambientDone   chan struct{}
}

func NewPlaybackController(tr Transport, cfg PlaybackConfig) *PlaybackController {
	return &PlaybackController{transport: tr, cfg: cfg.withDefaults()}
}

// Play stops whatever is currently playing and starts the new clip. The
// newest response always wins; there is no playback queue.
func (pc *PlaybackController) Play(a Audio) (<-chan struct{}, error) {
	if pc.transport.IsPlaying() {
		pc.transport.Stop()
	}
	return pc.transport.Play(a)
}

// StartAmbient begins the thinking loop: whenever the output is idle the
// ambience clip is restarted, signalling liveness while generation runs.
// No-op when already running or when no ambience clip is configured.
func (pc *PlaybackController) StartAmbient(parent context.Context) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.ambientCancel != nil || pc.cfg.Ambience == nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	pc.ambientCancel = cancel
	pc.ambientDone = done
	go pc.ambientLoop(ctx, done)
}

func (pc *PlaybackController) ambientLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if !pc.transport.IsPlaying() {
			playDone, err := pc.transport.Play(*pc.cfg.Ambience)
			if err == nil {
				select {
				case <-ctx.Done():
					pc.transport.Stop()
					return
				case <-playDone:
					continue
				}
			}
			logging.Debugw("playback: ambience play failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pc.cfg.AmbientPoll):
		}
	}
}

// StopAmbient cancels the thinking loop and waits for it to release the
// output, then silences any ambience still sounding. Always called before
// response audio plays.
func (pc *PlaybackController) StopAmbient() {
	pc.mu.Lock()
	cancel := pc.ambientCancel
	done := pc.ambientDone
	pc.ambientCancel = nil
	pc.ambientDone = nil
	pc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if pc.transport.IsPlaying() {
		pc.transport.Stop()
	}
}

// WaitDone blocks until the playback completion signal fires or the maximum
// wait elapses, stopping the output in the latter case.
func (pc *PlaybackController) WaitDone(done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(pc.cfg.MaxPlaybackWait):
		logging.Warnw("playback: completion wait exceeded ceiling, stopping output", "max_wait", pc.cfg.MaxPlaybackWait.String())
		pc.transport.Stop()
	}
}

// Resync restarts the capture sink and clears all buffered speaker audio so
// the assistant's own output cannot come back as a new utterance. Errors are
// swallowed: resync is best-effort and always ends with a short settle delay.
func (pc *PlaybackController) Resync(router *Router) {
	pc.transport.StopListening()
	router.Reset()
	if err := pc.transport.Listen(router); err != nil {
		logging.Warnw("playback: re-listen failed", "err", err)
	}
	time.Sleep(pc.cfg.SettleDelay)
}

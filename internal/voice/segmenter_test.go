package voice

import (
	"sync/atomic"
	"testing"
	"time"
)

// testSegCfg uses a tiny sample rate so buffers stay small. Checks are driven
// by hand; CheckEvery is set high so the background ticker never interferes.
func testSegCfg() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:      1000,
		NoiseFloorRMS:   100,
		CheckEvery:      time.Hour,
		SilenceAfter:    50 * time.Millisecond,
		MaxUtterance:    10 * time.Second,
		MaxSilentBuffer: 10 * time.Second,
		HandoffCeiling:  time.Hour,
	}
}

func loudFrame(n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = 5000
	}
	return f
}

func quietFrame(n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = 10
	}
	return f
}

func waitUtterance(t *testing.T, ch <-chan Utterance) Utterance {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for utterance")
		return Utterance{}
	}
}

func TestSegmenterCutsAfterSilence(t *testing.T) {
	ch := make(chan Utterance, 1)
	s := newSegmenter("u1", testSegCfg(), func(u Utterance) { ch <- u })

	s.AddFrame(loudFrame(100))
	s.mu.Lock()
	s.lastVoiced = time.Now().Add(-100 * time.Millisecond)
	s.mu.Unlock()

	s.check(time.Now())
	u := waitUtterance(t, ch)

	if u.SpeakerID != "u1" {
		t.Fatalf("wrong speaker: %q", u.SpeakerID)
	}
	if len(u.PCM) != 200 {
		t.Fatalf("expected 200 bytes of PCM, got %d", len(u.PCM))
	}
	if u.CorrelationID == "" {
		t.Fatalf("utterance must carry a correlation id")
	}

	// Buffer is spent; another check must not cut again.
	s.check(time.Now())
	select {
	case <-ch:
		t.Fatalf("unexpected second cut from an empty buffer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSegmenterNoCutBeforeSilenceThreshold(t *testing.T) {
	ch := make(chan Utterance, 1)
	s := newSegmenter("u1", testSegCfg(), func(u Utterance) { ch <- u })

	s.AddFrame(loudFrame(100))
	// lastVoiced is effectively now; silence threshold not reached.
	s.check(time.Now())
	select {
	case <-ch:
		t.Fatalf("cut fired before the silence threshold")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSegmenterHardCapForcesCut(t *testing.T) {
	cfg := testSegCfg()
	cfg.MaxUtterance = 100 * time.Millisecond // 100 samples at 1 kHz
	ch := make(chan Utterance, 1)
	s := newSegmenter("u1", cfg, func(u Utterance) { ch <- u })

	s.AddFrame(loudFrame(150))
	// Speaker is still talking, yet the cap forces a cut.
	s.check(time.Now())
	u := waitUtterance(t, ch)
	if len(u.PCM) != 300 {
		t.Fatalf("expected the whole buffer, got %d bytes", len(u.PCM))
	}
}

func TestSegmenterSingleHandoffInFlight(t *testing.T) {
	release := make(chan struct{})
	var emits int64
	s := newSegmenter("u1", testSegCfg(), func(Utterance) {
		atomic.AddInt64(&emits, 1)
		<-release
	})

	s.AddFrame(loudFrame(100))
	s.mu.Lock()
	s.lastVoiced = time.Now().Add(-100 * time.Millisecond)
	s.mu.Unlock()
	s.check(time.Now())

	// Wait for the hand-off goroutine to enter the callback.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&emits) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first emit never ran")
		}
		time.Sleep(time.Millisecond)
	}

	// New speech arrives while the callback is still running.
	s.AddFrame(loudFrame(100))
	s.mu.Lock()
	s.lastVoiced = time.Now().Add(-100 * time.Millisecond)
	s.mu.Unlock()
	s.check(time.Now())

	if n := atomic.LoadInt64(&emits); n != 1 {
		t.Fatalf("expected a single in-flight hand-off, got %d emits", n)
	}
	close(release)
}

func TestSegmenterWatchdogClearsStaleHandoff(t *testing.T) {
	cfg := testSegCfg()
	cfg.HandoffCeiling = 10 * time.Millisecond
	ch := make(chan Utterance, 1)
	s := newSegmenter("u1", cfg, func(u Utterance) { ch <- u })

	s.AddFrame(loudFrame(100))
	s.mu.Lock()
	s.lastVoiced = time.Now().Add(-100 * time.Millisecond)
	s.handoff = true
	s.handoffSince = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.check(time.Now())
	waitUtterance(t, ch)
}

func TestSegmenterDropsNeverVoicedBuffer(t *testing.T) {
	cfg := testSegCfg()
	cfg.NoiseFloorRMS = 20000
	cfg.MaxSilentBuffer = 50 * time.Millisecond // 50 samples at 1 kHz
	s := newSegmenter("u1", cfg, func(Utterance) {})

	s.AddFrame(quietFrame(60))

	s.mu.Lock()
	buffered := len(s.samples)
	speech := s.speechDetected
	s.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("never-voiced buffer past the cap should be dropped, %d samples remain", buffered)
	}
	if speech {
		t.Fatalf("quiet frames must not set the speech flag")
	}
	if n := atomic.LoadInt64(&s.silentDrops); n != 1 {
		t.Fatalf("expected 1 silent drop, got %d", n)
	}
}

func TestSegmenterResetBuffer(t *testing.T) {
	s := newSegmenter("u1", testSegCfg(), func(Utterance) {})
	s.AddFrame(loudFrame(100))
	s.resetBuffer()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) != 0 || s.speechDetected {
		t.Fatalf("reset should clear samples and the speech flag")
	}
}

func TestFrameRMS(t *testing.T) {
	if got := frameRMS(nil); got != 0 {
		t.Fatalf("empty frame RMS should be 0, got %d", got)
	}
	if got := frameRMS([]int16{1000, -1000, 1000, -1000}); got != 1000 {
		t.Fatalf("expected RMS 1000, got %d", got)
	}
}

func TestPCMToBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := bytesToPCM(pcmToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d mismatch: %d vs %d", i, got[i], in[i])
		}
	}
}

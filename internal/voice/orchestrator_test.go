package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voice-assistant-lab/internal/persona"
)

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeSTT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeLLM struct {
	mu         sync.Mutex
	reply      string
	err        error
	delay      time.Duration
	calls      int
	lastPrompt string
	lastQuery  string

	inFlight      int32
	maxConcurrent int32
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, userMessage string, temperature float64) (string, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxConcurrent)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxConcurrent, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.calls++
	f.lastPrompt = systemPrompt
	f.lastQuery = userMessage
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return reply, err
}

type fakeTTS struct {
	mu       sync.Mutex
	err      error
	calls    int
	lastText string
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (*Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastText = text
	if f.err != nil {
		return nil, f.err
	}
	clip := testClip()
	return &clip, nil
}

type statusRec struct {
	mu     sync.Mutex
	states []string
	texts  []string
}

func (s *statusRec) Push(state, label, text string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func (s *statusRec) sequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.states))
	copy(out, s.states)
	return out
}

type staticPersonas struct{ p persona.Personality }

func (s staticPersonas) ActivePersona(string) persona.Personality { return s.p }

func testPersona() persona.Personality {
	return persona.Personality{
		Name:         "Assistant",
		SystemPrompt: "You are a test assistant.",
		Temperature:  0.7,
	}
}

type testPipeline struct {
	orch   *Orchestrator
	sess   *RoomSession
	ft     *fakeTransport
	stt    *fakeSTT
	llm    *fakeLLM
	tts    *fakeTTS
	status *statusRec
}

func newTestPipeline(t *testing.T, p persona.Personality) *testPipeline {
	t.Helper()
	tp := &testPipeline{
		ft:     &fakeTransport{},
		stt:    &fakeSTT{text: "assistant what time is it"},
		llm:    &fakeLLM{reply: "it is noon"},
		tts:    &fakeTTS{},
		status: &statusRec{},
	}
	tp.orch = NewOrchestrator(Options{
		WakeWords:          []string{"assistant"},
		TerminationPhrases: []string{"disconnect"},
		Playback:           PlaybackConfig{SettleDelay: time.Millisecond},
		TimeoutApology:     "",
	}, Deps{
		STT:      tp.stt,
		LLM:      tp.llm,
		TTS:      tp.tts,
		Status:   tp.status,
		Personas: staticPersonas{p: p},
	})
	t.Cleanup(tp.orch.Close)

	s, err := tp.orch.JoinRoom("room1", tp.ft)
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	tp.sess = s
	return tp
}

func testUtterance(speaker string) Utterance {
	return Utterance{SpeakerID: speaker, PCM: []byte{1, 2, 3, 4}, At: time.Now(), CorrelationID: "cid-test"}
}

func TestResponseCycle(t *testing.T) {
	tp := newTestPipeline(t, testPersona())

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if tp.llm.calls != 1 {
		t.Fatalf("expected 1 generation, got %d", tp.llm.calls)
	}
	if tp.llm.lastQuery != "what time is it" {
		t.Fatalf("wake word should be stripped from the query, got %q", tp.llm.lastQuery)
	}
	if !strings.Contains(tp.llm.lastPrompt, "u1 said: 'assistant what time is it'") {
		t.Fatalf("prompt missing the speaker line:\n%s", tp.llm.lastPrompt)
	}
	if tp.tts.calls != 1 || tp.tts.lastText != "it is noon" {
		t.Fatalf("synthesis mismatch: calls=%d text=%q", tp.tts.calls, tp.tts.lastText)
	}
	if tp.ft.playCount() != 1 {
		t.Fatalf("expected 1 playback, got %d", tp.ft.playCount())
	}

	lines := tp.sess.Transcript(0)
	if len(lines) != 2 {
		t.Fatalf("expected user line + reply, got %d lines", len(lines))
	}
	if lines[1].Speaker != "Assistant" || lines[1].Text != "it is noon" {
		t.Fatalf("reply not recorded: %+v", lines[1])
	}

	seq := tp.status.sequence()
	want := []string{"thinking", "talking", "idle"}
	if len(seq) != len(want) {
		t.Fatalf("status sequence %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("status sequence %v, want %v", seq, want)
		}
	}

	// Capture was re-synchronized after playback.
	tp.ft.mu.Lock()
	defer tp.ft.mu.Unlock()
	if tp.ft.listenCount != 2 || tp.ft.stopListens != 1 {
		t.Fatalf("expected re-listen after playback: listens=%d stops=%d", tp.ft.listenCount, tp.ft.stopListens)
	}
}

func TestUnaddressedUtteranceRecordedOnly(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.stt.text = "anyone want pizza later"

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if tp.llm.calls != 0 {
		t.Fatalf("unaddressed speech must not generate")
	}
	lines := tp.sess.Transcript(0)
	if len(lines) != 1 || lines[0].Text != "anyone want pizza later" {
		t.Fatalf("unaddressed speech should still land in the transcript: %+v", lines)
	}
}

func TestShortTranscriptDropped(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.stt.text = " a "

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if len(tp.sess.Transcript(0)) != 0 || tp.llm.calls != 0 {
		t.Fatalf("sub-2-rune transcripts must be dropped")
	}
}

func TestTranscriptionFailureAborts(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.stt.err = errors.New("stt down")

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if len(tp.sess.Transcript(0)) != 0 || tp.llm.calls != 0 {
		t.Fatalf("failed transcription must end the cycle quietly")
	}
}

func TestTerminationPhraseTearsDownRoom(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.stt.text = "assistant disconnect"

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if _, ok := tp.orch.reg.Get("room1"); ok {
		t.Fatalf("room should be gone after a termination phrase")
	}
	tp.ft.mu.Lock()
	defer tp.ft.mu.Unlock()
	if !tp.ft.disconnected {
		t.Fatalf("transport should be disconnected")
	}
}

func TestGenerationFailureReleasesRoom(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.llm.err = errors.New("model exploded")

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if tp.tts.calls != 0 || tp.ft.playCount() != 0 {
		t.Fatalf("failed generation must not synthesize or play")
	}
	if len(tp.sess.Transcript(0)) != 1 {
		t.Fatalf("only the user line should be recorded")
	}
	seq := tp.status.sequence()
	if len(seq) == 0 || seq[len(seq)-1] != "idle" {
		t.Fatalf("room should end idle, got %v", seq)
	}

	// The room lock must be free for the next cycle.
	tp.llm.err = nil
	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))
	if tp.ft.playCount() != 1 {
		t.Fatalf("next cycle should play, got %d plays", tp.ft.playCount())
	}
}

func TestGenerationTimeoutSpeaksApology(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.orch.opts.TimeoutApology = "sorry, that took too long"
	tp.llm.err = context.DeadlineExceeded

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if tp.tts.calls != 1 || tp.tts.lastText != "sorry, that took too long" {
		t.Fatalf("apology not synthesized: calls=%d text=%q", tp.tts.calls, tp.tts.lastText)
	}
	if tp.ft.playCount() != 1 {
		t.Fatalf("apology should play once, got %d", tp.ft.playCount())
	}
	lines := tp.sess.Transcript(0)
	if len(lines) != 1 {
		t.Fatalf("apology must not be recorded as a reply: %+v", lines)
	}
}

func TestSynthesisFailureStillRecordsReply(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.tts.err = errors.New("tts down")

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	lines := tp.sess.Transcript(0)
	if len(lines) != 2 || lines[1].Text != "it is noon" {
		t.Fatalf("reply must survive a synthesis failure: %+v", lines)
	}
	if tp.ft.playCount() != 0 {
		t.Fatalf("nothing should play after a synthesis failure")
	}
	seq := tp.status.sequence()
	if len(seq) == 0 || seq[len(seq)-1] != "idle" {
		t.Fatalf("room should end idle, got %v", seq)
	}
}

func TestPhraseHandlerShortCircuitsGeneration(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	var fired int32
	tp.orch.RegisterPhraseHandler("play a song", func(ctx context.Context, room *RoomSession) {
		atomic.StoreInt32(&fired, 1)
	})
	tp.stt.text = "assistant play a song for us"

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("handler did not fire")
	}
	if tp.llm.calls != 0 {
		t.Fatalf("handler must replace the generation stage")
	}
}

func TestResponseCyclesSerialize(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.llm.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tp.orch.handleUtterance(tp.sess, testUtterance("u1"))
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&tp.llm.maxConcurrent); max != 1 {
		t.Fatalf("generation must be serialized per room, saw %d concurrent", max)
	}
}

func TestJoinRoomTwiceFails(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	if _, err := tp.orch.JoinRoom("room1", &fakeTransport{}); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}
}

func TestJoinRoomSpeaksGreeting(t *testing.T) {
	p := testPersona()
	p.Greeting = "hello everyone"
	tp := newTestPipeline(t, p)

	deadline := time.Now().Add(2 * time.Second)
	for tp.ft.playCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("greeting never played")
		}
		time.Sleep(time.Millisecond)
	}
	tp.tts.mu.Lock()
	defer tp.tts.mu.Unlock()
	if tp.tts.lastText != "hello everyone" {
		t.Fatalf("unexpected greeting text: %q", tp.tts.lastText)
	}
}

func TestPersonaNameBecomesWakeWord(t *testing.T) {
	p := testPersona()
	p.Name = "Captain"
	tp := newTestPipeline(t, p)
	tp.stt.text = "captain full speed ahead"

	tp.orch.handleUtterance(tp.sess, testUtterance("u1"))

	if tp.llm.calls != 1 {
		t.Fatalf("persona name should work as a wake word")
	}
	if tp.llm.lastQuery != "full speed ahead" {
		t.Fatalf("unexpected query: %q", tp.llm.lastQuery)
	}
}

func TestSweepTearsDownIdleRoom(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	tp.orch.opts.RoomIdleTimeout = time.Minute

	tp.sess.mu.Lock()
	tp.sess.lastActivity = time.Now().Add(-2 * time.Minute)
	tp.sess.mu.Unlock()

	tp.orch.sweep(time.Now())

	if _, ok := tp.orch.reg.Get("room1"); ok {
		t.Fatalf("idle room should be torn down by the sweep")
	}
}

func TestLeaveRoomUnknown(t *testing.T) {
	tp := newTestPipeline(t, testPersona())
	if err := tp.orch.LeaveRoom("nope"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

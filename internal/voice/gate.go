package voice

import (
	"sync"
	"time"
)

// GateDecision is the outcome of evaluating a finished utterance.
type GateDecision int

const (
	// GateReject: not addressed at the assistant; record for context only.
	GateReject GateDecision = iota
	// GateAccept: route the utterance to a response cycle.
	GateAccept
	// GateTerminate: explicit termination phrase; tear the session down.
	GateTerminate
)

// Gate decides whether a finished utterance is directed at the assistant.
// An utterance is accepted when it contains a wake word, or when it comes
// from the speaker who was last addressed within the conversation window.
// The window deliberately does not extend to other speakers, so an unrelated
// speaker cannot hijack someone else's open turn.
type Gate struct {
	wake      *WakeDetector
	terminate *WakeDetector
	window    time.Duration

	mu          sync.Mutex
	lastSpeaker string
	lastAt      time.Time
}

func NewGate(wakeWords, terminationPhrases []string, window time.Duration) *Gate {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Gate{
		wake:      NewWakeDetector(wakeWords, 0),
		terminate: NewWakeDetector(terminationPhrases, 0),
		window:    window,
	}
}

// AddWakeWord registers an additional wake word, such as the active persona's
// name.
func (g *Gate) AddWakeWord(w string) {
	g.wake.Add(w)
}

// Evaluate gates a transcript from the given speaker. For accepted
// utterances, the returned string is the request text with any wake word
// stripped, and the last-addressed record is updated to this speaker.
func (g *Gate) Evaluate(speakerID, transcript string, now time.Time) (GateDecision, string) {
	if matched, _ := g.terminate.Detect(transcript); matched {
		return GateTerminate, ""
	}
	if matched, stripped := g.wake.Detect(transcript); matched {
		g.setAddressed(speakerID, now)
		if stripped == "" {
			stripped = transcript
		}
		return GateAccept, stripped
	}

	g.mu.Lock()
	open := g.lastSpeaker != "" && g.lastSpeaker == speakerID && now.Sub(g.lastAt) <= g.window
	g.mu.Unlock()
	if open {
		// Natural follow-up inside the conversation window.
		g.setAddressed(speakerID, now)
		return GateAccept, transcript
	}
	return GateReject, ""
}

func (g *Gate) setAddressed(speakerID string, now time.Time) {
	g.mu.Lock()
	g.lastSpeaker = speakerID
	g.lastAt = now
	g.mu.Unlock()
}

// LastAddressed returns the current last-addressed record.
func (g *Gate) LastAddressed() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSpeaker, g.lastAt
}

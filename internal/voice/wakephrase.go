package voice

import (
	"strings"
	"sync"
)

// WakeDetector matches configured trigger phrases inside a transcript.
// Matching is case-insensitive and word-boundary aware: "hey bot" matches
// "Hey Bot, what's the time?" but "bot" does not match "robotics".
type WakeDetector struct {
	mu        sync.Mutex
	phrases   [][]string
	headWords int // restrict the match start to the first N words; 0 = anywhere
}

// NewWakeDetector builds a detector for the given phrases. headWords limits
// how deep into the transcript a trigger may start, so a phrase quoted late
// in a long sentence is not treated as addressing the assistant.
func NewWakeDetector(phrases []string, headWords int) *WakeDetector {
	w := &WakeDetector{headWords: headWords}
	for _, p := range phrases {
		w.Add(p)
	}
	return w
}

// Add registers another trigger phrase. Safe for concurrent use.
func (w *WakeDetector) Add(phrase string) {
	words := splitNormalized(phrase)
	if len(words) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.phrases {
		if equalWords(existing, words) {
			return
		}
	}
	w.phrases = append(w.phrases, words)
}

// Detect reports whether the text contains a trigger phrase and returns the
// text remaining after the match, with the phrase itself removed. The
// remainder is what gets sent downstream as the actual request.
func (w *WakeDetector) Detect(text string) (bool, string) {
	words := splitNormalized(text)
	if len(words) == 0 {
		return false, ""
	}
	w.mu.Lock()
	phrases := w.phrases
	w.mu.Unlock()

	limit := len(words)
	if w.headWords > 0 && w.headWords < limit {
		limit = w.headWords
	}
	for _, phrase := range phrases {
		for i := 0; i < limit && i+len(phrase) <= len(words); i++ {
			if equalWords(words[i:i+len(phrase)], phrase) {
				return true, strings.Join(words[i+len(phrase):], " ")
			}
		}
	}
	return false, ""
}

func splitNormalized(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		if t := strings.Trim(f, " ,.!?;:-\"'`~"); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

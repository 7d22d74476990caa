package voice

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TranscriptLine is one utterance or assistant reply in a room's rolling
// transcript.
type TranscriptLine struct {
	Speaker string
	Text    string
	At      time.Time
}

// transcriptLog is a bounded rolling transcript. The oldest line is evicted
// past the length cap; a periodic sweep also drops lines older than the TTL
// so stale chatter doesn't leak into prompts.
type transcriptLog struct {
	mu    sync.Mutex
	lines []TranscriptLine
	max   int
	ttl   time.Duration
}

func newTranscriptLog(max int, ttl time.Duration) *transcriptLog {
	if max <= 0 {
		max = 20
	}
	return &transcriptLog{max: max, ttl: ttl}
}

func (t *transcriptLog) Append(speaker, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, TranscriptLine{Speaker: speaker, Text: text, At: time.Now()})
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Tail returns up to n most recent lines, oldest first.
func (t *transcriptLog) Tail(n int) []TranscriptLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.lines) {
		n = len(t.lines)
	}
	out := make([]TranscriptLine, n)
	copy(out, t.lines[len(t.lines)-n:])
	return out
}

// Render formats the last n lines as "Speaker: text" for prompt assembly.
func (t *transcriptLog) Render(n int) string {
	lines := t.Tail(n)
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", l.Speaker, l.Text)
	}
	return b.String()
}

// Sweep evicts lines older than the TTL.
func (t *transcriptLog) Sweep(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	cutoff := now.Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	keep := t.lines[:0]
	for _, l := range t.lines {
		if l.At.After(cutoff) {
			keep = append(keep, l)
		}
	}
	t.lines = keep
}

func (t *transcriptLog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}

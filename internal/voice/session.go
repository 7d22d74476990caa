package voice

import (
	"context"
	"sync"
	"time"
)

// RoomSession bundles everything one voice room owns: the transport handle,
// the frame router with its per-speaker buffers, the conversation gate, the
// bounded rolling transcript, the playback controller, and the room lock
// that keeps response cycles from interleaving.
type RoomSession struct {
	ID string

	transport  Transport
	router     *Router
	gate       *Gate
	transcript *transcriptLog
	playback   *PlaybackController

	// respMu guards the GENERATING→COOLDOWN span of a response cycle. The
	// playback device and capture sink are room singletons, so two cycles
	// for the same room must never generate or play concurrently.
	respMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// Context is cancelled when the session is torn down.
func (s *RoomSession) Context() context.Context { return s.ctx }

// Gate exposes the room's conversation gate.
func (s *RoomSession) Gate() *Gate { return s.gate }

// Playback exposes the room's playback controller, e.g. for phrase handlers
// that play novelty sounds.
func (s *RoomSession) Playback() *PlaybackController { return s.playback }

// Transcript returns up to n recent transcript lines, oldest first.
func (s *RoomSession) Transcript(n int) []TranscriptLine { return s.transcript.Tail(n) }

func (s *RoomSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *RoomSession) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// markClosed flags the session as torn down; returns false when it already
// was.
func (s *RoomSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Registry owns one RoomSession per room id.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*RoomSession
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*RoomSession)}
}

func (r *Registry) Get(id string) (*RoomSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[id]
	return s, ok
}

// Put registers the session; returns false when the room already has one.
func (r *Registry) Put(s *RoomSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[s.ID]; ok {
		return false
	}
	r.rooms[s.ID] = s
	return true
}

// Remove deregisters and returns the session, or nil when absent.
func (r *Registry) Remove(id string) *RoomSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.rooms[id]
	delete(r.rooms, id)
	return s
}

// All snapshots the registered sessions.
func (r *Registry) All() []*RoomSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RoomSession, 0, len(r.rooms))
	for _, s := range r.rooms {
		out = append(out, s)
	}
	return out
}

package persona

import (
	"fmt"
	"strings"
	"sync"
)

// Personality describes one assistant voice: its display name, the system
// prompt that shapes replies, a spoken greeting, and the sampling temperature
// used for generation.
type Personality struct {
	Name         string
	SystemPrompt string
	Greeting     string
	Temperature  float64
}

// Engine keeps a roster of personalities and a per-room active selection.
// Rooms without an explicit selection use the default personality.
type Engine struct {
	mu      sync.Mutex
	def     Personality
	roster  map[string]Personality
	perRoom map[string]string
}

// NewEngine returns an Engine with the built-in roster. The first entry is
// the default.
func NewEngine() *Engine {
	e := &Engine{
		roster:  make(map[string]Personality),
		perRoom: make(map[string]string),
	}
	builtins := []Personality{
		{
			Name:         "Assistant",
			SystemPrompt: "You are a helpful voice assistant in a shared voice room. Answer naturally and keep replies short enough to speak aloud.",
			Greeting:     "Hi! I'm your assistant. Say my name and I'll answer.",
			Temperature:  0.7,
		},
		{
			Name:         "Buddy",
			SystemPrompt: "You are a casual, upbeat friend hanging out in a voice chat. Be informal, warm, and brief.",
			Greeting:     "Yo! What's up? I'm listening.",
			Temperature:  0.8,
		},
		{
			Name:         "Captain",
			SystemPrompt: "You are a boisterous ship captain. Answer with nautical flair but stay useful and concise.",
			Greeting:     "Ahoy! Welcome aboard, sailor!",
			Temperature:  0.9,
		},
		{
			Name:         "Professor",
			SystemPrompt: "You are a thoughtful lecturer. Explain clearly, one idea at a time, in a few sentences at most.",
			Greeting:     "Welcome, seeker of knowledge. What shall we examine?",
			Temperature:  0.8,
		},
	}
	for i, p := range builtins {
		if i == 0 {
			e.def = p
		}
		e.roster[strings.ToLower(p.Name)] = p
	}
	return e
}

// Register adds or replaces a personality in the roster.
func (e *Engine) Register(p Personality) {
	if p.Greeting == "" {
		p.Greeting = fmt.Sprintf("Hi! I'm %s.", p.Name)
	}
	e.mu.Lock()
	e.roster[strings.ToLower(p.Name)] = p
	e.mu.Unlock()
}

// SetRoomPersona selects the active personality for a room by name.
func (e *Engine) SetRoomPersona(roomID, name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.roster[key]; !ok {
		return fmt.Errorf("unknown personality %q", name)
	}
	e.perRoom[roomID] = key
	return nil
}

// ActivePersona returns the personality currently active for the room.
func (e *Engine) ActivePersona(roomID string) Personality {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.perRoom[roomID]; ok {
		if p, ok := e.roster[key]; ok {
			return p
		}
	}
	return e.def
}

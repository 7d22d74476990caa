package persona

import "testing"

func TestDefaultPersona(t *testing.T) {
	e := NewEngine()
	p := e.ActivePersona("room1")
	if p.Name != "Assistant" {
		t.Fatalf("default persona should be Assistant, got %q", p.Name)
	}
	if p.SystemPrompt == "" || p.Greeting == "" {
		t.Fatalf("built-ins must carry a prompt and a greeting")
	}
}

func TestSetRoomPersona(t *testing.T) {
	e := NewEngine()
	if err := e.SetRoomPersona("room1", "captain"); err != nil {
		t.Fatalf("SetRoomPersona: %v", err)
	}
	if p := e.ActivePersona("room1"); p.Name != "Captain" {
		t.Fatalf("expected Captain, got %q", p.Name)
	}
	// Other rooms keep the default.
	if p := e.ActivePersona("room2"); p.Name != "Assistant" {
		t.Fatalf("room2 should still use the default, got %q", p.Name)
	}
}

func TestSetRoomPersonaUnknown(t *testing.T) {
	e := NewEngine()
	if err := e.SetRoomPersona("room1", "nobody"); err == nil {
		t.Fatalf("expected an error for an unknown personality")
	}
}

func TestRegisterFillsGreeting(t *testing.T) {
	e := NewEngine()
	e.Register(Personality{Name: "Echo", SystemPrompt: "repeat things", Temperature: 0.5})
	if err := e.SetRoomPersona("room1", "Echo"); err != nil {
		t.Fatalf("SetRoomPersona: %v", err)
	}
	p := e.ActivePersona("room1")
	if p.Greeting == "" {
		t.Fatalf("registered personas get a default greeting")
	}
}

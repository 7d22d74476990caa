package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordResolver resolves speaker display names through the Discord API
// with a small TTL cache in front of it.
type discordResolver struct {
	s  *discordgo.Session
	mu sync.Mutex
	// id -> (name, expiry)
	cache map[string]cacheEntry
}

type cacheEntry struct {
	val    string
	expiry time.Time
}

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

func NewDiscordResolver(s *discordgo.Session) NameResolver {
	return &discordResolver{s: s, cache: make(map[string]cacheEntry)}
}

func (d *discordResolver) SpeakerName(id string) string {
	if d.s == nil || id == "" {
		return ""
	}
	d.mu.Lock()
	if e, ok := d.cache[id]; ok {
		if time.Now().Before(e.expiry) {
			d.mu.Unlock()
			return e.val
		}
		delete(d.cache, id)
	}
	d.mu.Unlock()
	u, err := d.s.User(id)
	if err != nil || u == nil {
		return ""
	}
	d.mu.Lock()
	d.cache[id] = cacheEntry{val: u.Username, expiry: time.Now().Add(cacheTTL)}
	d.mu.Unlock()
	return u.Username
}

// NoopResolver never resolves a name; callers fall back to the raw id.
type NoopResolver struct{}

func (NoopResolver) SpeakerName(string) string { return "" }

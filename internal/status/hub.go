package status

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/voice-assistant-lab/internal/logging"
)

// StateFrame is what the web panel receives on every assistant state change.
type StateFrame struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Hub is a websocket broadcast hub for assistant status updates. Pushes are
// best-effort: dead connections are dropped, nothing is queued.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader

	// writeMu serializes broadcasts: websocket connections allow at most one
	// concurrent writer, and rooms push independently of each other.
	writeMu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away. Inbound messages are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugw("status: websocket upgrade failed", "err", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	logging.Infow("status: panel connected", "conns", n)

	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Push broadcasts a state change to every connected panel.
func (h *Hub) Push(state, label, text string) {
	frame := StateFrame{Type: "state", State: state, Speaker: label, Text: text}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, c := range conns {
		if err := c.WriteJSON(frame); err != nil {
			logging.Debugw("status: dropping dead panel connection", "err", err)
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		_ = c.Close()
	}
	h.mu.Unlock()
}

// Close tears down every panel connection.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.conns {
		_ = c.Close()
		delete(h.conns, c)
	}
	h.mu.Unlock()
}

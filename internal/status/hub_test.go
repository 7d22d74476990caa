package status

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitConns(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		got := len(h.conns)
		h.mu.Unlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubBroadcastsStateFrames(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ts := httptest.NewServer(h)
	defer ts.Close()

	c1 := dialHub(t, ts)
	defer c1.Close()
	c2 := dialHub(t, ts)
	defer c2.Close()
	waitConns(t, h, 2)

	h.Push("talking", "Assistant", "it is noon")

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame StateFrame
		if err := c.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Type != "state" || frame.State != "talking" || frame.Speaker != "Assistant" || frame.Text != "it is noon" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
}

func TestHubDropsDeadConnections(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ts := httptest.NewServer(h)
	defer ts.Close()

	c := dialHub(t, ts)
	waitConns(t, h, 1)
	c.Close()

	// Pushing to a closed peer eventually evicts it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.Push("idle", "", "")
		h.mu.Lock()
		n := len(h.conns)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead connection never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubConcurrentPushers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ts := httptest.NewServer(h)
	defer ts.Close()

	c := dialHub(t, ts)
	defer c.Close()
	waitConns(t, h, 1)

	// Rooms push independently of each other; the hub must serialize writes
	// onto the shared connection.
	const pushers = 8
	const each = 50
	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				h.Push("talking", "Assistant", "hello")
			}
		}()
	}

	got := 0
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for got < pushers*each {
		var frame StateFrame
		if err := c.ReadJSON(&frame); err != nil {
			t.Fatalf("read after %d frames: %v", got, err)
		}
		if frame.Type != "state" || frame.State != "talking" {
			t.Fatalf("corrupt frame after %d reads: %+v", got, frame)
		}
		got++
	}
	wg.Wait()
}

func TestHubPushWithoutPanels(t *testing.T) {
	h := NewHub()
	h.Push("idle", "", "") // must not panic
	h.Close()
}

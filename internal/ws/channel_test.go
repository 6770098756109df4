package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wsPort    int
		want      string
		wantErr   bool
	}{
		{
			name:      "plain http",
			serverURL: "http://localhost:6185",
			want:      "ws://localhost:6185/ws/client",
		},
		{
			name:      "https upgrades to wss",
			serverURL: "https://bot.example.com",
			want:      "wss://bot.example.com/ws/client",
		},
		{
			name:      "dedicated ws port overrides",
			serverURL: "http://localhost:6185",
			wsPort:    6186,
			want:      "ws://localhost:6186/ws/client",
		},
		{
			name:      "missing host",
			serverURL: "http://",
			wantErr:   true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buildURL(tc.serverURL, "tok", "sess", tc.wsPort)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("buildURL(%q) succeeded; want error", tc.serverURL)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildURL(%q) = %v", tc.serverURL, err)
			}
			if !strings.HasPrefix(got, tc.want+"?") {
				t.Errorf("buildURL(%q) = %q; want prefix %q", tc.serverURL, got, tc.want)
			}
			if !strings.Contains(got, "token=tok") || !strings.Contains(got, "session_id=sess") {
				t.Errorf("buildURL(%q) = %q; missing token or session query", tc.serverURL, got)
			}
		})
	}
}

// wsTestServer accepts /ws/client upgrades and hands each connection to fn.
func wsTestServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestChannelReceivesFrames(t *testing.T) {
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "heartbeat_ack", "timestamp": 1})
		conn.WriteJSON(map[string]any{"type": "command", "command": "ping", "request_id": "r1"})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	frames := make(chan json.RawMessage, 8)
	ch, err := NewChannel(Config{
		ServerURL: ts.URL,
		Token:     "tok",
		SessionID: "sess",
		OnFrame:   func(raw json.RawMessage) { frames <- raw },
	})
	if err != nil {
		t.Fatal(err)
	}
	ch.Start()
	defer ch.Stop()

	select {
	case raw := <-frames:
		var head struct {
			Type    string `json:"type"`
			Command string `json:"command"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if head.Type != "command" || head.Command != "ping" {
			t.Errorf("got frame %s; want the command frame", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}

	// The heartbeat_ack must have been consumed internally, never dispatched.
	select {
	case raw := <-frames:
		t.Fatalf("unexpected extra frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelHeartbeatAndSend(t *testing.T) {
	type frame struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	got := make(chan frame, 16)
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			got <- f
			if f.Type == "heartbeat" {
				conn.WriteJSON(map[string]any{"type": "heartbeat_ack"})
			}
		}
	})

	ch, err := NewChannel(Config{
		ServerURL:         ts.URL,
		SessionID:         "sess-1",
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ch.Start()
	defer ch.Stop()

	waitConnected(t, ch)
	ch.Send(map[string]any{"type": "desktop_state", "session_id": "sess-1"})

	var sawHeartbeat, sawState bool
	deadline := time.After(3 * time.Second)
	for !sawHeartbeat || !sawState {
		select {
		case f := <-got:
			switch f.Type {
			case "heartbeat":
				if f.SessionID != "sess-1" {
					t.Errorf("heartbeat session_id = %q; want sess-1", f.SessionID)
				}
				sawHeartbeat = true
			case "desktop_state":
				sawState = true
			}
		case <-deadline:
			t.Fatalf("timed out; heartbeat=%v state=%v", sawHeartbeat, sawState)
		}
	}
}

func TestChannelReconnects(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connects++
		n := connects
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	states := make(chan ChannelState, 32)
	ch, err := NewChannel(Config{
		ServerURL:      ts.URL,
		ReconnectDelay: 20 * time.Millisecond,
		OnState:        func(s ChannelState) { states <- s },
	})
	if err != nil {
		t.Fatal(err)
	}
	ch.Start()
	defer ch.Stop()

	var sawReconnecting bool
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateReconnecting {
				sawReconnecting = true
			}
			if s == StateConnected && sawReconnecting {
				mu.Lock()
				n := connects
				mu.Unlock()
				if n < 2 {
					t.Fatalf("connected after reconnect but server saw %d connections", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel never recovered from the drop")
		}
	}
}

func TestChannelStopIdempotent(t *testing.T) {
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch, err := NewChannel(Config{ServerURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	ch.Start()
	waitConnected(t, ch)

	ch.Stop()
	ch.Stop()
	if got := ch.State(); got != StateStopped {
		t.Errorf("state after Stop = %v; want %v", got, StateStopped)
	}

	// Send after Stop drops the frame without panicking.
	ch.Send(map[string]any{"type": "heartbeat"})
}

// Stop must return even when it races connection establishment: a receive
// loop parked in ReadMessage on a socket Stop never saw has no other closer.
func TestStopUnblocksInFlightRead(t *testing.T) {
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// Hold every connection open; only the client side ends the read.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for i := 0; i < 50; i++ {
		ch, err := NewChannel(Config{ServerURL: ts.URL})
		if err != nil {
			t.Fatal(err)
		}
		ch.Start()
		// Vary the window between Start and Stop so Stop lands before,
		// during and after the dial publishes the socket.
		time.Sleep(time.Duration(i%4) * 100 * time.Microsecond)

		done := make(chan struct{})
		go func() {
			ch.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Stop did not return; a receive loop is stuck", i)
		}
	}
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ch.IsConnected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("channel never connected")
}

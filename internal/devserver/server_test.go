package devserver

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func doLogin(t *testing.T, ts *httptest.Server, username, passwordMD5 string) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": passwordMD5})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

func TestLoginIssuesToken(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, env := doLogin(t, ts, "astrbot", md5hex("astrbot"))
	if resp.StatusCode != http.StatusOK || env["status"] != "ok" {
		t.Fatalf("login failed: %d %v", resp.StatusCode, env)
	}
	data := env["data"].(map[string]any)
	if data["token"] == "" || data["token"] != srv.Token() {
		t.Errorf("token mismatch: %v vs %q", data["token"], srv.Token())
	}
	if data["change_pwd_hint"] != true {
		t.Error("default password must trigger the change hint")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := New(Options{Password: "secret"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, env := doLogin(t, ts, "astrbot", md5hex("wrong"))
	if env["status"] != "error" {
		t.Errorf("wrong password accepted: %v", env)
	}
	if srv.Token() != "" {
		t.Error("failed login issued a token")
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv := New(Options{})
	srv.logins = newLoginLimiter(3, time.Minute)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for i := 0; i < 3; i++ {
		resp, _ := doLogin(t, ts, "astrbot", md5hex("wrong"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d = HTTP %d", i, resp.StatusCode)
		}
	}
	resp, _ := doLogin(t, ts, "astrbot", md5hex("astrbot"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("fourth attempt = HTTP %d; want 429", resp.StatusCode)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/chat/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated request = HTTP %d; want 401", resp.StatusCode)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/client?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with a bogus token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v; want 401", resp)
	}
}

func TestWebSocketRecordsClientFrames(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if _, env := doLogin(t, ts, "astrbot", md5hex("astrbot")); env["status"] != "ok" {
		t.Fatal("login failed")
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/client?token=" + srv.Token()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial = %v", err)
	}
	defer conn.Close()

	// Heartbeat gets acked, telemetry gets recorded.
	if err := conn.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "heartbeat_ack" {
		t.Fatalf("heartbeat ack = %+v, %v", ack, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "desktop_state", "data": map[string]any{"os": "linux"}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Frames("desktop_state")) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("desktop_state frame was not recorded")
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		text string
		n    int
		want []string
	}{
		{"abcdef", 3, []string{"ab", "cd", "ef"}},
		{"abcde", 2, []string{"abc", "de"}},
		{"x", 5, []string{"x"}},
		{"whole", 1, []string{"whole"}},
		{"héllo", 5, []string{"h", "é", "l", "l", "o"}},
	}
	for _, tc := range tests {
		got := splitChunks(tc.text, tc.n)
		if len(got) != len(tc.want) {
			t.Errorf("splitChunks(%q, %d) = %v; want %v", tc.text, tc.n, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitChunks(%q, %d)[%d] = %q; want %q", tc.text, tc.n, i, got[i], tc.want[i])
			}
		}
		if strings.Join(got, "") != tc.text {
			t.Errorf("splitChunks(%q, %d) loses content: %v", tc.text, tc.n, got)
		}
	}
}

func TestMessageText(t *testing.T) {
	srv := New(Options{})
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare string", `"hello"`, "hello"},
		{"plain part", `[{"type":"plain","text":"hi"}]`, "hi"},
		{"image part", `[{"type":"image","attachment_id":"a1"}]`, "[image:a1]"},
		{"mixed parts", `[{"type":"image","attachment_id":"a1"},{"type":"plain","text":"look"}]`, "[image:a1]look"},
		{"garbage", `12345`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := srv.messageText(json.RawMessage(tc.raw)); got != tc.want {
				t.Errorf("messageText(%s) = %q; want %q", tc.raw, got, tc.want)
			}
		})
	}
}

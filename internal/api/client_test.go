package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrodesk/astrodesk/internal/devserver"
)

// newTestPair wires a Client against an in-process emulator.
func newTestPair(t *testing.T, opts devserver.Options) (*Client, *devserver.Server) {
	t.Helper()
	srv := devserver.New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := NewClient(Options{
		ServerURL: ts.URL,
		Username:  "astrbot",
		Password:  "astrbot",
		Timeout:   5 * time.Second,
	})
	t.Cleanup(c.Close)
	return c, srv
}

func TestLogin(t *testing.T) {
	c, srv := newTestPair(t, devserver.Options{})

	msg, err := c.Login(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Login = %v", err)
	}
	if msg == "" {
		t.Error("Login returned an empty message")
	}
	if c.Token() == "" {
		t.Error("Login did not store a token")
	}
	if c.Token() != srv.Token() {
		t.Error("stored token does not match the server-issued one")
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state after login = %v; want %v", got, StateConnected)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{Password: "secret"})

	_, err := c.Login(context.Background(), "astrbot", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Login with wrong password = %v; want AuthError", err)
	}
	if c.Token() != "" {
		t.Error("failed login must not store a token")
	}
	if got := c.State(); got != StateError {
		t.Errorf("state after failed login = %v; want %v", got, StateError)
	}
}

func TestCheckConnectionClearsStaleToken(t *testing.T) {
	srv := devserver.New(devserver.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := NewClient(Options{
		ServerURL: ts.URL,
		Token:     "stale-token",
		Timeout:   5 * time.Second,
	})
	t.Cleanup(c.Close)

	if c.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection with a stale token reported true")
	}
	if c.Token() != "" {
		t.Error("401 must clear the stored token")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v; want %v", got, StateDisconnected)
	}
}

func TestCheckConnectionWithoutToken(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	if c.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection without a token reported true")
	}
}

func TestSessionLifecycle(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	ctx := context.Background()
	if _, err := c.Login(ctx, "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}

	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession = %v", err)
	}
	if id == "" {
		t.Fatal("CreateSession returned an empty id")
	}

	sessions, err := c.ListSessions(ctx, DefaultPlatformID)
	if err != nil {
		t.Fatalf("ListSessions = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != id {
		t.Fatalf("ListSessions = %+v; want one session %s", sessions, id)
	}

	if _, err := c.GetSessionHistory(ctx, id); err != nil {
		t.Fatalf("GetSessionHistory = %v", err)
	}

	if err := c.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession = %v", err)
	}
	if err := c.DeleteSession(ctx, id); err == nil {
		t.Error("deleting a deleted session must fail")
	}
}

func TestSetCredentialsInvalidatesToken(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	if _, err := c.Login(context.Background(), "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}

	c.SetCredentials("", "astrbot", "newpass")
	if c.Token() != "" {
		t.Error("SetCredentials must drop the bearer token")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v; want %v", got, StateDisconnected)
	}
}

func TestUploadAndDownload(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	ctx := context.Background()
	if _, err := c.Login(ctx, "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "pic.png")
	content := []byte("png-bytes")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	att, err := c.UploadFile(ctx, src)
	if err != nil {
		t.Fatalf("UploadFile = %v", err)
	}
	if att.AttachmentID == "" || att.Filename != "pic.png" {
		t.Fatalf("UploadFile attachment = %+v", att)
	}

	dst := filepath.Join(dir, "down.png")
	if err := c.DownloadFile(ctx, "pic.png", dst); err != nil {
		t.Fatalf("DownloadFile = %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded %q; want %q", got, content)
	}

	dst2 := filepath.Join(dir, "att.png")
	if err := c.GetAttachment(ctx, att.AttachmentID, dst2); err != nil {
		t.Fatalf("GetAttachment = %v", err)
	}
}

func TestDownloadMissingFileLeavesNothing(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	ctx := context.Background()
	if _, err := c.Login(ctx, "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}

	dst := filepath.Join(t.TempDir(), "missing.bin")
	if err := c.DownloadFile(ctx, "no-such-file", dst); err == nil {
		t.Fatal("DownloadFile for a missing file must fail")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("failed download left a file at the final path")
	}
	if _, err := os.Stat(dst + ".part"); !os.IsNotExist(err) {
		t.Error("failed download left a partial file behind")
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	if _, err := c.UploadFile(context.Background(), "/nonexistent/file.png"); err == nil {
		t.Fatal("UploadFile for a missing local file must fail without a network call")
	}
}

func collectEvents(ch <-chan SSEEvent) []SSEEvent {
	var events []SSEEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestSendMessageStreaming(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{StreamChunks: 3})
	ctx := context.Background()
	if _, err := c.Login(ctx, "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession = %v", err)
	}

	events := collectEvents(c.SendMessage(ctx, SendOptions{
		SessionID: id,
		Message:   "hello world",
		Streaming: true,
	}))
	if len(events) == 0 {
		t.Fatal("SendMessage produced no events")
	}

	var text string
	var sawSaved, sawEnd bool
	for _, ev := range events {
		switch ev.Type {
		case EventPlain:
			if !ev.Streaming {
				t.Error("expected streamed chunks, got a non-streaming plain event")
			}
			text += ev.Data
		case EventMessageSaved:
			sawSaved = true
		case EventEnd:
			sawEnd = true
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.Data)
		}
	}
	if text != "echo: hello world" {
		t.Errorf("assembled reply = %q; want %q", text, "echo: hello world")
	}
	if !sawSaved || !sawEnd {
		t.Errorf("sawSaved=%v sawEnd=%v; want both", sawSaved, sawEnd)
	}
	if events[len(events)-1].Type != EventEnd {
		t.Error("end must be the final event")
	}
}

func TestSendMessageNonStreaming(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})
	ctx := context.Background()
	if _, err := c.Login(ctx, "", ""); err != nil {
		t.Fatalf("Login = %v", err)
	}
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession = %v", err)
	}

	events := collectEvents(c.SendMessage(ctx, SendOptions{
		SessionID: id,
		Message:   "hi",
		Streaming: false,
	}))

	var plains int
	for _, ev := range events {
		if ev.Type == EventPlain {
			plains++
			if ev.Streaming {
				t.Error("non-streaming send produced a streaming chunk")
			}
			if ev.Data != "echo: hi" {
				t.Errorf("reply = %q; want %q", ev.Data, "echo: hi")
			}
		}
	}
	if plains != 1 {
		t.Errorf("got %d plain events; want 1", plains)
	}
}

func TestSendMessageUnauthorized(t *testing.T) {
	c, _ := newTestPair(t, devserver.Options{})

	// No login: the server answers 401 and the stream must surface exactly
	// one terminal error event.
	events := collectEvents(c.SendMessage(context.Background(), SendOptions{
		SessionID: "whatever",
		Message:   "hi",
	}))
	if len(events) != 1 {
		t.Fatalf("got %d events %+v; want exactly one", len(events), events)
	}
	if events[0].Type != EventError {
		t.Fatalf("event type = %q; want %q", events[0].Type, EventError)
	}
}

func TestSendMessageConnectFailure(t *testing.T) {
	c := NewClient(Options{
		ServerURL: "http://127.0.0.1:1", // nothing listens here
		Timeout:   2 * time.Second,
	})
	t.Cleanup(c.Close)

	events := collectEvents(c.SendMessage(context.Background(), SendOptions{
		SessionID: "s",
		Message:   "hi",
	}))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("got %+v; want one error event", events)
	}
}

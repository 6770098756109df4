package api

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Timeouts. Interactive calls fail fast; the streaming pool tolerates long
// gaps between chunks while the server is thinking.
const (
	defaultTimeout     = 30 * time.Second
	connectTimeout     = 10 * time.Second
	checkTimeout       = 10 * time.Second
	streamTotalTimeout = 5 * time.Minute
)

// DefaultPlatformID identifies this client's sessions server-side.
const DefaultPlatformID = "webchat"

// Options configures a Client.
type Options struct {
	ServerURL string
	Username  string
	Password  string
	Token     string
	Timeout   time.Duration // interactive request timeout, defaults to 30s
	OnState   StateFunc
	Logger    *slog.Logger
}

// Client talks to the remote server's HTTP API. It owns two lazily created
// connection pools: one for interactive request/response calls and one for
// streaming calls, so a stalled stream can never starve interactive traffic.
type Client struct {
	mu        sync.Mutex
	serverURL string
	username  string
	password  string
	token     string
	timeout   time.Duration

	httpc   *http.Client
	streamc *http.Client

	state  stateTracker
	logger *slog.Logger
}

// NewClient creates a REST session client. No network traffic happens until
// the first call.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		serverURL: strings.TrimRight(opts.ServerURL, "/"),
		username:  opts.Username,
		password:  opts.Password,
		token:     opts.Token,
		timeout:   timeout,
		logger:    logger.With("component", "api"),
	}
	c.state.onChange = opts.OnState
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.state.Get() }

// IsConnected reports whether the last validation succeeded.
func (c *Client) IsConnected() bool { return c.state.Get() == StateConnected }

// Token returns the current bearer token ("" when logged out).
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ServerURL returns the configured server base URL.
func (c *Client) ServerURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverURL
}

// SetCredentials replaces connection parameters. Empty fields are kept.
// The bearer token is always invalidated and the state forced back to
// Disconnected: a token issued under old credentials must never survive a
// credential change.
func (c *Client) SetCredentials(serverURL, username, password string) {
	c.mu.Lock()
	if serverURL != "" {
		c.serverURL = strings.TrimRight(serverURL, "/")
	}
	if username != "" {
		c.username = username
	}
	if password != "" {
		c.password = password
	}
	c.token = ""
	c.mu.Unlock()

	c.state.Set(StateDisconnected)
}

func (c *Client) apiBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverURL + "/api"
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// ensureClient returns the interactive pool, recreating it after Close.
func (c *Client) ensureClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpc == nil {
		c.httpc = &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c.httpc
}

// ensureStreamClient returns the streaming pool. It has no overall client
// timeout; each streaming request is bounded by its own context deadline.
func (c *Client) ensureStreamClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamc == nil {
		c.streamc = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: defaultTimeout,
				MaxIdleConnsPerHost:   2,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return c.streamc
}

// Close releases both connection pools and forces the state to
// Disconnected. It is idempotent and does not interrupt in-flight streams.
func (c *Client) Close() {
	c.mu.Lock()
	if c.httpc != nil {
		c.httpc.CloseIdleConnections()
		c.httpc = nil
	}
	if c.streamc != nil {
		c.streamc.CloseIdleConnections()
		c.streamc = nil
	}
	c.mu.Unlock()

	c.state.Set(StateDisconnected)
}

// envelope is the server's uniform JSON response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// doJSON issues an interactive request and decodes the envelope. A non-JSON
// body or a non-200 status becomes a ProtocolError; transport failures
// become NetworkError.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any) (*envelope, error) {
	u := c.apiBase() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.headers()

	resp, err := c.ensureClient().Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read " + path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newProtocolError(0, "not a JSON envelope: "+string(raw))
	}
	return &env, nil
}

func hashPassword(password string) string {
	// The server stores MD5 digests; the wire format is fixed server-side.
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Login authenticates with username/password and stores the returned bearer
// token. The password is hashed before transmission. Returns a user-facing
// message on success.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	c.state.Set(StateConnecting)

	c.mu.Lock()
	if username == "" {
		username = c.username
	}
	if password == "" {
		password = c.password
	}
	c.mu.Unlock()

	if username == "" || password == "" {
		c.state.Set(StateError)
		return "", &AuthError{Reason: "username or password is empty"}
	}

	env, err := c.doJSON(ctx, http.MethodPost, "/auth/login", nil, map[string]string{
		"username": username,
		"password": hashPassword(password),
	})
	if err != nil {
		c.state.Set(StateError)
		return "", err
	}
	if env.Status != "ok" {
		c.state.Set(StateError)
		if env.Message != "" {
			return "", &AuthError{Reason: env.Message}
		}
		return "", &AuthError{Reason: "login rejected"}
	}

	var data struct {
		Token         string `json:"token"`
		ChangePwdHint bool   `json:"change_pwd_hint"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		c.state.Set(StateError)
		return "", newProtocolError(0, "login response missing token")
	}

	c.mu.Lock()
	c.token = data.Token
	c.username = username
	c.password = password
	c.mu.Unlock()

	c.state.Set(StateConnected)
	c.logger.Info("login succeeded", "username", username)

	msg := "login succeeded"
	if data.ChangePwdHint {
		msg += " (server suggests changing the default password)"
	}
	return msg, nil
}

// CheckConnection validates the stored token with a lightweight sessions
// listing. It never returns an error: any failure leaves the state
// Disconnected and reports false. A 401 clears the token so the caller
// falls back to a fresh login.
func (c *Client) CheckConnection(ctx context.Context) bool {
	if c.Token() == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	env, err := c.doJSON(ctx, http.MethodGet, "/chat/sessions", nil, nil)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("token expired, login required")
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		} else {
			c.logger.Warn("connection check failed", "error", err)
		}
		c.state.Set(StateDisconnected)
		return false
	}
	if env.Status != "ok" {
		c.state.Set(StateDisconnected)
		return false
	}

	c.state.Set(StateConnected)
	return true
}

// Session summarizes one server-side conversation.
type Session struct {
	SessionID  string `json:"session_id"`
	PlatformID string `json:"platform_id,omitempty"`
	Title      string `json:"title,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// CreateSession creates a new conversation and returns its id.
func (c *Client) CreateSession(ctx context.Context, platformID string) (string, error) {
	if platformID == "" {
		platformID = DefaultPlatformID
	}
	env, err := c.doJSON(ctx, http.MethodGet, "/chat/new_session", url.Values{"platform_id": {platformID}}, nil)
	if err != nil {
		return "", err
	}
	if env.Status != "ok" {
		return "", newProtocolError(0, envMessage(env, "create session failed"))
	}
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		return "", newProtocolError(0, "new_session response missing session_id")
	}
	return data.SessionID, nil
}

// ListSessions returns the conversations known to the server.
func (c *Client) ListSessions(ctx context.Context, platformID string) ([]Session, error) {
	query := url.Values{}
	if platformID != "" {
		query.Set("platform_id", platformID)
	}
	env, err := c.doJSON(ctx, http.MethodGet, "/chat/sessions", query, nil)
	if err != nil {
		return nil, err
	}
	if env.Status != "ok" {
		return nil, newProtocolError(0, envMessage(env, "list sessions failed"))
	}
	var sessions []Session
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &sessions); err != nil {
			return nil, newProtocolError(0, "sessions payload is not a list")
		}
	}
	return sessions, nil
}

// GetSessionHistory returns the raw server-side transcript of a session.
func (c *Client) GetSessionHistory(ctx context.Context, sessionID string) (json.RawMessage, error) {
	env, err := c.doJSON(ctx, http.MethodGet, "/chat/get_session", url.Values{"session_id": {sessionID}}, nil)
	if err != nil {
		return nil, err
	}
	if env.Status != "ok" {
		return nil, newProtocolError(0, envMessage(env, "get session failed"))
	}
	return env.Data, nil
}

// DeleteSession removes a conversation server-side.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	env, err := c.doJSON(ctx, http.MethodGet, "/chat/delete_session", url.Values{"session_id": {sessionID}}, nil)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return newProtocolError(0, envMessage(env, "delete session failed"))
	}
	return nil
}

// Attachment describes an uploaded file.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	Type         string `json:"type"`
}

// mimeByExtension maps known upload extensions to MIME types. Unknown
// extensions fall back to application/octet-stream.
var mimeByExtension = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
}

// UploadFile posts a local file as multipart form data. A missing file is a
// local failure; no network call is attempted.
func (c *Client) UploadFile(ctx context.Context, path string) (*Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	filename := filepath.Base(path)
	contentType := mimeByExtension[strings.ToLower(filepath.Ext(filename))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("create multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase()+"/chat/post_file", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.ensureClient().Do(req)
	if err != nil {
		c.state.Set(StateDisconnected)
		return nil, &NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read upload response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Status != "ok" {
		return nil, newProtocolError(0, "upload rejected: "+capBody(string(raw)))
	}
	var att Attachment
	if err := json.Unmarshal(env.Data, &att); err != nil || att.AttachmentID == "" {
		return nil, newProtocolError(0, "upload response missing attachment_id")
	}
	return &att, nil
}

// DownloadFile fetches a server-side file by name. The body streams to a
// temporary sibling of savePath and is renamed into place only after the
// full body arrived, so a failed download never leaves a readable partial
// file at the final path.
func (c *Client) DownloadFile(ctx context.Context, filename, savePath string) error {
	return c.downloadTo(ctx, "/chat/get_file", url.Values{"filename": {filename}}, savePath)
}

// GetAttachment fetches an uploaded attachment by id. Same atomicity
// contract as DownloadFile.
func (c *Client) GetAttachment(ctx context.Context, attachmentID, savePath string) error {
	return c.downloadTo(ctx, "/chat/get_attachment", url.Values{"attachment_id": {attachmentID}}, savePath)
}

func (c *Client) downloadTo(ctx context.Context, path string, query url.Values, savePath string) error {
	u := c.apiBase() + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.ensureClient().Do(req)
	if err != nil {
		return &NetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newProtocolError(resp.StatusCode, "download failed")
	}

	tmp := savePath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return &NetworkError{Op: "download body", Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, savePath)
}

// MessagePart is one segment of a composite outbound message.
type MessagePart struct {
	Type         string `json:"type"` // "plain", "image", "record", "file"
	Text         string `json:"text,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// SendOptions configures one streaming send.
type SendOptions struct {
	SessionID string
	Message   any // string or []MessagePart
	Provider  string
	Model     string
	Streaming bool
}

// SendMessage opens a streaming POST to /chat/send and returns a lazy,
// finite sequence of SSE events. Each call opens a new HTTP stream; the
// sequence is not restartable. All failure modes (non-200 status, connect
// or timeout errors, mid-stream drops) surface as exactly one terminal
// error event; nothing escapes to the caller. The channel is closed once
// the stream ends.
func (c *Client) SendMessage(ctx context.Context, opts SendOptions) <-chan SSEEvent {
	out := make(chan SSEEvent)
	go func() {
		defer close(out)
		c.streamSend(ctx, opts, out)
	}()
	return out
}

func (c *Client) streamSend(ctx context.Context, opts SendOptions, out chan<- SSEEvent) {
	body := map[string]any{
		"session_id":       opts.SessionID,
		"message":          opts.Message,
		"enable_streaming": opts.Streaming,
	}
	if opts.Provider != "" {
		body["selected_provider"] = opts.Provider
	}
	if opts.Model != "" {
		body["selected_model"] = opts.Model
	}

	raw, err := json.Marshal(body)
	if err != nil {
		emitError(ctx, out, "encode message: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, streamTotalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase()+"/chat/send", bytes.NewReader(raw))
	if err != nil {
		emitError(ctx, out, "create request: "+err.Error())
		return
	}
	req.Header = c.headers()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.ensureStreamClient().Do(req)
	if err != nil {
		c.state.Set(StateDisconnected)
		emitError(ctx, out, "connection failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		emitError(ctx, out, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return
	}

	if err := decodeSSE(ctx, resp.Body, out); err != nil && ctx.Err() == nil {
		c.logger.Warn("stream aborted", "error", err)
		emitError(ctx, out, "stream aborted: "+err.Error())
	}
}

func emitError(ctx context.Context, out chan<- SSEEvent, msg string) {
	select {
	case out <- SSEEvent{Type: EventError, Data: msg, ChainType: ChainNormal}:
	case <-ctx.Done():
	}
}

func envMessage(env *envelope, fallback string) string {
	if env.Message != "" {
		return env.Message
	}
	return fallback
}

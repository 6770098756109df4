// Package bridge connects the UI to the remote server: it owns the API
// client, translates streamed chat events into UI-facing messages and
// serializes outbound sends so replies can never interleave.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astrodesk/astrodesk/internal/api"
	"github.com/astrodesk/astrodesk/internal/config"
)

// Observer receives every OutputMessage the bridge produces.
type Observer func(OutputMessage)

// Options configures a Bridge.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	OnState api.StateFunc // optional, invoked on connection state changes
}

// Bridge mediates between the UI and the server. All observer callbacks
// run on the goroutine that produced the message; observers must not block.
type Bridge struct {
	cfg    *config.Config
	client *api.Client
	logger *slog.Logger

	onState api.StateFunc

	obsMu     sync.Mutex
	observers []Observer

	// sendMu serializes SendInput so only one request streams at a time.
	sendMu sync.Mutex

	reqMu     sync.Mutex
	currentID string
}

// New builds a bridge around cfg. No network traffic happens until
// ConnectServer.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:     opts.Config,
		logger:  logger.With("component", "bridge"),
		onState: opts.OnState,
	}
	b.client = api.NewClient(api.Options{
		ServerURL: opts.Config.Server.URL,
		Username:  opts.Config.Server.Username,
		Password:  opts.Config.Server.Password,
		Token:     opts.Config.Server.Token,
		Timeout:   time.Duration(opts.Config.Server.RequestTimeout) * time.Second,
		OnState:   b.handleStateChange,
		Logger:    logger,
	})
	return b
}

// Client exposes the underlying API client for direct calls (file
// downloads, session listing) that bypass the message flow.
func (b *Bridge) Client() *api.Client { return b.client }

// State returns the current connection state.
func (b *Bridge) State() api.ConnectionState { return b.client.State() }

// IsConnected reports whether the server connection is validated.
func (b *Bridge) IsConnected() bool { return b.client.IsConnected() }

// Subscribe registers an observer for all output messages.
func (b *Bridge) Subscribe(fn Observer) {
	b.obsMu.Lock()
	b.observers = append(b.observers, fn)
	b.obsMu.Unlock()
}

func (b *Bridge) emit(msg OutputMessage) {
	b.obsMu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.obsMu.Unlock()
	for _, fn := range observers {
		fn(msg)
	}
}

func (b *Bridge) handleStateChange(state api.ConnectionState) {
	if b.onState != nil {
		b.onState(state)
	}
	b.emit(OutputMessage{
		Type:     OutputStatus,
		Content:  state.String(),
		Metadata: map[string]string{"state": state.String()},
	})
}

// ConnectServer establishes a validated connection. A stored token is
// tried first; when it is missing or stale the bridge falls back to a
// username/password login and persists the fresh token. Either path ends
// with a usable session id in the config.
func (b *Bridge) ConnectServer(ctx context.Context) (string, error) {
	if b.client.Token() != "" && b.client.CheckConnection(ctx) {
		if err := b.ensureSession(ctx); err != nil {
			return "", err
		}
		return "connected with saved token", nil
	}

	msg, err := b.client.Login(ctx, "", "")
	if err != nil {
		return "", err
	}

	b.cfg.Server.Token = b.client.Token()
	if err := b.cfg.Save(); err != nil {
		b.logger.Warn("persist token failed", "error", err)
	}

	if err := b.ensureSession(ctx); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return msg, nil
}

func (b *Bridge) ensureSession(ctx context.Context) error {
	if b.cfg.Server.SessionID != "" {
		return nil
	}
	sessionID, err := b.client.CreateSession(ctx, "")
	if err != nil {
		return err
	}
	b.cfg.Server.SessionID = sessionID
	if err := b.cfg.Save(); err != nil {
		b.logger.Warn("persist session failed", "error", err)
	}
	return nil
}

// DisconnectServer tears down the connection pools.
func (b *Bridge) DisconnectServer() {
	b.client.Close()
}

// Close is an alias for DisconnectServer.
func (b *Bridge) Close() { b.DisconnectServer() }

func newRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// CurrentRequestID returns the id of the in-flight request, or "".
func (b *Bridge) CurrentRequestID() string {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	return b.currentID
}

func (b *Bridge) setRequestID(id string) {
	b.reqMu.Lock()
	b.currentID = id
	b.reqMu.Unlock()
}

// SendInput sends one user message and streams the reply to observers.
// Sends are fully serialized: a second call blocks until the previous
// reply has finished streaming, so responses can never interleave. All
// failures surface as error output messages; SendInput itself returns
// only after the reply stream ended.
func (b *Bridge) SendInput(ctx context.Context, msg InputMessage) {
	if !b.IsConnected() {
		b.emit(OutputMessage{
			Type:      OutputError,
			Content:   "not connected to server",
			SessionID: msg.SessionID,
		})
		return
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.sendInput(ctx, msg)
}

func (b *Bridge) sendInput(ctx context.Context, msg InputMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = b.cfg.Server.SessionID
	}
	if sessionID == "" {
		b.emit(OutputMessage{Type: OutputError, Content: "no active session"})
		return
	}

	requestID := newRequestID()
	b.setRequestID(requestID)
	defer b.setRequestID("")
	b.logger.Debug("request started", "request_id", requestID, "type", msg.Type)

	payload, err := b.buildPayload(ctx, msg)
	if err != nil {
		b.emit(OutputMessage{
			Type:      OutputError,
			Content:   "send failed: " + err.Error(),
			SessionID: msg.SessionID,
			Metadata:  map[string]string{"request_id": requestID},
		})
		return
	}

	events := b.client.SendMessage(ctx, api.SendOptions{
		SessionID: sessionID,
		Message:   payload,
		Provider:  b.cfg.Server.Provider,
		Model:     b.cfg.Server.Model,
		Streaming: b.cfg.Server.EnableStreaming,
	})
	for ev := range events {
		b.handleEvent(ev, sessionID, requestID)
	}
	b.logger.Debug("request finished", "request_id", requestID)
}

// buildPayload turns an InputMessage into the wire message value: a plain
// string for text, a part list with an uploaded attachment for everything
// else. Screenshots are ordinary image sends.
func (b *Bridge) buildPayload(ctx context.Context, msg InputMessage) (any, error) {
	switch msg.Type {
	case InputText:
		return msg.Content, nil

	case InputImage, InputScreenshot:
		att, err := b.client.UploadFile(ctx, msg.Content)
		if err != nil {
			return nil, err
		}
		parts := []api.MessagePart{{Type: "image", AttachmentID: att.AttachmentID}}
		if caption := msg.Metadata["text"]; caption != "" {
			parts = append(parts, api.MessagePart{Type: "plain", Text: caption})
		}
		return parts, nil

	case InputVoice:
		att, err := b.client.UploadFile(ctx, msg.Content)
		if err != nil {
			return nil, err
		}
		return []api.MessagePart{{Type: "record", AttachmentID: att.AttachmentID}}, nil

	case InputFile:
		att, err := b.client.UploadFile(ctx, msg.Content)
		if err != nil {
			return nil, err
		}
		parts := []api.MessagePart{{Type: "file", AttachmentID: att.AttachmentID}}
		if caption := msg.Metadata["text"]; caption != "" {
			parts = append(parts, api.MessagePart{Type: "plain", Text: caption})
		}
		return parts, nil

	default:
		return nil, fmt.Errorf("unsupported input type %q", msg.Type)
	}
}

// handleEvent maps one stream event to zero or one OutputMessage.
func (b *Bridge) handleEvent(ev api.SSEEvent, sessionID, requestID string) {
	meta := func(extra ...string) map[string]string {
		m := map[string]string{}
		if requestID != "" {
			m["request_id"] = requestID
		}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}

	switch ev.Type {
	case api.EventPlain:
		// Empty non-streaming chunks and reasoning-chain content are
		// dropped rather than shown.
		if ev.Data == "" && !ev.Streaming {
			return
		}
		if ev.ChainType == api.ChainReasoning {
			return
		}
		content := ev.Data
		if content != "" && !ev.Streaming {
			content = extractFunctionResult(content)
		}
		b.emit(OutputMessage{
			Type:      OutputText,
			Content:   content,
			SessionID: sessionID,
			Streaming: ev.Streaming,
			Metadata:  meta("chain_type", ev.ChainType),
		})

	case api.EventImage:
		filename := strings.ReplaceAll(ev.Data, "[IMAGE]", "")
		b.emit(OutputMessage{
			Type:      OutputImage,
			Content:   filename,
			SessionID: sessionID,
			Metadata:  meta("filename", filename),
		})

	case api.EventRecord:
		filename := strings.ReplaceAll(ev.Data, "[RECORD]", "")
		b.emit(OutputMessage{
			Type:      OutputVoice,
			Content:   filename,
			SessionID: sessionID,
			Metadata:  meta("filename", filename),
		})

	case api.EventFile:
		filename := strings.ReplaceAll(ev.Data, "[FILE]", "")
		b.emit(OutputMessage{
			Type:      OutputFile,
			Content:   filename,
			SessionID: sessionID,
			Metadata:  meta("filename", filename),
		})

	case api.EventEnd, api.EventComplete:
		b.emit(OutputMessage{
			Type:       OutputEnd,
			SessionID:  sessionID,
			IsComplete: true,
			Metadata:   meta(),
		})

	case api.EventBreak:
		b.emit(OutputMessage{
			Type:      OutputEnd,
			SessionID: sessionID,
			Metadata:  meta("break", "true"),
		})

	case api.EventMessageSaved:
		var frame struct {
			Data struct {
				ID        any `json:"id"`
				CreatedAt any `json:"created_at"`
			} `json:"data"`
		}
		m := meta()
		if len(ev.Raw) > 0 && json.Unmarshal(ev.Raw, &frame) == nil {
			if frame.Data.ID != nil {
				m["message_id"] = fmt.Sprint(frame.Data.ID)
			}
			if frame.Data.CreatedAt != nil {
				m["created_at"] = fmt.Sprint(frame.Data.CreatedAt)
			}
		}
		b.emit(OutputMessage{
			Type:      OutputSaved,
			SessionID: sessionID,
			Metadata:  m,
		})

	case api.EventError:
		b.emit(OutputMessage{
			Type:      OutputError,
			Content:   ev.Data,
			SessionID: sessionID,
			Metadata:  meta(),
		})
	}
}

// extractFunctionResult unwraps tool-call result envelopes of the form
// {"id": ..., "ts": ..., "result": ...} down to the result value. Anything
// that is not such an envelope passes through untouched, so the unwrap is
// idempotent.
func extractFunctionResult(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return content
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return content
	}
	if _, hasID := data["id"]; !hasID {
		return content
	}
	result, hasResult := data["result"]
	if !hasResult || result == nil {
		return content
	}
	// Empty, zero and false results keep the envelope intact.
	switch v := result.(type) {
	case string:
		if v == "" {
			return content
		}
		return v
	case bool:
		if !v {
			return content
		}
	case float64:
		if v == 0 {
			return content
		}
	case []any:
		if len(v) == 0 {
			return content
		}
	case map[string]any:
		if len(v) == 0 {
			return content
		}
	}
	return fmt.Sprint(result)
}

// UpdateServerConfig replaces connection parameters. Empty arguments keep
// the current value. The stored token is dropped both in memory and in the
// persisted config, so the next connect performs a fresh login.
func (b *Bridge) UpdateServerConfig(url, username, password string) {
	if url != "" {
		b.cfg.Server.URL = url
	}
	if username != "" {
		b.cfg.Server.Username = username
	}
	if password != "" {
		b.cfg.Server.Password = password
	}
	b.cfg.Server.Token = ""
	b.client.SetCredentials(url, username, password)
	if err := b.cfg.Save(); err != nil {
		b.logger.Warn("persist config failed", "error", err)
	}
}

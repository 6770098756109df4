// Package remote dispatches server-initiated commands arriving over the
// WebSocket side channel and reports results and desktop telemetry back.
package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/astrodesk/astrodesk/internal/ws"
)

// HandlerFunc executes one remote command. The returned map becomes the
// result payload; an error is converted into a failure result.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// commandFrame is an inbound command push.
type commandFrame struct {
	Type      string         `json:"type"`
	Command   string         `json:"command"`
	RequestID string         `json:"request_id"`
	Params    map[string]any `json:"params"`
}

// Sender abstracts the outbound side of the channel; satisfied by
// *ws.Channel.
type Sender interface {
	Send(frame any)
}

// Handler routes command frames to registered handlers. Unknown commands
// get a failure result rather than silence, so the server is never left
// waiting.
type Handler struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sender   Sender
	logger   *slog.Logger
}

// New creates a command handler with the built-in ping command registered.
func New(sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		handlers: make(map[string]HandlerFunc),
		sender:   sender,
		logger:   logger.With("component", "remote"),
	}
	h.Register("ping", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true, "timestamp": time.Now().Unix()}, nil
	})
	return h
}

// Register installs a handler for a command name, replacing any previous
// one.
func (h *Handler) Register(command string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[command] = fn
	h.mu.Unlock()
}

// HandleFrame inspects one raw channel frame and processes it if it is a
// command push. It reports whether the frame was consumed. Suitable as a
// ws.Config OnFrame callback; command execution happens on the calling
// goroutine.
func (h *Handler) HandleFrame(raw json.RawMessage) bool {
	var frame commandFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "command" {
		return false
	}
	if frame.Command == "" {
		h.logger.Warn("command frame missing command field")
		return true
	}
	h.logger.Info("remote command received", "command", frame.Command, "request_id", frame.RequestID)

	h.mu.RLock()
	fn, ok := h.handlers[frame.Command]
	h.mu.RUnlock()

	if !ok {
		h.sendResult(frame.Command, frame.RequestID, map[string]any{
			"success":       false,
			"error_message": "unknown command: " + frame.Command,
		})
		return true
	}

	result, err := fn(context.Background(), frame.Params)
	if err != nil {
		h.sendResult(frame.Command, frame.RequestID, map[string]any{
			"success":       false,
			"error_message": err.Error(),
		})
		return true
	}
	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}
	h.sendResult(frame.Command, frame.RequestID, result)
	return true
}

// sendResult pushes a command_result frame. The request id rides inside
// the data object next to the handler's payload.
func (h *Handler) sendResult(command, requestID string, result map[string]any) {
	data := map[string]any{"request_id": requestID}
	for k, v := range result {
		data[k] = v
	}
	h.sender.Send(map[string]any{
		"type":    "command_result",
		"command": command,
		"data":    data,
	})
	h.logger.Debug("command result sent", "command", command, "request_id", requestID)
}

// SetBusy tells the server the client entered or left a long-running
// operation so it can stretch its timeouts.
func (h *Handler) SetBusy(isBusy bool, operation string, durationSec int) {
	h.sender.Send(map[string]any{
		"type": "busy_state",
		"data": map[string]any{
			"is_busy":   isBusy,
			"operation": operation,
			"duration":  durationSec,
		},
	})
}

// DesktopState is the telemetry payload reported to the server.
type DesktopState struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	PID       int    `json:"pid"`
	SessionID string `json:"session_id,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
	Timestamp int64  `json:"timestamp"`
}

// CollectDesktopState gathers the current telemetry snapshot.
func CollectDesktopState(sessionID string, startedAt time.Time) DesktopState {
	hostname, _ := os.Hostname()
	now := time.Now()
	return DesktopState{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       os.Getpid(),
		SessionID: sessionID,
		Uptime:    int64(now.Sub(startedAt).Seconds()),
		Timestamp: now.Unix(),
	}
}

// SendDesktopState pushes one telemetry frame.
func (h *Handler) SendDesktopState(state DesktopState) {
	h.sender.Send(map[string]any{
		"type": "desktop_state",
		"data": state,
	})
}

// ReportLoop sends telemetry every interval until ctx is cancelled. It
// only reports while the channel is up; frames sent into a down channel
// are dropped by the channel itself.
func (h *Handler) ReportLoop(ctx context.Context, ch *ws.Channel, sessionID string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch.IsConnected() {
				h.SendDesktopState(CollectDesktopState(sessionID, start))
			}
		}
	}
}

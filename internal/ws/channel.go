// Package ws maintains the always-on WebSocket side channel to the server.
// It is independent of the REST client's request/response cycle and carries
// server-pushed commands and desktop telemetry. The channel heals itself:
// connect failures and drops are retried indefinitely until Stop.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelState describes the side channel's lifecycle.
type ChannelState int

const (
	StateStopped ChannelState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ChannelState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	handshakeTimeout         = 10 * time.Second
	writeTimeout             = 10 * time.Second
	maxFrameBytes            = 10 * 1024 * 1024
)

// Config configures a Channel.
type Config struct {
	ServerURL string // http(s) base URL of the API server
	Token     string
	SessionID string
	// WSPort selects a dedicated WebSocket port. Zero reuses the API port.
	WSPort int

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	// OnFrame receives every inbound JSON frame except heartbeat acks,
	// which are consumed internally.
	OnFrame func(json.RawMessage)
	// OnState is invoked on channel state transitions.
	OnState func(ChannelState)

	Logger *slog.Logger
}

// Channel is a long-lived, self-healing duplex connection. Exactly one
// socket handle is live at a time; it is owned by the channel and replaced,
// never shared, on each reconnect.
type Channel struct {
	cfg    Config
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	state   ChannelState
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	writeMu sync.Mutex
}

// NewChannel builds a channel for the given server and session. It does not
// connect until Start.
func NewChannel(cfg Config) (*Channel, error) {
	wsURL, err := buildURL(cfg.ServerURL, cfg.Token, cfg.SessionID, cfg.WSPort)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		url:    wsURL,
		logger: logger.With("component", "ws"),
	}, nil
}

// buildURL derives the ws(s) endpoint from the API base URL. The WebSocket
// lives at /ws/client with token and session id as query parameters.
func buildURL(serverURL, token, sessionID string, wsPort int) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}

	port := parsed.Port()
	if wsPort > 0 {
		port = fmt.Sprintf("%d", wsPort)
	}
	if port != "" {
		host += ":" + port
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("session_id", sessionID)
	u := url.URL{Scheme: scheme, Host: host, Path: "/ws/client", RawQuery: q.Encode()}
	return u.String(), nil
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a socket is currently live.
func (c *Channel) IsConnected() bool { return c.State() == StateConnected }

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.logger.Debug("channel state", "state", state.String())
	if c.cfg.OnState != nil {
		c.cfg.OnState(state)
	}
}

// Start spawns the reconnect supervisor. Calling Start on a running channel
// is a no-op.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(ctx)
}

// Stop cancels the supervisor and heartbeat, closes the active socket and
// waits for all background work to finish. Safe to call from any state.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Unblocks the receive loop.
		conn.Close()
	}
	c.wg.Wait()
	c.setState(StateStopped)
}

// supervise keeps exactly one connection alive until the channel stops.
// Connect failures and drops wait a fixed delay before the next attempt.
func (c *Channel) supervise(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("connect failed", "error", err, "retry_in", c.cfg.ReconnectDelay)
			attempt++
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		conn.SetReadLimit(maxFrameBytes)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		if attempt > 0 {
			c.logger.Info("reconnected", "attempts", attempt)
		}
		attempt = 0

		hbCtx, hbCancel := context.WithCancel(ctx)
		// ReadMessage does not observe ctx; closing the socket is the only
		// way to unblock the receive loop when the channel stops mid-read.
		go func() {
			<-hbCtx.Done()
			conn.Close()
		}()
		c.wg.Add(1)
		go c.heartbeatLoop(hbCtx, conn)

		c.receiveLoop(ctx, conn)

		hbCancel()
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
		attempt++
		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// receiveLoop dispatches inbound frames until the connection drops.
// Heartbeat acks are consumed here and never reach the handler.
func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("connection lost", "error", err)
			}
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Warn("dropping non-JSON frame", "size", len(data))
			continue
		}
		if head.Type == "heartbeat_ack" {
			continue
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(json.RawMessage(data))
		}
	}
}

// heartbeatLoop sends an application-level heartbeat at a fixed interval so
// the server can detect silent client death. Write failures end the loop;
// the receive loop notices the drop and triggers a reconnect.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := map[string]any{
				"type":       "heartbeat",
				"timestamp":  time.Now().Unix(),
				"session_id": c.cfg.SessionID,
			}
			if err := c.write(conn, frame); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// Send marshals and writes a frame on the live socket. When disconnected it
// logs a warning and drops the frame; it never queues and never fails loudly.
func (c *Channel) Send(frame any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn("not connected, dropping outbound frame")
		return
	}
	if err := c.write(conn, frame); err != nil {
		c.logger.Warn("send failed", "error", err)
	}
}

func (c *Channel) write(conn *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

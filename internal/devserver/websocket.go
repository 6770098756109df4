package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected side-channel client.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	server    *Server
	id        string
	sessionID string
	closeOnce sync.Once
}

// handleWebSocket upgrades /ws/client connections. The token rides in the
// query string because browser WebSocket APIs cannot set headers.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	s.mu.Lock()
	valid := s.token != "" && token == s.token
	s.mu.Unlock()
	if !valid {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 64),
		server:    s,
		id:        uuid.NewString(),
		sessionID: c.Query("session_id"),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Info("websocket client connected", "id", client.id, "session_id", client.sessionID)

	go client.readPump()
	go client.writePump()
}

// PushCommand sends a command frame to every connected client and returns
// the generated request id.
func (s *Server) PushCommand(command string, params map[string]any) string {
	requestID := uuid.NewString()
	frame, _ := json.Marshal(map[string]any{
		"type":       "command",
		"command":    command,
		"request_id": requestID,
		"params":     params,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.clients {
		select {
		case client.send <- frame:
		default:
		}
	}
	return requestID
}

// ClientCount returns the number of connected side-channel clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (c *wsClient) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(10 * 1024 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// handleMessage acks heartbeats and records everything else. Result and
// telemetry frames are logged so tests and the devserver command can see
// them.
func (c *wsClient) handleMessage(data []byte) {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.server.logger.Warn("dropping non-JSON websocket frame")
		return
	}

	switch frame.Type {
	case "heartbeat":
		ack, _ := json.Marshal(map[string]any{
			"type":      "heartbeat_ack",
			"timestamp": time.Now().Unix(),
		})
		select {
		case c.send <- ack:
		default:
		}
	case "command_result", "desktop_state", "busy_state":
		c.server.logger.Info("websocket frame received", "type", frame.Type, "id", c.id)
		c.server.recordFrame(frame.Type, data)
	default:
		c.server.logger.Debug("unhandled websocket frame", "type", frame.Type)
	}
}

func (c *wsClient) cleanup() {
	c.closeOnce.Do(func() {
		c.server.mu.Lock()
		delete(c.server.clients, c.id)
		c.server.mu.Unlock()
		close(c.send)
		c.server.logger.Info("websocket client disconnected", "id", c.id)
	})
}

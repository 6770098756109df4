package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type sendRequest struct {
	SessionID       string          `json:"session_id"`
	Message         json.RawMessage `json:"message"`
	EnableStreaming bool            `json:"enable_streaming"`
	Provider        string          `json:"selected_provider"`
	Model           string          `json:"selected_model"`
}

// messageText flattens the message value: a bare string passes through, a
// part list contributes its plain text plus a marker per attachment.
func (s *Server) messageText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts []struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		AttachmentID string `json:"attachment_id"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "plain":
			b.WriteString(p.Text)
		default:
			fmt.Fprintf(&b, "[%s:%s]", p.Type, p.AttachmentID)
		}
	}
	return b.String()
}

func writeSSE(c *gin.Context, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	c.Writer.Flush()
}

// handleSend emulates the streaming chat endpoint. The reply is produced
// by the configured Reply function, optionally split into streamed chunks,
// and always terminated by message_saved and end frames.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail("invalid request"))
		return
	}

	s.mu.Lock()
	sess, found := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusOK, fail("session not found"))
		return
	}

	text := s.messageText(req.Message)
	reply := s.opts.Reply(req.SessionID, text)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	sess.Messages = append(sess.Messages,
		storedMessage{ID: uuid.NewString(), Role: "user", Content: text, CreatedAt: now},
	)
	saved := storedMessage{ID: uuid.NewString(), Role: "assistant", Content: reply, CreatedAt: now}
	sess.Messages = append(sess.Messages, saved)
	s.mu.Unlock()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	if req.EnableStreaming && s.opts.StreamChunks > 1 {
		for _, chunk := range splitChunks(reply, s.opts.StreamChunks) {
			writeSSE(c, gin.H{
				"type":       "plain",
				"data":       chunk,
				"streaming":  true,
				"chain_type": "normal",
			})
		}
	} else {
		writeSSE(c, gin.H{
			"type":       "plain",
			"data":       reply,
			"streaming":  false,
			"chain_type": "normal",
		})
	}

	writeSSE(c, gin.H{
		"type": "message_saved",
		"data": gin.H{"id": saved.ID, "created_at": saved.CreatedAt},
	})
	writeSSE(c, gin.H{"type": "end", "data": ""})
}

func splitChunks(text string, n int) []string {
	runes := []rune(text)
	if n <= 1 || len(runes) <= 1 {
		return []string{text}
	}
	if n > len(runes) {
		n = len(runes)
	}
	size := (len(runes) + n - 1) / n
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

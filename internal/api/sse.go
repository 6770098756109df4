package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// SSE event types emitted by the /chat/send stream.
const (
	EventPlain        = "plain"
	EventImage        = "image"
	EventRecord       = "record"
	EventFile         = "file"
	EventEnd          = "end"
	EventComplete     = "complete"
	EventBreak        = "break"
	EventMessageSaved = "message_saved"
	EventError        = "error"
)

// Chain types carried on plain events.
const (
	ChainNormal    = "normal"
	ChainReasoning = "reasoning"
)

// Streams can carry long base64 payloads in a single frame.
const maxSSELineBytes = 10 * 1024 * 1024

// SSEEvent is one decoded frame of the chat stream. Events are one-shot
// value objects: produced per "data:" line, consumed once by the bridge.
type SSEEvent struct {
	Type      string
	Data      string
	Streaming bool
	ChainType string
	Raw       json.RawMessage
}

// sseFrame mirrors the wire payload of one data: line. The data field is
// kept raw because message_saved frames carry an object there, not a string.
type sseFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Streaming bool            `json:"streaming"`
	ChainType string          `json:"chain_type"`
}

// parseSSELine decodes a single line of the stream. It reports ok=false for
// blank lines, lines without the "data: " prefix and lines whose payload is
// not valid JSON; such lines are skipped without aborting the stream.
func parseSSELine(line string) (SSEEvent, bool) {
	line = strings.TrimPrefix(line, "\ufeff")
	if line == "" || !strings.HasPrefix(line, "data: ") {
		return SSEEvent{}, false
	}

	payload := line[len("data: "):]
	var frame sseFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return SSEEvent{}, false
	}

	ev := SSEEvent{
		Type:      frame.Type,
		Streaming: frame.Streaming,
		ChainType: frame.ChainType,
		Raw:       json.RawMessage(payload),
	}
	if ev.Type == "" {
		ev.Type = EventPlain
	}
	if ev.ChainType == "" {
		ev.ChainType = ChainNormal
	}
	if len(frame.Data) > 0 {
		var s string
		if err := json.Unmarshal(frame.Data, &s); err == nil {
			ev.Data = s
		}
	}
	return ev, true
}

// decodeSSE reads newline-delimited frames from r and sends each decoded
// event to out. It returns after an "end" event without draining the rest
// of the stream, on stream closure, or when ctx is cancelled. Each send
// parks the producer until the consumer has taken the event, so a fast
// stream can never starve the consumer.
func decodeSSE(ctx context.Context, r io.Reader, out chan<- SSEEvent) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		ev, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Type == EventEnd {
			return nil
		}
	}
	return scanner.Err()
}

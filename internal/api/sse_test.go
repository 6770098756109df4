package api

import (
	"context"
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		want SSEEvent
	}{
		{
			name: "blank line skipped",
			line: "",
			ok:   false,
		},
		{
			name: "comment line skipped",
			line: ": keep-alive",
			ok:   false,
		},
		{
			name: "invalid json skipped",
			line: "data: {not json",
			ok:   false,
		},
		{
			name: "plain text",
			line: `data: {"type":"plain","data":"hello","streaming":false,"chain_type":"normal"}`,
			ok:   true,
			want: SSEEvent{Type: EventPlain, Data: "hello", ChainType: ChainNormal},
		},
		{
			name: "streaming chunk",
			line: `data: {"type":"plain","data":"chunk","streaming":true}`,
			ok:   true,
			want: SSEEvent{Type: EventPlain, Data: "chunk", Streaming: true, ChainType: ChainNormal},
		},
		{
			name: "missing type defaults to plain",
			line: `data: {"data":"x"}`,
			ok:   true,
			want: SSEEvent{Type: EventPlain, Data: "x", ChainType: ChainNormal},
		},
		{
			name: "reasoning chain type preserved",
			line: `data: {"type":"plain","data":"thinking","chain_type":"reasoning"}`,
			ok:   true,
			want: SSEEvent{Type: EventPlain, Data: "thinking", ChainType: ChainReasoning},
		},
		{
			name: "object data leaves Data empty",
			line: `data: {"type":"message_saved","data":{"id":"42","created_at":"2025-01-01"}}`,
			ok:   true,
			want: SSEEvent{Type: EventMessageSaved, ChainType: ChainNormal},
		},
		{
			name: "end event",
			line: `data: {"type":"end"}`,
			ok:   true,
			want: SSEEvent{Type: EventEnd, ChainType: ChainNormal},
		},
		{
			name: "BOM prefix tolerated",
			line: "\ufeff" + `data: {"type":"plain","data":"bom"}`,
			ok:   true,
			want: SSEEvent{Type: EventPlain, Data: "bom", ChainType: ChainNormal},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseSSELine(tc.line)
			if ok != tc.ok {
				t.Fatalf("parseSSELine(%q) ok = %v; want %v", tc.line, ok, tc.ok)
			}
			if !ok {
				return
			}
			if got.Type != tc.want.Type || got.Data != tc.want.Data ||
				got.Streaming != tc.want.Streaming || got.ChainType != tc.want.ChainType {
				t.Errorf("parseSSELine(%q) = %+v; want %+v", tc.line, got, tc.want)
			}
			if len(got.Raw) == 0 {
				t.Errorf("parseSSELine(%q) dropped the raw payload", tc.line)
			}
		})
	}
}

func TestDecodeSSEStopsAtEnd(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"plain","data":"a","streaming":true}`,
		``,
		`data: {"type":"plain","data":"b","streaming":true}`,
		`data: {"type":"end"}`,
		`data: {"type":"plain","data":"after end, must not be read"}`,
	}, "\n")

	out := make(chan SSEEvent)
	done := make(chan error, 1)
	go func() {
		done <- decodeSSE(context.Background(), strings.NewReader(stream), out)
	}()

	var types []string
	var data []string
readLoop:
	for {
		select {
		case ev := <-out:
			types = append(types, ev.Type)
			data = append(data, ev.Data)
			if ev.Type == EventEnd {
				break readLoop
			}
		case err := <-done:
			t.Fatalf("decoder returned before end event: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("decodeSSE returned %v", err)
	}

	wantTypes := []string{EventPlain, EventPlain, EventEnd}
	if len(types) != len(wantTypes) {
		t.Fatalf("got %d events %v; want %d", len(types), types, len(wantTypes))
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Errorf("event %d type = %q; want %q", i, types[i], wantTypes[i])
		}
	}
	if data[0] != "a" || data[1] != "b" {
		t.Errorf("chunk data = %v; want [a b]", data[:2])
	}
}

func TestDecodeSSECancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan SSEEvent) // unbuffered and never drained
	err := decodeSSE(ctx, strings.NewReader(`data: {"type":"plain","data":"x"}`+"\n"), out)
	if err != context.Canceled {
		t.Fatalf("decodeSSE with cancelled ctx = %v; want context.Canceled", err)
	}
}

func TestDecodeSSETruncatedStream(t *testing.T) {
	// Stream drops before the end frame: decoder returns nil (EOF) and the
	// caller decides how to surface the missing terminator.
	stream := `data: {"type":"plain","data":"partial"}` + "\n"

	out := make(chan SSEEvent, 4)
	if err := decodeSSE(context.Background(), strings.NewReader(stream), out); err != nil {
		t.Fatalf("decodeSSE = %v; want nil on plain EOF", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d buffered events; want 1", len(out))
	}
}

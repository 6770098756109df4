package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeSender records every pushed frame.
type fakeSender struct {
	frames []map[string]any
}

func (f *fakeSender) Send(frame any) {
	raw, _ := json.Marshal(frame)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	f.frames = append(f.frames, m)
}

func (f *fakeSender) last(t *testing.T) map[string]any {
	t.Helper()
	if len(f.frames) == 0 {
		t.Fatal("no frame was sent")
	}
	return f.frames[len(f.frames)-1]
}

func resultData(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	if frame["type"] != "command_result" {
		t.Fatalf("frame type = %v; want command_result", frame["type"])
	}
	data, ok := frame["data"].(map[string]any)
	if !ok {
		t.Fatalf("frame data is %T; want an object", frame["data"])
	}
	return data
}

func TestHandleFrameIgnoresNonCommands(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	tests := []struct {
		name string
		raw  string
	}{
		{"desktop_state frame", `{"type":"desktop_state","data":{}}`},
		{"heartbeat frame", `{"type":"heartbeat"}`},
		{"invalid json", `{nope`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if h.HandleFrame(json.RawMessage(tc.raw)) {
				t.Errorf("HandleFrame(%s) consumed a non-command frame", tc.raw)
			}
		})
	}
	if len(sender.frames) != 0 {
		t.Errorf("non-command frames produced %d replies", len(sender.frames))
	}
}

func TestBuiltinPing(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	consumed := h.HandleFrame(json.RawMessage(`{"type":"command","command":"ping","request_id":"r1"}`))
	if !consumed {
		t.Fatal("ping frame not consumed")
	}

	data := resultData(t, sender.last(t))
	if data["request_id"] != "r1" {
		t.Errorf("request_id = %v; want r1", data["request_id"])
	}
	if data["pong"] != true || data["success"] != true {
		t.Errorf("ping result = %v; want pong and success true", data)
	}
}

func TestUnknownCommand(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	if !h.HandleFrame(json.RawMessage(`{"type":"command","command":"self_destruct","request_id":"r2"}`)) {
		t.Fatal("unknown command frame not consumed")
	}

	data := resultData(t, sender.last(t))
	if data["success"] != false {
		t.Error("unknown command must report failure")
	}
	if msg, _ := data["error_message"].(string); msg == "" {
		t.Error("unknown command result missing error_message")
	}
}

func TestHandlerErrorBecomesFailureResult(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)
	h.Register("explode", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("kaboom")
	})

	h.HandleFrame(json.RawMessage(`{"type":"command","command":"explode","request_id":"r3"}`))

	data := resultData(t, sender.last(t))
	if data["success"] != false || data["error_message"] != "kaboom" {
		t.Errorf("error result = %v", data)
	}
	if data["request_id"] != "r3" {
		t.Errorf("request_id = %v; want r3", data["request_id"])
	}
}

func TestHandlerReceivesParams(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	var gotParams map[string]any
	h.Register("echo_params", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		gotParams = params
		return map[string]any{"echoed": params["value"]}, nil
	})

	h.HandleFrame(json.RawMessage(`{"type":"command","command":"echo_params","request_id":"r4","params":{"value":"abc"}}`))

	if gotParams["value"] != "abc" {
		t.Errorf("handler params = %v; want value=abc", gotParams)
	}
	data := resultData(t, sender.last(t))
	if data["echoed"] != "abc" || data["success"] != true {
		t.Errorf("result = %v", data)
	}
}

func TestNilResultStillSucceeds(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)
	h.Register("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})

	h.HandleFrame(json.RawMessage(`{"type":"command","command":"noop","request_id":"r5"}`))

	data := resultData(t, sender.last(t))
	if data["success"] != true {
		t.Errorf("nil result = %v; want success true", data)
	}
}

func TestHandlerSuccessOverrideKept(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)
	h.Register("partial", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"success": false, "error_message": "partial failure"}, nil
	})

	h.HandleFrame(json.RawMessage(`{"type":"command","command":"partial","request_id":"r6"}`))

	data := resultData(t, sender.last(t))
	if data["success"] != false {
		t.Error("explicit success=false was overwritten")
	}
}

func TestSetBusy(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	h.SetBusy(true, "indexing", 30)

	frame := sender.last(t)
	if frame["type"] != "busy_state" {
		t.Fatalf("frame type = %v; want busy_state", frame["type"])
	}
	data := frame["data"].(map[string]any)
	if data["is_busy"] != true || data["operation"] != "indexing" {
		t.Errorf("busy data = %v", data)
	}
}

func TestCollectDesktopState(t *testing.T) {
	state := CollectDesktopState("sess-9", time.Now().Add(-90*time.Second))
	if state.OS == "" || state.Arch == "" {
		t.Error("telemetry missing os/arch")
	}
	if state.PID <= 0 {
		t.Errorf("PID = %d", state.PID)
	}
	if state.SessionID != "sess-9" {
		t.Errorf("SessionID = %q", state.SessionID)
	}
	if state.Uptime < 89 {
		t.Errorf("Uptime = %d; want about 90", state.Uptime)
	}
	if state.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
}

func TestSendDesktopState(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil)

	h.SendDesktopState(CollectDesktopState("sess-1", time.Now()))

	frame := sender.last(t)
	if frame["type"] != "desktop_state" {
		t.Fatalf("frame type = %v; want desktop_state", frame["type"])
	}
	data := frame["data"].(map[string]any)
	if data["session_id"] != "sess-1" {
		t.Errorf("telemetry session_id = %v", data["session_id"])
	}
}

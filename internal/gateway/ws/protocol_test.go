package ws

import (
	"encoding/json"
	"testing"
)

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("page.rendered", "ctx-1", "task-7", map[string]string{"path": "/about"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent || f.Event != "page.rendered" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.ContextID != "ctx-1" || f.TaskID != "task-7" {
		t.Fatalf("expected context and task ids, got %+v", f)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["path"] != "/about" {
		t.Fatalf("expected payload.path %q, got %q", "/about", p["path"])
	}
}

func TestNewResponseFrame_OK(t *testing.T) {
	f, err := NewResponseFrame("req-5", true, map[string]string{"status": "done"}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.Type != FrameTypeResponse || f.ID != "req-5" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.OK == nil || !*f.OK {
		t.Fatal("expected ok=true")
	}
	if f.Error != "" {
		t.Fatalf("expected no error, got %q", f.Error)
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "something went wrong")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "something went wrong" {
		t.Fatalf("expected error %q, got %q", "something went wrong", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}

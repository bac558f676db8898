package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter("serve", FileSink(path), time.Minute)
	w.Contexts = func() int { return 4 }
	w.Start()
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() || hb.ID != "serve" || hb.Contexts != 4 {
		t.Errorf("unexpected heartbeat %+v", hb)
	}
	if hb.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestStaleDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	status, hb, err := Check(filepath.Join(t.TempDir(), "heartbeat.json"), 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
	if s := (Heartbeat{}).StatusAt(time.Now(), time.Minute); s != StatusDead {
		t.Errorf("zero heartbeat: got %s", s)
	}
}

func TestStopRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter("serve", FileSink(path), time.Minute)
	w.Start()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}

func TestSinkFuncReceivesBeats(t *testing.T) {
	var mu sync.Mutex
	var beats []Heartbeat
	w := NewWriter("agent-1", SinkFunc(func(hb Heartbeat) error {
		mu.Lock()
		defer mu.Unlock()
		beats = append(beats, hb)
		return nil
	}), 5*time.Millisecond)
	w.Start()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(beats)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 beats, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if beats[0].ID != "agent-1" || beats[0].Interval != "5ms" {
		t.Errorf("unexpected beat %+v", beats[0])
	}
}

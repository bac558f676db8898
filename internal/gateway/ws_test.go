package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/gateway/ws"
)

func dialWS(t *testing.T, ts *testServer, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	httpSrv := httptest.NewServer(ts.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	for ts.hub.Clients() == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn, ctx
}

func request(t *testing.T, ctx context.Context, conn *websocket.Conn, id string, method ws.Method, params any) ws.Frame {
	t.Helper()
	raw, _ := json.Marshal(params)
	data, _ := ws.MarshalFrame(ws.Frame{Type: ws.FrameTypeRequest, ID: id, Method: string(method), Params: raw})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := ws.UnmarshalFrame(msg)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Type == ws.FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func TestWS_SubmitTaskAndCall(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts, "")

	f := request(t, ctx, conn, "r1", ws.MethodSubmitTask, map[string]any{"messageName": "contact"})
	if f.OK == nil || !*f.OK {
		t.Fatalf("expected ok, got %+v", f)
	}
	var res struct {
		Result string `json:"result"`
	}
	json.Unmarshal(f.Payload, &res)
	if res.Result != "rendered contact" {
		t.Errorf("unexpected payload %s", f.Payload)
	}

	f = request(t, ctx, conn, "r2", ws.MethodCallMethod, map[string]any{"method": "text.upper", "args": []any{"x"}})
	json.Unmarshal(f.Payload, &res)
	if res.Result != "X" {
		t.Errorf("unexpected payload %s", f.Payload)
	}

	f = request(t, ctx, conn, "r3", ws.MethodSubmitTask, map[string]any{"messageName": "broken"})
	if f.OK == nil || *f.OK || f.Error != "bad page" {
		t.Errorf("expected handler error, got %+v", f)
	}

	f = request(t, ctx, conn, "r4", "reboot", nil)
	if f.Error != "unknown method: reboot" {
		t.Errorf("expected unknown method, got %+v", f)
	}
}

func TestWS_EventSubscription(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts, "?type=page.rendered")

	ts.bus.Publish(events.NewEvent("page.skipped", events.SourceWorker, nil))
	ts.bus.Publish(events.WorkerEvent("page.rendered", map[string]any{"path": "/"}, "ctx-9", "task-3"))

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := ws.UnmarshalFrame(msg)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != ws.FrameTypeEvent || f.Event != "page.rendered" {
		t.Fatalf("expected only the subscribed event, got %+v", f)
	}
	if f.ContextID != "ctx-9" || f.TaskID != "task-3" {
		t.Errorf("expected ids on the frame, got %+v", f)
	}
}

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Pool is the part of the worker pool reachable from websocket clients.
type Pool interface {
	AddTask(msg protocol.Message) *pool.Task
	CallMethod(path string, args ...any) *pool.Task
	Stats() pool.Stats
}

// TaskTimeout bounds how long a request frame waits for its task.
var TaskTimeout = 5 * time.Minute

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu    sync.RWMutex
	types map[string]bool // event filter, empty = all
}

// Hub manages WebSocket clients and bridges them to the event bus and pool.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	pool        Pool
	unsubscribe func()
	log         *slog.Logger
}

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus, p Pool, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients: make(map[*Client]struct{}),
		pool:    p,
		log:     log,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.ContextID, e.TaskID, e)
		if err != nil {
			h.log.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			h.log.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(string(e.Type), data)
	})

	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(eventType string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(eventType) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.log.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // any origin
	})
	if err != nil {
		h.log.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	if q := r.URL.Query()["type"]; len(q) > 0 {
		client.subscribe(q)
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[eventType]
}

func (c *Client) subscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = make(map[string]bool, len(types))
	for _, t := range types {
		c.types[t] = true
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.hub.log.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				c.hub.log.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.log.Error("ws unmarshal frame", "error", err)
			continue
		}
		if frame.Type != FrameTypeRequest {
			c.hub.log.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(frame)
	}
}

func (c *Client) handleRequest(frame Frame) {
	switch Method(frame.Method) {
	case MethodSubmitTask:
		var msg protocol.Message
		if err := json.Unmarshal(frame.Params, &msg); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		go c.await(frame.ID, c.hub.pool.AddTask(msg))

	case MethodCallMethod:
		var params struct {
			Method string `json:"method"`
			Args   []any  `json:"args"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Method == "" {
			c.sendError(frame.ID, "invalid params")
			return
		}
		go c.await(frame.ID, c.hub.pool.CallMethod(params.Method, params.Args...))

	case MethodStats:
		c.sendOK(frame.ID, c.hub.pool.Stats())

	case MethodSubscribe:
		var params struct {
			Types []string `json:"types"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		c.subscribe(params.Types)
		c.sendOK(frame.ID, map[string]any{"types": params.Types})

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

// await answers a request frame once its task resolves.
func (c *Client) await(id string, task *pool.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), TaskTimeout)
	defer cancel()

	result, err := task.Wait(ctx)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendOK(id, map[string]any{"task_id": task.ID(), "result": result})
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	c.sendFrame(NewResponseFrame(id, true, payload, ""))
}

func (c *Client) sendError(id string, errMsg string) {
	c.sendFrame(NewResponseFrame(id, false, nil, errMsg))
}

func (c *Client) sendFrame(f Frame, err error) {
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}

	// the client may have gone while a task was running
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}

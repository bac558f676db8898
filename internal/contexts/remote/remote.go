// Package remote runs execution contexts on agents reached over NATS.
//
// Subjects, under a common prefix:
//
//	<prefix>.spawn                 request a context, reply carries its id
//	<prefix>.<id>.in               envelopes to the context
//	<prefix>.<id>.out              envelopes from the context
//	<prefix>.<id>.died             death notice, an error record
//	<prefix>.<id>.close            release the context
//	<prefix>.agent.<id>.heartbeat  agent liveness
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "paperpool"

// missedBeats is how many heartbeat intervals may pass before an agent is
// considered lost.
const missedBeats = 3

// ErrAgentLost is the death cause of contexts whose agent stopped beating.
var ErrAgentLost = errors.New("remote: agent heartbeat lost")

func subject(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + strings.Join(parts, ".")
}

type spawnRequest struct {
	WorkerData any `json:"workerData,omitempty"`
}

type spawnReply struct {
	ID        string                `json:"id,omitempty"`
	Agent     string                `json:"agent,omitempty"`
	Heartbeat string                `json:"heartbeat,omitempty"`
	Error     *protocol.RemoteError `json:"error,omitempty"`
}

// Spawner requests contexts from whichever agent answers first.
type Spawner struct {
	Conn    Conn
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s *Spawner) Spawn(ctx context.Context, workerData any) (pool.ExecutionContext, error) {
	body, err := json.Marshal(spawnRequest{WorkerData: workerData})
	if err != nil {
		return nil, fmt.Errorf("encode spawn request: %w", err)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.Conn.RequestMsgWithContext(rctx, &nats.Msg{Subject: subject(s.Prefix, "spawn"), Data: body})
	if err != nil {
		return nil, fmt.Errorf("remote spawn: %w", err)
	}
	var reply spawnReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode spawn reply: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("remote spawn: %w", reply.Error)
	}
	if reply.ID == "" {
		return nil, errors.New("remote spawn: reply without context id")
	}

	var beat time.Duration
	if reply.Heartbeat != "" {
		if beat, err = time.ParseDuration(reply.Heartbeat); err != nil {
			return nil, fmt.Errorf("decode spawn reply: heartbeat: %w", err)
		}
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		conn:   s.Conn,
		prefix: s.Prefix,
		id:     reply.ID,
		agent:  reply.Agent,
		beat:   beat,
		log:    logger.With("remote_id", reply.ID, "agent", reply.Agent),
		stop:   make(chan struct{}),
	}, nil
}

// Context is the controller-side proxy of a context hosted by an agent.
type Context struct {
	conn   Conn
	prefix string
	id     string
	agent  string
	beat   time.Duration
	log    *slog.Logger

	lastBeat atomic.Int64
	dead     atomic.Bool
	stop     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	subs []Subscription
}

// ID returns the agent-assigned context id.
func (c *Context) ID() string { return c.id }

func (c *Context) Start(h pool.Hooks) error {
	// One wildcard subscription keeps out and died in publish order.
	sub, err := c.conn.Subscribe(subject(c.prefix, c.id, "*"), func(m *nats.Msg) {
		switch m.Subject[strings.LastIndexByte(m.Subject, '.')+1:] {
		case "out":
			var msg protocol.Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				c.die(h, fmt.Errorf("decode envelope: %w", err))
				return
			}
			if !c.dead.Load() {
				h.Message(msg)
			}
		case "died":
			re := &protocol.RemoteError{}
			if err := json.Unmarshal(m.Data, re); err != nil {
				re = &protocol.RemoteError{Message: string(m.Data)}
			}
			c.die(h, re)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.id, err)
	}
	c.track(sub)

	if c.beat > 0 && c.agent != "" {
		c.lastBeat.Store(time.Now().UnixNano())
		beatSub, err := c.conn.Subscribe(subject(c.prefix, "agent", c.agent, "heartbeat"), func(*nats.Msg) {
			c.lastBeat.Store(time.Now().UnixNano())
		})
		if err != nil {
			c.unsubscribe()
			return fmt.Errorf("subscribe heartbeat: %w", err)
		}
		c.track(beatSub)
		go c.watch(h)
	}

	h.Ready()
	return nil
}

func (c *Context) watch(h pool.Hooks) {
	ticker := time.NewTicker(c.beat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastBeat.Load())
			if time.Since(last) > missedBeats*c.beat {
				c.die(h, fmt.Errorf("%w: last beat %s ago", ErrAgentLost, time.Since(last).Truncate(time.Millisecond)))
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Context) die(h pool.Hooks, err error) {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}
	c.halt()
	h.Died(err)
}

func (c *Context) Send(msg protocol.Message) error {
	if c.dead.Load() {
		return pool.ErrContextDied
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.conn.PublishMsg(&nats.Msg{Subject: subject(c.prefix, c.id, "in"), Data: data})
}

func (c *Context) Close() error {
	if c.dead.Swap(true) {
		c.halt()
		return nil
	}
	c.halt()
	return c.conn.PublishMsg(&nats.Msg{Subject: subject(c.prefix, c.id, "close")})
}

func (c *Context) halt() {
	c.once.Do(func() {
		close(c.stop)
		go c.unsubscribe()
	})
}

func (c *Context) track(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *Context) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			c.log.Debug("remote: unsubscribe", "error", err)
		}
	}
}

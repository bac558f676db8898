package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	pkgerrors "github.com/pkg/errors"

	"github.com/dohr-michael/paperpool/internal/heartbeat"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

// DefaultHeartbeat is the agent beat period when none is configured.
const DefaultHeartbeat = 5 * time.Second

// errAgentStopped is the death cause of contexts still hosted at shutdown.
var errAgentStopped = errors.New("agent stopped")

// Agent hosts contexts for remote spawners, one worker.Scope per context.
type Agent struct {
	Conn      Conn
	Prefix    string
	Setup     func(*worker.Scope) error
	Heartbeat time.Duration
	Logger    *slog.Logger

	id  string
	log *slog.Logger

	mu     sync.Mutex
	hosted map[string]*hosted
}

type hosted struct {
	id     string
	scope  *worker.Scope
	inbox  chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	subs   []Subscription
}

// ID returns the agent id, assigned by Serve.
func (a *Agent) ID() string { return a.id }

// Hosted returns the number of live contexts.
func (a *Agent) Hosted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hosted)
}

// Serve answers spawn requests until ctx is done, then reports every hosted
// context as dead.
func (a *Agent) Serve(ctx context.Context) error {
	a.id = uuid.NewString()
	a.log = a.Logger
	if a.log == nil {
		a.log = slog.Default()
	}
	a.log = a.log.With("agent", a.id)
	a.mu.Lock()
	a.hosted = make(map[string]*hosted)
	a.mu.Unlock()

	beat := a.Heartbeat
	if beat <= 0 {
		beat = DefaultHeartbeat
	}
	beatSubject := subject(a.Prefix, "agent", a.id, "heartbeat")
	hb := heartbeat.NewWriter(a.id, heartbeat.SinkFunc(func(h heartbeat.Heartbeat) error {
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return a.Conn.PublishMsg(&nats.Msg{Subject: beatSubject, Data: data})
	}), beat)
	hb.Contexts = a.Hosted

	sub, err := a.Conn.Subscribe(subject(a.Prefix, "spawn"), func(m *nats.Msg) {
		a.handleSpawn(m, beat)
	})
	if err != nil {
		return fmt.Errorf("subscribe spawn: %w", err)
	}
	hb.Start()
	a.log.Info("agent serving", "prefix", subject(a.Prefix, "spawn"))

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		a.log.Debug("agent: unsubscribe spawn", "error", err)
	}
	hb.Stop()

	a.mu.Lock()
	ids := make([]string, 0, len(a.hosted))
	for id := range a.hosted {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.drop(id, errAgentStopped)
	}
	return nil
}

func (a *Agent) handleSpawn(m *nats.Msg, beat time.Duration) {
	var req spawnRequest
	reply := spawnReply{Agent: a.id, Heartbeat: beat.String()}
	if err := json.Unmarshal(m.Data, &req); err != nil {
		reply.Error = protocol.ErrorFrom(fmt.Errorf("decode spawn request: %w", err))
	} else if h, err := a.host(req.WorkerData); err != nil {
		reply.Error = protocol.ErrorFrom(err)
	} else {
		reply.ID = h.id
	}

	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		a.log.Error("agent: encode spawn reply", "error", err)
		return
	}
	if err := a.Conn.PublishMsg(&nats.Msg{Subject: m.Reply, Data: data}); err != nil {
		a.log.Warn("agent: spawn reply", "error", err)
	}
}

func (a *Agent) host(workerData any) (*hosted, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	h := &hosted{
		id:     id,
		inbox:  make(chan protocol.Message, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	outSubject := subject(a.Prefix, id, "out")
	h.scope = worker.NewScope(func(msg protocol.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return a.Conn.PublishMsg(&nats.Msg{Subject: outSubject, Data: data})
	})
	h.scope.SetWorkerData(workerData)
	if a.Setup != nil {
		if err := a.Setup(h.scope); err != nil {
			cancel()
			return nil, pkgerrors.Wrap(err, "setup")
		}
	}

	in, err := a.Conn.Subscribe(subject(a.Prefix, id, "in"), func(m *nats.Msg) {
		var msg protocol.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			a.drop(id, fmt.Errorf("decode envelope: %w", err))
			return
		}
		select {
		case h.inbox <- msg:
		case <-h.ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe in: %w", err)
	}
	closeSub, err := a.Conn.Subscribe(subject(a.Prefix, id, "close"), func(*nats.Msg) {
		a.release(id)
	})
	if err != nil {
		_ = in.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("subscribe close: %w", err)
	}
	h.subs = []Subscription{in, closeSub}

	a.mu.Lock()
	a.hosted[id] = h
	a.mu.Unlock()

	go a.run(h)
	a.log.Debug("agent: context hosted", "remote_id", id)
	return h, nil
}

// run dispatches envelopes in order; a listener panic kills the context.
func (a *Agent) run(h *hosted) {
	defer func() {
		if r := recover(); r != nil {
			a.drop(h.id, fmt.Errorf("context panic: %v", r))
		}
	}()
	for {
		select {
		case msg := <-h.inbox:
			h.scope.Dispatch(h.ctx, msg)
		case <-h.ctx.Done():
			return
		}
	}
}

func (a *Agent) detach(id string) *hosted {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hosted[id]
	if !ok {
		return nil
	}
	delete(a.hosted, id)
	return h
}

func (h *hosted) stop() {
	h.cancel()
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
}

// release ends a context at the controller's request.
func (a *Agent) release(id string) {
	if h := a.detach(id); h != nil {
		h.stop()
		a.log.Debug("agent: context released", "remote_id", id)
	}
}

// drop ends a context and notifies the controller.
func (a *Agent) drop(id string, cause error) {
	h := a.detach(id)
	if h == nil {
		return
	}
	h.stop()
	a.log.Warn("agent: context died", "remote_id", id, "error", cause)

	data, err := json.Marshal(protocol.ErrorFrom(cause))
	if err != nil {
		a.log.Error("agent: encode death notice", "error", err)
		return
	}
	if err := a.Conn.PublishMsg(&nats.Msg{Subject: subject(a.Prefix, id, "died"), Data: data}); err != nil {
		a.log.Warn("agent: death notice", "remote_id", id, "error", err)
	}
}

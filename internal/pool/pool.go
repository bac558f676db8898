// Package pool dispatches tasks to a fixed set of isolated execution
// contexts, tracks which context owns which task and replaces contexts that
// die.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/metrics"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Options configures a Pool. Events, OnTaskCompleted and Metrics are
// optional. A zero Restart respawns without limit using the default backoff.
type Options struct {
	Workers         int
	WorkerData      any
	Spawner         Spawner
	Events          EventSink
	OnTaskCompleted func(Completion)
	Restart         RestartPolicy
	Metrics         *metrics.Collector
	Logger          *slog.Logger
}

// binding is the live association between a spawned context and at most one
// in-flight task.
type binding struct {
	id    string
	ec    ExecutionContext
	out   *outbox
	ready bool
	dead  bool
	task  *Task
}

// Pool owns the task queue and the live context set. Every reaction runs to
// completion under mu; observer and event sink callbacks run after it is
// released.
type Pool struct {
	opts    Options
	restart RestartPolicy
	log     *slog.Logger

	mu       sync.Mutex
	queue    []*Task
	live     []*binding // ready order
	bindings map[string]*binding
	closed   bool

	failures  int
	suspended bool

	submitted      uint64
	succeeded      uint64
	failed         uint64
	deaths         uint64
	respawns       uint64
	protocolFaults uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a snapshot of the pool state.
type Stats struct {
	Workers             int    `json:"workers"`
	Live                int    `json:"live"`
	Busy                int    `json:"busy"`
	Starting            int    `json:"starting"`
	Queued              int    `json:"queued"`
	Submitted           uint64 `json:"submitted"`
	Succeeded           uint64 `json:"succeeded"`
	Failed              uint64 `json:"failed"`
	Deaths              uint64 `json:"deaths"`
	Respawns            uint64 `json:"respawns"`
	ProtocolFaults      uint64 `json:"protocol_faults"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Suspended           bool   `json:"suspended"`
	Closed              bool   `json:"closed"`
}

// effects are side effects collected under the lock and run after it.
type effects []func()

func (e *effects) add(fn func()) { *e = append(*e, fn) }

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

// New creates a pool. No context is spawned until Initialize.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:     opts,
		restart:  opts.Restart.withDefaults(),
		log:      opts.Logger,
		bindings: make(map[string]*binding),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize spawns the configured number of contexts. Calling it twice
// over-provisions. Contexts that fail to spawn are retried in the background
// following the restart policy; their errors are returned joined.
func (p *Pool) Initialize(ctx context.Context) error {
	if p.opts.Spawner == nil {
		return ErrSpawnNotImplemented
	}

	var errs []error
	for i := 0; i < p.opts.Workers; i++ {
		if err := p.spawn(ctx); err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return err
			}
			p.log.Error("pool: spawn context", "error", err)
			errs = append(errs, err)
			p.spawnFailed(err)
		}
	}
	return errors.Join(errs...)
}

// AddTask queues msg and returns its completion handle.
func (p *Pool) AddTask(msg protocol.Message) *Task {
	t := newTask(msg)
	p.enqueue(t)
	return t
}

// CallMethod queues a method call on "object.method".
func (p *Pool) CallMethod(path string, args ...any) *Task {
	return p.AddTask(protocol.MethodCall(path, args...))
}

// Iterate starts a remote iteration with data and returns the handle that
// drives it.
func (p *Pool) Iterate(data any) *Iterator {
	t := newTask(protocol.StartIteration(data))
	t.stream = newStream()
	p.enqueue(t)
	return &Iterator{pool: p, task: t}
}

// AwaitCurrentTasks waits for every task currently bound to a context and
// accepted by filter. Queued tasks are not waited for. The first failure is
// returned.
func (p *Pool) AwaitCurrentTasks(ctx context.Context, filter func(protocol.Message) bool) error {
	p.mu.Lock()
	var tasks []*Task
	for _, b := range p.live {
		if b.task == nil {
			continue
		}
		if filter != nil && !filter(b.task.message) {
			continue
		}
		tasks = append(tasks, b.task)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			_, err := t.Wait(gctx)
			return err
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Workers:             p.opts.Workers,
		Live:                len(p.live),
		Starting:            len(p.bindings) - len(p.live),
		Queued:              len(p.queue),
		Submitted:           p.submitted,
		Succeeded:           p.succeeded,
		Failed:              p.failed,
		Deaths:              p.deaths,
		Respawns:            p.respawns,
		ProtocolFaults:      p.protocolFaults,
		ConsecutiveFailures: p.failures,
		Suspended:           p.suspended,
		Closed:              p.closed,
	}
	for _, b := range p.live {
		if b.task != nil {
			s.Busy++
		}
	}
	return s
}

// Close fails queued and in-flight tasks with ErrPoolClosed, closes every
// context and waits for the pool goroutines until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for _, t := range p.queue {
		if t.settle(nil, ErrPoolClosed) {
			p.opts.Metrics.TaskCompleted(metrics.OutcomeClosed, 0)
		}
	}
	p.queue = nil

	var bs []*binding
	for _, b := range p.bindings {
		b.dead = true
		if b.task != nil && b.task.settle(nil, ErrPoolClosed) {
			p.opts.Metrics.TaskCompleted(metrics.OutcomeClosed, time.Since(b.task.assignedAt))
		}
		b.task = nil
		bs = append(bs, b)
	}
	clear(p.bindings)
	p.live = nil
	p.gauges()
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, b := range bs {
		b.out.close()
		if err := b.ec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context %s: %w", b.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	p.log.Info("pool closed", "contexts", len(bs))
	return errors.Join(errs...)
}

func (p *Pool) enqueue(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		t.settle(nil, ErrPoolClosed)
		return
	}
	p.queue = append(p.queue, t)
	p.submitted++
	p.opts.Metrics.TaskSubmitted()
	p.drain()
	p.gauges()
}

// drain lets every idle live context pull one task, in ready order.
func (p *Pool) drain() {
	for _, b := range p.live {
		if len(p.queue) == 0 {
			return
		}
		p.take(b)
	}
}

// take binds the queue head to b if b is idle.
func (p *Pool) take(b *binding) {
	if b.dead || !b.ready || b.task != nil || len(p.queue) == 0 {
		return
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	b.task = t
	t.contextID = b.id
	t.assignedAt = time.Now()

	b.out.push(t.message)
	if t.stream != nil {
		for _, msg := range t.stream.pending {
			b.out.push(msg)
		}
		t.stream.pending = nil
	}
	p.log.Debug("pool: task assigned", "task_id", t.id, "context_id", b.id)
}

// direct forwards an iteration directive to the context bound to t, or holds
// it until t is assigned. Directives for a resolved task are dropped.
func (p *Pool) direct(t *Task, msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.resolved() {
		return
	}
	if b, ok := p.bindings[t.contextID]; ok && b.task == t {
		b.out.push(msg)
		return
	}
	t.stream.pending = append(t.stream.pending, msg)
}

func (p *Pool) spawn(ctx context.Context) error {
	ec, err := p.opts.Spawner.Spawn(ctx, p.opts.WorkerData)
	if err != nil {
		return err
	}
	b := &binding{id: uuid.NewString(), ec: ec, out: newOutbox()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ec.Close()
		return ErrPoolClosed
	}
	p.bindings[b.id] = b
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		b.out.run(ec.Send, func(err error) {
			p.contextDied(b, fmt.Errorf("send: %w", err))
		})
	}()
	p.gauges()
	p.mu.Unlock()

	err = ec.Start(Hooks{
		Ready:   func() { p.contextReady(b) },
		Died:    func(err error) { p.contextDied(b, err) },
		Message: func(msg protocol.Message) { p.contextMessage(b, msg) },
	})
	if err != nil {
		p.mu.Lock()
		if !b.dead {
			b.dead = true
			delete(p.bindings, b.id)
			p.gauges()
		}
		p.mu.Unlock()
		b.out.close()
		_ = ec.Close()
		return fmt.Errorf("start context: %w", err)
	}
	p.log.Debug("pool: context spawned", "context_id", b.id)
	return nil
}

func (p *Pool) contextReady(b *binding) {
	var fx effects

	p.mu.Lock()
	if b.dead || b.ready || p.closed {
		p.mu.Unlock()
		return
	}
	b.ready = true
	p.live = append(p.live, b)
	p.publish(&fx, events.NewTypedEvent(events.SourcePool, events.ContextReadyPayload{
		ContextID: b.id,
		Live:      len(p.live),
	}))
	p.take(b)
	p.gauges()
	p.mu.Unlock()

	fx.run()
}

func (p *Pool) contextMessage(b *binding, msg protocol.Message) {
	var fx effects

	p.mu.Lock()
	p.route(&fx, b, msg)
	p.gauges()
	p.mu.Unlock()

	fx.run()
}

// route applies the completion routing rules to one inbound message.
func (p *Pool) route(fx *effects, b *binding, msg protocol.Message) {
	if b.dead {
		return
	}

	if msg.IsEvent() {
		evt := events.WorkerEvent(msg.Name, msg.Data, b.id, "")
		if b.task != nil {
			evt.TaskID = b.task.id
		}
		p.publish(fx, evt)
		return
	}

	t := b.task
	if t == nil {
		p.log.Warn("pool: message from idle context dropped", "context_id", b.id, "type", msg.Type, "name", msg.Name)
		return
	}

	if !msg.IsResponse() {
		p.complete(fx, b, t, msg, msg, nil)
		return
	}

	switch msg.Name {
	case protocol.NameIteration:
		step, ok := protocol.StepOf(msg.Data)
		if !ok {
			p.protocolFault(b, t, &ProtocolError{ContextID: b.id, Name: msg.Name, Reason: "malformed iteration step"})
			return
		}
		if t.stream == nil {
			p.protocolFault(b, t, &ProtocolError{ContextID: b.id, Name: msg.Name, Reason: "iteration step for a plain task"})
			return
		}
		select {
		case t.stream.steps <- step:
		default:
			p.log.Warn("pool: unsolicited iteration step dropped", "task_id", t.id, "context_id", b.id)
		}
		if !step.Done {
			return
		}
		p.complete(fx, b, t, msg, step, nil)
	case protocol.NameError:
		var err error = &protocol.RemoteError{Message: "remote error"}
		if msg.Error != nil {
			err = msg.Error
		}
		p.complete(fx, b, t, msg, nil, err)
	case protocol.NameSuccess:
		p.complete(fx, b, t, msg, msg.Data, nil)
	default:
		p.protocolFault(b, t, &ProtocolError{ContextID: b.id, Name: msg.Name})
	}
}

// complete resolves the task bound to b and lets b pull the next one.
func (p *Pool) complete(fx *effects, b *binding, t *Task, resp protocol.Message, result any, err error) {
	b.task = nil
	t.settle(result, err)

	d := time.Since(t.assignedAt)
	p.failures = 0
	p.suspended = false
	if err != nil {
		p.failed++
		p.opts.Metrics.TaskCompleted(metrics.OutcomeError, d)
	} else {
		p.succeeded++
		p.opts.Metrics.TaskCompleted(metrics.OutcomeSuccess, d)
	}

	if observer := p.opts.OnTaskCompleted; observer != nil {
		c := Completion{
			TaskID:    t.id,
			ContextID: b.id,
			Message:   t.message,
			Response:  resp,
			Err:       err,
			Duration:  d,
		}
		fx.add(func() { observer(c) })
	}

	p.take(b)
}

// protocolFault fails the reacting task and releases its context.
func (p *Pool) protocolFault(b *binding, t *Task, perr *ProtocolError) {
	p.log.Error("pool: protocol fault", "task_id", t.id, "context_id", b.id, "error", perr)
	b.task = nil
	t.settle(nil, perr)
	p.failed++
	p.protocolFaults++
	p.opts.Metrics.ProtocolFault()
	p.opts.Metrics.TaskCompleted(metrics.OutcomeProtocol, time.Since(t.assignedAt))
	p.take(b)
}

func (p *Pool) contextDied(b *binding, cause error) {
	var fx effects

	p.mu.Lock()
	if b.dead {
		p.mu.Unlock()
		return
	}
	b.dead = true
	delete(p.bindings, b.id)
	p.live = slices.DeleteFunc(p.live, func(x *binding) bool { return x == b })

	p.log.Error("pool: context died, spawning new context", "context_id", b.id, "error", cause)

	payload := events.ContextDiedPayload{ContextID: b.id}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if t := b.task; t != nil {
		b.task = nil
		payload.TaskID = t.id
		t.settle(nil, &ContextDeathError{ContextID: b.id, TaskID: t.id, Cause: cause})
		p.failed++
		p.opts.Metrics.TaskCompleted(metrics.OutcomeDied, time.Since(t.assignedAt))
	}
	p.deaths++
	p.opts.Metrics.ContextDied()
	p.publish(&fx, events.NewTypedEvent(events.SourcePool, payload))

	delay, stop := p.nextRespawn(&fx)
	p.gauges()
	p.mu.Unlock()

	fx.run()
	b.out.close()
	if err := b.ec.Close(); err != nil {
		p.log.Debug("pool: close dead context", "context_id", b.id, "error", err)
	}

	if !stop {
		p.respawn(delay)
	}
}

// spawnFailed counts a spawn error as a failure and schedules a retry.
func (p *Pool) spawnFailed(err error) {
	var fx effects

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	delay, stop := p.nextRespawn(&fx)
	p.mu.Unlock()

	fx.run()
	if !stop {
		p.respawn(delay)
	}
}

// nextRespawn records one more consecutive failure and returns the delay
// before the replacement is spawned. Must be called with mu held.
func (p *Pool) nextRespawn(fx *effects) (time.Duration, bool) {
	if p.closed {
		return 0, true
	}
	p.failures++
	delay, open, stop := p.restart.delay(p.failures)
	if open && !p.suspended {
		p.suspended = true
		p.log.Warn("pool: respawn suspended", "failures", p.failures, "retry_in", delay)
		p.publish(fx, events.NewTypedEvent(events.SourcePool, events.RespawnSuspendedPayload{
			Failures: p.failures,
			RetryIn:  delay,
		}))
	}
	if !stop && delay > 0 {
		p.wg.Add(1)
	}
	return delay, stop
}

// respawn spawns a replacement context, immediately or after delay. A
// positive delay must have been accounted for in wg by nextRespawn.
func (p *Pool) respawn(delay time.Duration) {
	if delay <= 0 {
		p.respawnNow()
		return
	}
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.respawnNow()
		case <-p.ctx.Done():
		}
	}()
}

func (p *Pool) respawnNow() {
	err := p.spawn(p.ctx)
	if err == nil {
		p.mu.Lock()
		p.respawns++
		p.mu.Unlock()
		p.opts.Metrics.Respawned()
		return
	}
	if errors.Is(err, ErrPoolClosed) || p.ctx.Err() != nil {
		return
	}
	p.log.Error("pool: respawn context", "error", err)
	p.spawnFailed(err)
}

func (p *Pool) publish(fx *effects, evt events.Event) {
	sink := p.opts.Events
	if sink == nil {
		return
	}
	m := p.opts.Metrics
	fx.add(func() {
		sink.Publish(evt)
		m.EventPublished(string(evt.Source))
	})
}

// gauges refreshes the occupancy metrics. Must be called with mu held.
func (p *Pool) gauges() {
	if p.opts.Metrics == nil {
		return
	}
	busy := 0
	for _, b := range p.live {
		if b.task != nil {
			busy++
		}
	}
	p.opts.Metrics.SetOccupancy(len(p.queue), len(p.live), busy)
}

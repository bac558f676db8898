// Package wasm runs execution contexts as Extism WebAssembly plugins.
//
// Every message is passed as JSON to the plugin export. The export answers
// with zero, one or an array of envelopes, and may post more through the
// paperpool.post_message host function while it runs.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// DefaultFunc is the export called when Spawner.Func is empty.
const DefaultFunc = "handle"

// ErrMissingExport is returned when the plugin lacks the configured export.
var ErrMissingExport = errors.New("wasm: missing export")

// Spawner instantiates one plugin per context.
type Spawner struct {
	Path         string
	Func         string
	Config       map[string]string
	AllowedHosts []string
	AllowedPaths map[string]string
	MaxPages     uint32
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Manifest builds the Extism manifest. Network and filesystem access are
// denied unless listed.
func (s *Spawner) Manifest() extism.Manifest {
	m := extism.Manifest{
		Wasm:   []extism.Wasm{extism.WasmFile{Path: s.Path}},
		Config: s.Config,
	}
	if len(s.AllowedHosts) > 0 {
		m.AllowedHosts = s.AllowedHosts
	}
	if len(s.AllowedPaths) > 0 {
		m.AllowedPaths = s.AllowedPaths
	}
	if s.MaxPages > 0 {
		m.Memory = &extism.ManifestMemory{MaxPages: s.MaxPages}
	}
	if s.Timeout > 0 {
		m.Timeout = uint64(s.Timeout.Milliseconds())
	}
	return m
}

func (s *Spawner) fn() string {
	if s.Func == "" {
		return DefaultFunc
	}
	return s.Func
}

func (s *Spawner) Spawn(_ context.Context, workerData any) (pool.ExecutionContext, error) {
	if s.Path == "" {
		return nil, errors.New("wasm: path is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		spawner: s,
		data:    workerData,
		log:     logger.With("plugin", s.Path),
		inbox:   make(chan protocol.Message, 16),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Context owns one plugin instance; calls into it are serialized on the
// context goroutine.
type Context struct {
	spawner *Spawner
	data    any
	log     *slog.Logger
	inbox   chan protocol.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (c *Context) Start(h pool.Hooks) error {
	go c.run(h)
	return nil
}

func (c *Context) run(h pool.Hooks) {
	post := func(msg protocol.Message) {
		if c.ctx.Err() == nil {
			h.Message(msg)
		}
	}

	plugin, err := extism.NewPlugin(c.ctx, c.spawner.Manifest(), extism.PluginConfig{EnableWasi: true}, hostFunctions(post, c.log))
	if err != nil {
		h.Died(fmt.Errorf("load plugin: %w", err))
		return
	}
	defer func() {
		if err := plugin.Close(context.Background()); err != nil {
			c.log.Warn("wasm: close plugin", "error", err)
		}
	}()

	fn := c.spawner.fn()
	if !plugin.FunctionExists(fn) {
		h.Died(fmt.Errorf("%w %q", ErrMissingExport, fn))
		return
	}

	if err := c.call(plugin, fn, protocol.WorkerData(c.data), post); err != nil {
		h.Died(err)
		return
	}
	h.Ready()

	for {
		select {
		case msg := <-c.inbox:
			if err := c.call(plugin, fn, msg, post); err != nil {
				if c.ctx.Err() == nil {
					h.Died(err)
				}
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// call hands msg to the plugin and posts the envelopes it returns. Traps and
// malformed output are fatal.
func (c *Context) call(plugin *extism.Plugin, fn string, msg protocol.Message, post func(protocol.Message)) error {
	input, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	code, out, err := plugin.CallWithContext(c.ctx, fn, input)
	if err != nil {
		return fmt.Errorf("call %s: %w", fn, err)
	}
	replies, err := ParseOutput(out)
	if err != nil {
		return fmt.Errorf("call %s (exit %d): %w", fn, code, err)
	}
	for _, r := range replies {
		post(r)
	}
	return nil
}

func (c *Context) Send(msg protocol.Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Context) Close() error {
	c.once.Do(c.cancel)
	return nil
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dohr-michael/paperpool/internal/config"
	"github.com/dohr-michael/paperpool/internal/contexts/inproc"
	"github.com/dohr-michael/paperpool/internal/contexts/process"
	"github.com/dohr-michael/paperpool/internal/contexts/remote"
	"github.com/dohr-michael/paperpool/internal/contexts/script"
	"github.com/dohr-michael/paperpool/internal/contexts/wasm"
	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/metrics"
	"github.com/dohr-michael/paperpool/internal/pool"
)

// newSpawner builds the spawner selected by context.kind. The returned
// cleanup releases connections the spawner holds.
func newSpawner(ctx context.Context, cc config.ContextConfig, log *slog.Logger) (pool.Spawner, func(), error) {
	noop := func() {}
	switch cc.Kind {
	case config.KindInproc:
		return inproc.NewSpawner(builtins), noop, nil

	case config.KindProcess:
		sp := &process.Spawner{
			Command:     cc.Process.Command,
			Dir:         cc.Process.Dir,
			Env:         cc.Process.Env,
			KillTimeout: cc.Process.KillTimeout.Duration(),
			Logger:      log,
		}
		if sp.Command == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve executable: %w", err)
			}
			sp.Args = []string{self, "worker"}
		}
		return sp, noop, nil

	case config.KindScript:
		sp, err := script.Load(cc.Script.Path)
		if err != nil {
			return nil, nil, err
		}
		sp.Logger = log
		return sp, noop, nil

	case config.KindWasm:
		return &wasm.Spawner{
			Path:         cc.Wasm.Path,
			Func:         cc.Wasm.Func,
			Config:       cc.Wasm.Config,
			AllowedHosts: cc.Wasm.AllowedHosts,
			AllowedPaths: cc.Wasm.AllowedPaths,
			MaxPages:     cc.Wasm.MaxPages,
			Timeout:      cc.Wasm.Timeout.Duration(),
			Logger:       log,
		}, noop, nil

	case config.KindRemote:
		client, err := connectNATS(ctx, cc.Remote, log)
		if err != nil {
			return nil, nil, err
		}
		sp := &remote.Spawner{
			Conn:    client,
			Prefix:  cc.Remote.Prefix,
			Timeout: cc.Remote.Timeout.Duration(),
			Logger:  log,
		}
		return sp, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown context kind %q", cc.Kind)
}

func connectNATS(ctx context.Context, rc config.RemoteConfig, log *slog.Logger) (*remote.Client, error) {
	nc := remote.DefaultConfig(rc.URL)
	if rc.Name != "" {
		nc.Name = rc.Name
	}
	nc.Token = rc.Token
	nc.Username = rc.Username
	nc.Password = rc.Password
	return remote.Connect(ctx, nc, log)
}

// poolOptions maps the pool section to pool options.
func poolOptions(cfg *config.Config, sp pool.Spawner, bus *events.Bus, m *metrics.Collector, log *slog.Logger) pool.Options {
	r := cfg.Pool.Restart
	opts := pool.Options{
		Workers:    cfg.Pool.Workers,
		WorkerData: cfg.Pool.WorkerData,
		Spawner:    sp,
		Metrics:    m,
		Logger:     log,
		Restart: pool.RestartPolicy{
			InitialBackoff:         r.InitialBackoff.Duration(),
			MaxBackoff:             r.MaxBackoff.Duration(),
			MaxConsecutiveFailures: r.MaxConsecutiveFailures,
			ResetTimeout:           r.ResetTimeout.Duration(),
		},
	}
	if bus != nil {
		opts.Events = bus
	}
	return opts
}

// startLocalPool runs a pool for one-shot commands. The returned stop closes
// it and its spawner.
func startLocalPool(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pool.Pool, func(), error) {
	sp, cleanup, err := newSpawner(ctx, cfg.Context, log)
	if err != nil {
		return nil, nil, err
	}
	p := pool.New(poolOptions(cfg, sp, nil, nil, log))
	if err := p.Initialize(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("initialize pool: %w", err)
	}
	stop := func() {
		if err := p.Close(context.Background()); err != nil {
			log.Warn("close pool", "error", err)
		}
		cleanup()
	}
	return p, stop, nil
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/paperpool/internal/config"
	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/gateway"
	"github.com/dohr-michael/paperpool/internal/heartbeat"
	"github.com/dohr-michael/paperpool/internal/journal"
	"github.com/dohr-michael/paperpool/internal/metrics"
	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/scheduler"
	"github.com/dohr-michael/paperpool/internal/storage"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the pool with its gateway, scheduler and journal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of execution contexts",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := prepare(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cmd.IsSet("workers") {
		cfg.Pool.Workers = cmd.Int("workers")
	}

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	if cfg.Events.Persist {
		skip := make([]events.EventType, len(cfg.Events.Skip))
		for i, t := range cfg.Events.Skip {
			skip[i] = events.EventType(t)
		}
		eventLog := storage.NewEventLogger(cfg.Events.LogDir, bus, skip...)
		defer eventLog.Close()
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	// Journal
	var (
		jnl      *journal.Journal
		recorder *journal.Recorder
	)
	if !cfg.Journal.Disabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		jnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer jnl.Close()
		recorder = journal.NewRecorder(jnl, 256, log)
		if keep := cfg.Journal.Retention.Duration(); keep > 0 {
			go pruneJournal(ctx, jnl, keep, log)
		}
	}

	// Pool
	sp, cleanup, err := newSpawner(ctx, cfg.Context, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := poolOptions(cfg, sp, bus, collector, log)
	if recorder != nil {
		opts.OnTaskCompleted = recorder.Observe
	}
	p := pool.New(opts)
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}
	log.Info("pool started", "workers", cfg.Pool.Workers, "kind", cfg.Context.Kind)

	// Scheduler
	entries, err := cfg.ScheduleEntries()
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Config{
		Pool:    p,
		Bus:     bus,
		Entries: entries,
		Store:   scheduler.NewScheduleStore(config.SchedulesDir()),
		Logger:  log,
	})
	sched.Start()
	defer sched.Stop()

	// Hot reload on SIGHUP or POST /api/reload
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(next *config.Config) {
		entries, err := next.ScheduleEntries()
		if err == nil {
			err = sched.Replace(scheduler.SourceConfig, entries)
		}
		if err != nil {
			log.Error("reload schedules", "error", err)
		}
	})
	go reloader.Watch(ctx, hangups(ctx))

	// Heartbeat
	hb := heartbeat.NewWriter("serve", heartbeat.FileSink(config.HeartbeatPath()), cfg.Heartbeat.Interval.Duration())
	hb.Contexts = func() int { return p.Stats().Live }
	hb.Start()
	defer hb.Stop()

	// Gateway
	gw := gateway.Options{
		Addr:      cfg.Gateway.Addr(),
		Bus:       bus,
		Pool:      p,
		Scheduler: sched,
		Gatherer:  reg,
		Reload:    reloader.Reload,
		Logger:    log,
	}
	if jnl != nil {
		gw.Journal = jnl
	}
	server := gateway.NewServer(gw)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
	sched.Stop()
	if err := p.AwaitCurrentTasks(shutdownCtx, nil); err != nil {
		log.Warn("awaiting tasks at shutdown", "error", err)
	}
	if err := p.Close(shutdownCtx); err != nil {
		log.Warn("pool close", "error", err)
	}
	if recorder != nil {
		recorder.Close()
	}
	return serveErr
}

// hangups turns SIGHUP into reload triggers.
func hangups(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	out := make(chan struct{})
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-sig:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func pruneJournal(ctx context.Context, j *journal.Journal, keep time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := j.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			log.Warn("journal prune", "error", err)
		} else if n > 0 {
			log.Debug("journal pruned", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

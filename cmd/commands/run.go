package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/paperpool/internal/sitegen"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Submit tasks from JSONL, JSON or YAML files and print the results",
		ArgsUsage: "<file or glob>...",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum tasks in flight (0 = pool size)",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Dot path naming each result",
				Value: "path",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall timeout",
				Value: 10 * time.Minute,
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("usage: paperpool run <file or glob>...")
	}
	cfg, log, err := prepare(cmd)
	if err != nil {
		return err
	}

	files, err := expandPatterns(cmd.Args().Slice())
	if err != nil {
		return err
	}
	msgs, err := loadTasks(files)
	if err != nil {
		return err
	}
	log.Debug("tasks loaded", "files", len(files), "tasks", len(msgs))

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	p, stop, err := startLocalPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stop()

	concurrency := cmd.Int("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Pool.Workers
	}

	var mu sync.Mutex
	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	b := &sitegen.BatchHandler{
		Handler:     sitegen.PoolTaskHandler{Pool: p},
		Concurrency: concurrency,
		KeyPath:     cmd.String("key"),
		OnResult: func(r sitegen.Result) {
			mu.Lock()
			defer mu.Unlock()
			printResult(os.Stdout, r, pretty)
		},
	}
	results, err := b.Build(ctx, msgs)
	if err != nil {
		return err
	}
	if failed := sitegen.Failed(results); len(failed) > 0 {
		return fmt.Errorf("%d of %d tasks failed", len(failed), len(results))
	}
	return nil
}

// printResult writes one JSON line, indented on a terminal.
func printResult(w io.Writer, v any, pretty bool) {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(data))
}

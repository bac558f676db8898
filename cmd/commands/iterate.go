package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// NewIterateCommand returns the iterate subcommand.
func NewIterateCommand() *cli.Command {
	return &cli.Command{
		Name:      "iterate",
		Usage:     "Drain a remote generator and print each value",
		ArgsUsage: "[json data]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Stop after this many values (0 = no limit)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall timeout",
				Value: 5 * time.Minute,
			},
		},
		Action: runIterate,
	}
}

func runIterate(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := prepare(cmd)
	if err != nil {
		return err
	}
	cfg.Pool.Workers = 1

	var data any
	if cmd.Args().Present() {
		data = parseArgs(cmd.Args().Slice()[:1])[0]
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	p, stop, err := startLocalPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stop()

	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	limit := cmd.Int("limit")
	n := 0
	for v, err := range p.Iterate(data).Values(ctx) {
		if err != nil {
			return fmt.Errorf("iteration: %w", err)
		}
		printResult(os.Stdout, v, pretty)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	log.Debug("iteration finished", "values", n)
	return nil
}

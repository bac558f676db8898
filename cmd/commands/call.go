package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// NewCallCommand returns the call subcommand.
func NewCallCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Call one method on a pooled context",
		ArgsUsage: "<obj.method> [json args...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Call timeout",
				Value: 30 * time.Second,
			},
		},
		Action: runCall,
	}
}

func runCall(ctx context.Context, cmd *cli.Command) error {
	method := cmd.Args().First()
	if method == "" {
		return fmt.Errorf("usage: paperpool call <obj.method> [json args...]")
	}
	cfg, log, err := prepare(cmd)
	if err != nil {
		return err
	}
	cfg.Pool.Workers = 1

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	p, stop, err := startLocalPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stop()

	result, err := p.CallMethod(method, parseArgs(cmd.Args().Tail())...).Wait(ctx)
	if err != nil {
		return err
	}
	printResult(os.Stdout, result, term.IsTerminal(int(os.Stdout.Fd())))
	return nil
}

// parseArgs decodes each argument as JSON; anything that is not valid JSON
// is passed as a string.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

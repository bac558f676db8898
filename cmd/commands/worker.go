package commands

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/paperpool/internal/worker"
)

// NewWorkerCommand returns the worker subcommand, the child side of process
// contexts.
func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Serve the worker protocol on stdin/stdout",
		Hidden: true,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// stdout carries frames; logs go to stderr, which the pool relays
			if _, _, err := prepare(cmd); err != nil {
				return err
			}
			return worker.ServeStream(ctx, os.Stdin, os.Stdout, builtins)
		},
	}
}

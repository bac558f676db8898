package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/paperpool/internal/contexts/remote"
)

// NewAgentCommand returns the agent subcommand.
func NewAgentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Host remote execution contexts over NATS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "NATS server URL (overrides context.remote.url)",
			},
		},
		Action: runAgent,
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := prepare(cmd)
	if err != nil {
		return err
	}
	rc := cfg.Context.Remote
	if cmd.IsSet("url") {
		rc.URL = cmd.String("url")
	}
	if rc.URL == "" {
		return fmt.Errorf("agent: a NATS url is required (--url or context.remote.url)")
	}

	client, err := connectNATS(ctx, rc, log)
	if err != nil {
		return err
	}
	defer client.Close()

	a := &remote.Agent{
		Conn:      client,
		Prefix:    rc.Prefix,
		Setup:     builtins,
		Heartbeat: rc.Heartbeat.Duration(),
		Logger:    log,
	}
	log.Info("agent serving", "url", rc.URL, "prefix", rc.Prefix)
	if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

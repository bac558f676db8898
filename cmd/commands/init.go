package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/paperpool/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the paperpool home directory (~/.paperpool)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	created, err := initHome(config.PaperpoolPath())
	if err != nil {
		return err
	}
	for _, p := range created {
		fmt.Printf("  Created %s\n", p)
	}
	if len(created) == 0 {
		fmt.Printf("%s is already initialized. Nothing to do.\n", config.PaperpoolPath())
		return nil
	}
	fmt.Print(initMessage(config.PaperpoolPath()))
	return nil
}

// initHome creates the home layout under root and returns what it created.
// Existing files are left untouched.
func initHome(root string) ([]string, error) {
	var created []string

	dirs := []string{
		root,
		filepath.Join(root, "logs", "events"),
		filepath.Join(root, "schedules"),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return created, fmt.Errorf("create dir %s: %w", d, err)
			}
			created = append(created, d)
		}
	}

	files := []struct {
		path    string
		content string
		perm    os.FileMode
	}{
		{filepath.Join(root, "config.jsonc"), defaultConfig, 0o644},
		{filepath.Join(root, ".env"), defaultDotenv, 0o600},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), f.perm); err != nil {
			return created, fmt.Errorf("write %s: %w", f.path, err)
		}
		created = append(created, f.path)
	}
	return created, nil
}

const defaultConfig = `{
	// paperpool configuration

	"pool": {
		"workers": 4,
		"worker_data": {},
		"restart": {
			"initial_backoff": "100ms",
			"max_backoff": "30s",
			"max_consecutive_failures": 10,
			"reset_timeout": "1m"
		}
	},

	// inproc, process, script, wasm or remote
	"context": {
		"kind": "process"

		// "kind": "remote",
		// "remote": {
		// 	"url": "nats://127.0.0.1:4222",
		// 	"token": "${{ .Env.PAPERPOOL_NATS_TOKEN }}"
		// }
	},

	"gateway": {
		"host": "127.0.0.1",
		"port": 18430
	},

	"events": {
		"buffer_size": 1024,
		"persist": false
	},

	"journal": {
		"retention": "720h"
	},

	"log": {
		"level": "info",
		"format": "text"
	},

	"schedules": [
		// {
		// 	"id": "nightly-rebuild",
		// 	"cron": "0 3 * * *",
		// 	"message": {"messageName": "rebuild"}
		// }
	]
}
`

const defaultDotenv = `# paperpool environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# PAPERPOOL_NATS_TOKEN=...
`

func initMessage(root string) string {
	return fmt.Sprintf(`
  Home set up at %s

  Next steps:
    1. Tweak %s/config.jsonc
    2. Run: paperpool serve
    3. Check: paperpool status
`, root, root)
}

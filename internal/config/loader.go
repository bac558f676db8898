package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC config content.
func Parse(data []byte) (*Config, error) {
	std, err := hujson.Standardize([]byte(expandEnvTemplates(string(data))))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
// Values are JSON-escaped since templates sit inside string literals.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		quoted, _ := json.Marshal(os.Getenv(parts[1]))
		return string(quoted[1 : len(quoted)-1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Pool.Workers <= 0 {
		cfg.Pool.Workers = runtime.NumCPU()
	}
	if cfg.Pool.Restart.InitialBackoff == 0 {
		cfg.Pool.Restart.InitialBackoff = Duration(100 * time.Millisecond)
	}
	if cfg.Pool.Restart.MaxBackoff == 0 {
		cfg.Pool.Restart.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Context.Kind == "" {
		cfg.Context.Kind = KindProcess
	}
	if cfg.Context.Remote.Prefix == "" {
		cfg.Context.Remote.Prefix = "paperpool"
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogDir == "" {
		cfg.Events.LogDir = filepath.Join(PaperpoolPath(), "logs", "events")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(PaperpoolPath(), "journal.db")
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = Duration(30 * time.Second)
	}
	if cfg.Heartbeat.MaxAge == 0 {
		cfg.Heartbeat.MaxAge = Duration(4 * cfg.Heartbeat.Interval.Duration())
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate checks settings that have no sensible default.
func (cfg *Config) Validate() error {
	switch cfg.Context.Kind {
	case KindInproc, KindProcess, KindRemote:
	case KindScript:
		if cfg.Context.Script.Path == "" {
			return fmt.Errorf("config: context.script.path is required")
		}
	case KindWasm:
		if cfg.Context.Wasm.Path == "" {
			return fmt.Errorf("config: context.wasm.path is required")
		}
	default:
		return fmt.Errorf("config: unknown context kind %q", cfg.Context.Kind)
	}
	if cfg.Context.Kind == KindRemote && cfg.Context.Remote.URL == "" {
		return fmt.Errorf("config: context.remote.url is required")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Log.Format)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		if s.ID == "" {
			return fmt.Errorf("config: schedules[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate schedule id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

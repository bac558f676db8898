package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root configuration for paperpool.
type Config struct {
	Pool      PoolConfig       `json:"pool"`
	Context   ContextConfig    `json:"context"`
	Gateway   GatewayConfig    `json:"gateway"`
	Events    EventsConfig     `json:"events"`
	Journal   JournalConfig    `json:"journal"`
	Heartbeat HeartbeatConfig  `json:"heartbeat"`
	Log       LogConfig        `json:"log"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers    int           `json:"workers"`
	WorkerData any           `json:"worker_data,omitempty"`
	Restart    RestartConfig `json:"restart"`
}

// RestartConfig is the respawn policy of dead contexts.
type RestartConfig struct {
	InitialBackoff         Duration `json:"initial_backoff"`
	MaxBackoff             Duration `json:"max_backoff"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty"` // 0 = unlimited
	ResetTimeout           Duration `json:"reset_timeout,omitempty"`
}

// Execution context kinds.
const (
	KindInproc  = "inproc"
	KindProcess = "process"
	KindScript  = "script"
	KindWasm    = "wasm"
	KindRemote  = "remote"
)

// ContextConfig selects how execution contexts are spawned.
type ContextConfig struct {
	Kind    string        `json:"kind"`
	Process ProcessConfig `json:"process"`
	Script  ScriptConfig  `json:"script"`
	Wasm    WasmConfig    `json:"wasm"`
	Remote  RemoteConfig  `json:"remote"`
}

type ProcessConfig struct {
	Command     string   `json:"command"` // shell-quoted; defaults to "<self> worker"
	Dir         string   `json:"dir,omitempty"`
	Env         []string `json:"env,omitempty"`
	KillTimeout Duration `json:"kill_timeout,omitempty"`
}

type ScriptConfig struct {
	Path string `json:"path"`
}

type WasmConfig struct {
	Path         string            `json:"path"`
	Func         string            `json:"func,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	AllowedHosts []string          `json:"allowed_hosts,omitempty"`
	AllowedPaths map[string]string `json:"allowed_paths,omitempty"`
	MaxPages     uint32            `json:"max_pages,omitempty"`
	Timeout      Duration          `json:"timeout,omitempty"`
}

// RemoteConfig reaches agents over NATS.
type RemoteConfig struct {
	URL       string   `json:"url"`
	Prefix    string   `json:"prefix"`
	Name      string   `json:"name,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
	Token     string   `json:"token,omitempty"` // direct value or ${{ .Env.VAR }} template
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	Heartbeat Duration `json:"heartbeat,omitempty"` // agent side
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int      `json:"buffer_size"`
	Persist    bool     `json:"persist,omitempty"`
	LogDir     string   `json:"log_dir,omitempty"`
	Skip       []string `json:"skip,omitempty"` // event types never persisted
}

// JournalConfig configures the completion journal.
type JournalConfig struct {
	Disabled  bool     `json:"disabled,omitempty"`
	Path      string   `json:"path"`
	Retention Duration `json:"retention,omitempty"` // 0 keeps everything
}

type HeartbeatConfig struct {
	Interval Duration `json:"interval"`
	MaxAge   Duration `json:"max_age"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// ScheduleConfig declares one scheduler entry.
type ScheduleConfig struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Cron        string          `json:"cron,omitempty"`
	Interval    Duration        `json:"interval,omitempty"`
	OnEvent     *OnEventConfig  `json:"on_event,omitempty"`
	Message     json.RawMessage `json:"message"`
	Cooldown    Duration        `json:"cooldown,omitempty"`
	MaxRuns     int             `json:"max_runs,omitempty"`
	Disabled    bool            `json:"disabled,omitempty"`
}

type OnEventConfig struct {
	Event  string            `json:"event"`
	Filter map[string]string `json:"filter,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

package config

import (
	"os"
	"path/filepath"
)

// PaperpoolPath returns the root directory for paperpool data.
// It uses $PAPERPOOL_PATH if set, otherwise defaults to ~/.paperpool.
func PaperpoolPath() string {
	if v := os.Getenv("PAPERPOOL_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".paperpool")
	}
	return filepath.Join(home, ".paperpool")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(PaperpoolPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(PaperpoolPath(), ".env")
}

// HeartbeatPath returns the file the serve command beats into.
func HeartbeatPath() string {
	return filepath.Join(PaperpoolPath(), "heartbeat.json")
}

// SchedulesDir holds schedule entries added at runtime.
func SchedulesDir() string {
	return filepath.Join(PaperpoolPath(), "schedules")
}

// Package config loads process configuration two ways: a static Config read
// once from the environment at startup, and mutable operational settings
// persisted in the settings table and read through Store (settings.go).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process-level settings fixed for the lifetime of the process:
// things that can't safely change without a restart.
type Config struct {
	// PostgresDSN is the connection string for the catalog/queue database.
	PostgresDSN string

	// ListenAddr is the address the HTTP API and WebSocket fan-out bind to.
	ListenAddr string

	// LogLevel is the zerolog level name ("debug", "info", "warn", "error").
	LogLevel string

	// DispatcherPollInterval is how often a dispatcher goroutine checks an
	// empty queue for new work before sleeping again.
	DispatcherPollInterval time.Duration

	// MigrationWorkerFloor is read from GALLERY_MIGRATION_WORKER_FLOOR. The
	// migration engine does not use it: it sizes each task's worker pool from
	// the target backend's type.
	MigrationWorkerFloor int
}

var (
	// ErrMissingPostgresDSN is returned when GALLERY_POSTGRES_DSN is unset.
	ErrMissingPostgresDSN = errors.New("GALLERY_POSTGRES_DSN is required")
)

// Load reads Config from environment variables, applying defaults for
// anything optional.
func Load() (Config, error) {
	cfg := Config{
		PostgresDSN:            os.Getenv("GALLERY_POSTGRES_DSN"),
		ListenAddr:              getenvDefault("GALLERY_LISTEN_ADDR", ":8080"),
		LogLevel:                getenvDefault("GALLERY_LOG_LEVEL", "info"),
		DispatcherPollInterval:  5 * time.Second,
		MigrationWorkerFloor:    2,
	}

	if cfg.PostgresDSN == "" {
		return Config{}, ErrMissingPostgresDSN
	}

	if v := os.Getenv("GALLERY_DISPATCHER_POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("GALLERY_DISPATCHER_POLL_INTERVAL_MS: %w", err)
		}
		cfg.DispatcherPollInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("GALLERY_MIGRATION_WORKER_FLOOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("GALLERY_MIGRATION_WORKER_FLOOR: %w", err)
		}
		cfg.MigrationWorkerFloor = n
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

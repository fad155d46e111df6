// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of calculation workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize caps decisions tracked as queued or running.
	DedupeSize int `koanf:"dedupe_size"`

	// StorageDriver is memory, sqlite or postgres.
	StorageDriver string `koanf:"storage_driver"`
	SQLitePath    string `koanf:"sqlite_path"`
	PostgresDSN   string `koanf:"postgres_dsn"`

	// FixturePath optionally seeds the directory from a YAML fixture at startup.
	FixturePath string `koanf:"fixture_path"`

	// SnapshotTimeoutMS bounds the atomic snapshot read.
	SnapshotTimeoutMS int `koanf:"snapshot_timeout_ms"`

	// MaxDelegationDepth cuts delegation chains longer than this many edges.
	MaxDelegationDepth int `koanf:"max_delegation_depth"`

	// ScoreMin and ScoreMax bound raw ballot scores.
	ScoreMin int64 `koanf:"score_min"`
	ScoreMax int64 `koanf:"score_max"`

	// Recovery sweep.
	RetryMax             int `koanf:"retry_max"`
	RetryCooldownMinutes int `koanf:"retry_cooldown_minutes"`
	StuckAfterMinutes    int `koanf:"stuck_after_minutes"`
	SweepIntervalSeconds int `koanf:"sweep_interval_seconds"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU() * 2,
		DedupeSize:           50_000,
		StorageDriver:        DriverMemory,
		SQLitePath:           "liquid.db",
		SnapshotTimeoutMS:    30_000,
		MaxDelegationDepth:   64,
		ScoreMin:             0,
		ScoreMax:             5,
		RetryMax:             3,
		RetryCooldownMinutes: 30,
		StuckAfterMinutes:    120,
		SweepIntervalSeconds: 60,
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ScoreMax <= c.ScoreMin:
		return fmt.Errorf("%w: score_max %d must exceed score_min %d", ErrInvalidConfig, c.ScoreMax, c.ScoreMin)
	case c.SnapshotTimeoutMS <= 0:
		return fmt.Errorf("%w: snapshot_timeout_ms must be positive", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.RetryMax < 0:
		return fmt.Errorf("%w: retry_max must not be negative", ErrInvalidConfig)
	}
	switch c.StorageDriver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: sqlite_path is required for the sqlite driver", ErrInvalidConfig)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownDriver, c.StorageDriver)
	}
	return nil
}

// SnapshotTimeout returns the snapshot read bound.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMS) * time.Millisecond
}

// RetryCooldown returns how long a failed record rests before a retry.
func (c *Config) RetryCooldown() time.Duration {
	return time.Duration(c.RetryCooldownMinutes) * time.Minute
}

// StuckAfter returns how long an in-flight record may go without progress.
func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterMinutes) * time.Minute
}

// SweepInterval returns the recovery sweep period; zero disables the sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

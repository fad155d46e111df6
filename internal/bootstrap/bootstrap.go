// Package bootstrap assembles storage, the calculation engine and the
// background service from a Config. Both binaries wire through it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/adapters/repository/postgres"
	"github.com/okian/liquid/internal/adapters/repository/sqlite"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/config"
	"github.com/okian/liquid/internal/domain/delegation"
	"github.com/okian/liquid/internal/domain/fixed"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/internal/domain/tally"
	"github.com/okian/liquid/internal/fixture"
	"github.com/okian/liquid/pkg/logger"
)

// Backend is the calculation store paired with the collaborator directory.
type Backend struct {
	Store     repository.Store
	Directory repository.Directory

	closers []func() error
}

// Open connects the storage driver named by cfg.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	l := logger.Get().Named("storage")
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return &Backend{Store: repository.NewMemoryStore(), Directory: repository.NewMemoryDirectory()}, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return &Backend{Store: db, Directory: db, closers: []func() error{db.Close}}, nil
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return &Backend{Store: db, Directory: db, closers: []func() error{db.Close}}, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", config.ErrInvalidConfig, config.ErrUnknownDriver, cfg.StorageDriver)
	}
}

// Close releases the underlying connections.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Orchestrator builds an orchestrator whose snapshot bound, delegation
// depth and score scale follow cfg.
func Orchestrator(cfg *config.Config, b *Backend, opts ...service.OrchestratorOption) (*service.Orchestrator, error) {
	scale, err := fixed.NewRange(cfg.ScoreMin, cfg.ScoreMax)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	base := []service.OrchestratorOption{
		service.WithBuilder(snapshot.NewBuilder(b.Directory, snapshot.WithTimeout(cfg.SnapshotTimeout()))),
		service.WithResolver(delegation.NewResolver(
			delegation.WithScoreRange(scale),
			delegation.WithMaxDepth(cfg.MaxDelegationDepth),
		)),
		service.WithEngine(tally.NewEngine(tally.WithScoreRange(scale))),
	}
	return service.NewOrchestrator(b.Store, b.Directory, append(base, opts...)...), nil
}

// SweeperOptions maps the recovery settings of cfg.
func SweeperOptions(cfg *config.Config) []service.SweeperOption {
	return []service.SweeperOption{
		service.WithRetryMax(cfg.RetryMax),
		service.WithCooldown(cfg.RetryCooldown()),
		service.WithStuckAfter(cfg.StuckAfter()),
	}
}

// Service builds the background service around orch.
func Service(cfg *config.Config, orch *service.Orchestrator, b *Backend, opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.QueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
	}
	if interval := cfg.SweepInterval(); interval > 0 {
		base = append(base, service.WithRecovery(interval, SweeperOptions(cfg)...))
	}
	return service.New(orch, b.Directory, append(base, opts...)...)
}

// Seed loads cfg.FixturePath into the backend directory. It is a no-op
// when no fixture is configured.
func Seed(ctx context.Context, cfg *config.Config, b *Backend) error {
	if cfg.FixturePath == "" {
		return nil
	}
	f, err := fixture.Load(cfg.FixturePath)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, b.Directory); err != nil {
		return fmt.Errorf("seed %s: %w", cfg.FixturePath, err)
	}
	logger.Get().Named("storage").Info(ctx, "directory seeded from fixture",
		logger.String("path", cfg.FixturePath),
		logger.Int("members", len(f.Members)),
		logger.Int("decisions", len(f.Decisions)))
	return nil
}

// Package postgres is the PostgreSQL backend, built on gorm with the pgx
// driver. It implements both the calculation store and the collaborator
// directory; the per-decision invariants live in partial unique indexes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/pkg/logger"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	pingTimeout = 5 * time.Second

	codeUniqueViolation = "23505"
	recordsPrimaryKey   = "calculation_records_pkey"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS calculation_records (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		decision_id   TEXT NOT NULL,
		community_id  TEXT NOT NULL,
		status        TEXT NOT NULL,
		errors_json   JSONB NOT NULL DEFAULT '[]',
		retries       INTEGER NOT NULL DEFAULT 0,
		final         BOOLEAN NOT NULL DEFAULT FALSE,
		snapshot_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_decision ON calculation_records (decision_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_in_flight ON calculation_records (decision_id)
		WHERE status IN ('creating', 'ready', 'staging', 'tallying')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_final ON calculation_records (decision_id) WHERE final`,
	`CREATE TABLE IF NOT EXISTS effective_ballots (
		record_id TEXT PRIMARY KEY REFERENCES calculation_records (id),
		body      JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tally_results (
		record_id TEXT PRIMARY KEY REFERENCES calculation_records (id),
		body      JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		community_id TEXT NOT NULL,
		member_id    TEXT NOT NULL,
		voting       BOOLEAN NOT NULL,
		PRIMARY KEY (community_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		community_id TEXT NOT NULL,
		follower     TEXT NOT NULL,
		followee     TEXT NOT NULL,
		tags_json    JSONB NOT NULL,
		priority     INTEGER NOT NULL,
		PRIMARY KEY (community_id, follower, followee)
	)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id           TEXT PRIMARY KEY,
		community_id TEXT NOT NULL,
		choices_json JSONB NOT NULL,
		tags_json    JSONB NOT NULL,
		status       TEXT NOT NULL,
		closes_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_community ON decisions (community_id)`,
	`CREATE TABLE IF NOT EXISTS raw_ballots (
		decision_id TEXT NOT NULL,
		voter_id    TEXT NOT NULL,
		scores_json JSONB NOT NULL,
		cast_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (decision_id, voter_id)
	)`,
}

// DB implements repository.Store and repository.Directory over PostgreSQL.
type DB struct {
	db     *gorm.DB
	now    func() time.Time
	logger logger.Logger
}

var (
	_ repository.Store     = (*DB)(nil)
	_ repository.Directory = (*DB)(nil)
)

// Connect opens a pool for dsn, pings it and runs migrations.
func Connect(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	gdb, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := New(gdb, opts...)
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing gorm handle without touching the schema.
func New(gdb *gorm.DB, opts ...Option) *DB {
	d := &DB{
		db:     gdb,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Get().Named("postgres"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Migrate creates the tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, stmt := range migrations {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("migration %d: %w", i, err)
			}
		}
		return nil
	})
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// conflictKind maps a unique violation on calculation_records to the
// storage sentinel it stands for.
func conflictKind(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == recordsPrimaryKey {
		return repository.ErrDuplicateID
	}
	return repository.ErrInFlight
}

// logError logs a storage failure and returns it wrapped with op.
func (d *DB) logError(ctx context.Context, op string, err error, fields ...logger.Field) error {
	d.logger.Error(ctx, "postgres "+op+" failed", append(fields, logger.Error(err))...)
	return fmt.Errorf("%s: %w", op, err)
}

// Package sqlite is the embedded durable backend: one SQLite file holds both
// the calculation store and the collaborator directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/pkg/logger"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS calculation_records (
	id            TEXT PRIMARY KEY,
	decision_id   TEXT NOT NULL,
	community_id  TEXT NOT NULL,
	status        TEXT NOT NULL,
	errors_json   TEXT NOT NULL DEFAULT '[]',
	retries       INTEGER NOT NULL DEFAULT 0,
	final         INTEGER NOT NULL DEFAULT 0,
	snapshot_at   INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	completed_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_decision ON calculation_records(decision_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_in_flight ON calculation_records(decision_id)
	WHERE status IN ('creating', 'ready', 'staging', 'tallying');

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_final ON calculation_records(decision_id)
	WHERE final = 1;

CREATE TABLE IF NOT EXISTS effective_ballots (
	record_id     TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	FOREIGN KEY (record_id) REFERENCES calculation_records(id)
);

CREATE TABLE IF NOT EXISTS tally_results (
	record_id     TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	FOREIGN KEY (record_id) REFERENCES calculation_records(id)
);

CREATE TABLE IF NOT EXISTS members (
	community_id  TEXT NOT NULL,
	member_id     TEXT NOT NULL,
	voting        INTEGER NOT NULL,
	PRIMARY KEY (community_id, member_id)
);

CREATE TABLE IF NOT EXISTS follows (
	community_id  TEXT NOT NULL,
	follower      TEXT NOT NULL,
	followee      TEXT NOT NULL,
	tags_json     TEXT NOT NULL,
	priority      INTEGER NOT NULL,
	PRIMARY KEY (community_id, follower, followee)
);

CREATE TABLE IF NOT EXISTS decisions (
	id            TEXT PRIMARY KEY,
	community_id  TEXT NOT NULL,
	choices_json  TEXT NOT NULL,
	tags_json     TEXT NOT NULL,
	status        TEXT NOT NULL,
	closes_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_decisions_community ON decisions(community_id);

CREATE TABLE IF NOT EXISTS raw_ballots (
	decision_id   TEXT NOT NULL,
	voter_id      TEXT NOT NULL,
	scores_json   TEXT NOT NULL,
	cast_at       INTEGER NOT NULL,
	PRIMARY KEY (decision_id, voter_id)
);
`

// DefaultBusyTimeout bounds how long a statement waits on another
// process's write lock before failing.
const DefaultBusyTimeout = 5 * time.Second

// DB implements repository.Store and repository.Directory over one SQLite file.
type DB struct {
	db          *sql.DB
	busyTimeout time.Duration
	now         func() time.Time
	logger      logger.Logger
}

var (
	_ repository.Store     = (*DB)(nil)
	_ repository.Directory = (*DB)(nil)
)

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{
		busyTimeout: DefaultBusyTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.Get().Named("sqlite"),
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps the pragmas in force and serialises writers
	// within this process; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", d.busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d.db = db
	d.logger.Debug(context.Background(), "sqlite opened", logger.String("path", path))
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

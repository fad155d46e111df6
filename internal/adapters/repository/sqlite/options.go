package sqlite

import (
	"time"

	"github.com/okian/liquid/pkg/logger"
)

// Option applies a configuration option to the DB.
type Option func(*DB)

// WithBusyTimeout sets how long statements wait for a competing write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.busyTimeout = d
		}
	}
}

// WithClock sets the time source used for captures, ballots and retries.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

package postgres

import (
	"time"

	"github.com/okian/liquid/pkg/logger"
)

// Option applies a configuration option to the DB.
type Option func(*DB)

// WithClock sets the time source used for captures, ballots and retries.
func WithClock(now func() time.Time) Option {
	return func(d *DB) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.logger = l
		}
	}
}

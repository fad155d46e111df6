package snapshot

import (
	"time"

	"github.com/okian/liquid/pkg/logger"
)

// Option configures a Builder.
type Option func(*Builder)

// WithTimeout bounds the atomic read. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger used for validation warnings.
func WithLogger(l logger.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp snapshots without a read time.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

package tally

import (
	"github.com/okian/liquid/internal/domain/fixed"
	"github.com/okian/liquid/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithScoreRange sets the scale whose ends step 3 of the ladder counts.
func WithScoreRange(r fixed.Range) Option {
	return func(e *Engine) {
		e.scores = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

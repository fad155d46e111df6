package delegation

import (
	"github.com/okian/liquid/internal/domain/fixed"
	"github.com/okian/liquid/pkg/logger"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithScoreRange sets the closed interval raw scores must fall in.
func WithScoreRange(r fixed.Range) Option {
	return func(res *Resolver) {
		res.scores = r
	}
}

// WithMaxDepth bounds delegation chain length. Chains longer than depth edges
// are cut and the cut is audited. Non-positive values keep the default.
func WithMaxDepth(depth int) Option {
	return func(res *Resolver) {
		if depth > 0 {
			res.maxDepth = depth
		}
	}
}

// WithStepLimit bounds the edges one member's resolution may expand.
func WithStepLimit(steps int) Option {
	return func(res *Resolver) {
		if steps > 0 {
			res.stepLimit = steps
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l logger.Logger) Option {
	return func(res *Resolver) {
		if l != nil {
			res.logger = l
		}
	}
}

package service

import (
	"time"

	"github.com/okian/liquid/internal/domain/delegation"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/internal/domain/tally"
	"github.com/okian/liquid/pkg/logger"
)

// OrchestratorOption applies a configuration option to the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBuilder sets the snapshot builder.
func WithBuilder(b *snapshot.Builder) OrchestratorOption {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

// WithResolver sets the delegation resolver.
func WithResolver(r *delegation.Resolver) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithEngine sets the tally engine.
func WithEngine(e *tally.Engine) OrchestratorOption {
	return func(o *Orchestrator) {
		if e != nil {
			o.engine = e
		}
	}
}

// WithTieNotifier sets the receiver of unresolved ties.
func WithTieNotifier(n TieNotifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if n != nil {
			o.ties = n
		}
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator sets the record id generator.
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithOrchestratorLogger sets a custom logger for the orchestrator.
func WithOrchestratorLogger(l logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// SweeperOption applies a configuration option to the Sweeper.
type SweeperOption func(*Sweeper)

// WithRetryMax sets how many failures a record may accumulate and still be retried.
func WithRetryMax(n int) SweeperOption {
	return func(s *Sweeper) {
		if n >= 0 {
			s.retryMax = n
		}
	}
}

// WithCooldown sets how long a failed record rests before a retry.
func WithCooldown(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// WithStuckAfter sets how long an in-flight record may go without progress
// before it is marked corrupted.
func WithStuckAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// WithSweepClock sets the sweeper's time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweeperLogger sets a custom logger for the sweeper.
func WithSweeperLogger(l logger.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the job queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize caps the number of decisions tracked as queued or running.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithRecovery runs a recovery sweep every interval while the service is
// started. Retries found by the sweep are queued through the service.
func WithRecovery(interval time.Duration, opts ...SweeperOption) Option {
	return func(s *Service) {
		if interval > 0 {
			s.sweepInterval = interval
			s.sweepOpts = opts
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

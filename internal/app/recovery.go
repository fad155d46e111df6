package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
)

// Recovery defaults.
const (
	DefaultRetryMax   = 3
	DefaultCooldown   = 30 * time.Minute
	DefaultStuckAfter = 2 * time.Hour

	kindRetryExhausted = "retry-exhausted"
)

// Retrier re-attempts a failed record.
type Retrier interface {
	Retry(ctx context.Context, rec model.CalculationRecord) error
}

// RetrierFunc adapts a function to Retrier.
type RetrierFunc func(ctx context.Context, rec model.CalculationRecord) error

// Retry calls f.
func (f RetrierFunc) Retry(ctx context.Context, rec model.CalculationRecord) error { return f(ctx, rec) }

// InlineRetrier resumes records synchronously on the orchestrator.
func InlineRetrier(o *Orchestrator) Retrier {
	return RetrierFunc(func(ctx context.Context, rec model.CalculationRecord) error {
		_, err := o.Resume(ctx, rec.ID)
		return err
	})
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Retried    []string `json:"retried"`
	GaveUp     []string `json:"gave_up"`
	Corrupted  []string `json:"corrupted"`
	Waiting    int      `json:"waiting"`    // still cooling down
	Superseded int      `json:"superseded"` // a newer record exists for the decision
	Errors     []string `json:"errors,omitempty"`
}

// Sweeper retries failed records under a ceiling and cooldown, and marks
// records stuck in flight as corrupted.
type Sweeper struct {
	store      repository.Store
	retrier    Retrier
	retryMax   int
	cooldown   time.Duration
	stuckAfter time.Duration
	now        func() time.Time
	logger     logger.Logger
}

// NewSweeper creates a sweeper over store handing retries to retrier.
func NewSweeper(store repository.Store, retrier Retrier, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:      store,
		retrier:    retrier,
		retryMax:   DefaultRetryMax,
		cooldown:   DefaultCooldown,
		stuckAfter: DefaultStuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Get().Named("recovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep makes one pass over the store. Per-record problems are collected in
// the report; only a failed listing returns an error.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	metrics.RecordRecoverySweep()
	var rep SweepReport
	now := s.now()

	stuck, err := s.store.ListRecords(ctx, model.InFlightStatuses...)
	if err != nil {
		return rep, fmt.Errorf("list in-flight records: %w", err)
	}
	for _, rec := range stuck {
		if now.Sub(rec.UpdatedAt) <= s.stuckAfter {
			continue
		}
		if err := s.corrupt(ctx, rec, now); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		rep.Corrupted = append(rep.Corrupted, rec.ID)
	}

	failed, err := s.store.ListRecords(ctx, model.FailedStatuses...)
	if err != nil {
		return rep, fmt.Errorf("list failed records: %w", err)
	}
	for _, rec := range failed {
		latest, err := s.store.LatestRecord(ctx, rec.DecisionID)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		if latest.ID != rec.ID {
			rep.Superseded++
			continue
		}
		if rec.Retries > s.retryMax {
			if s.giveUp(ctx, rec, now) {
				rep.GaveUp = append(rep.GaveUp, rec.ID)
			}
			continue
		}
		if now.Sub(rec.UpdatedAt) < s.cooldown {
			rep.Waiting++
			continue
		}
		if err := s.retrier.Retry(ctx, rec); err != nil && !isPhaseFailure(err) {
			rep.Errors = append(rep.Errors, fmt.Sprintf("retry %s: %v", rec.ID, err))
			continue
		}
		rep.Retried = append(rep.Retried, rec.ID)
	}

	if len(rep.Retried)+len(rep.GaveUp)+len(rep.Corrupted) > 0 {
		s.logger.Info(ctx, "recovery sweep",
			logger.Int("retried", len(rep.Retried)),
			logger.Int("gaveUp", len(rep.GaveUp)),
			logger.Int("corrupted", len(rep.Corrupted)),
			logger.Int("waiting", rep.Waiting))
	}
	return rep, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, "recovery sweep failed", logger.Error(err))
			}
		}
	}
}

func (s *Sweeper) corrupt(ctx context.Context, rec model.CalculationRecord, now time.Time) error {
	stale := now.Sub(rec.UpdatedAt).Round(time.Second)
	phase := rec.Status
	rec.Status = model.StatusCorrupted
	rec.UpdatedAt = now
	rec.Errors = append(rec.Errors, model.ErrorEntry{
		Status:  phase,
		Kind:    model.ErrSnapshotCorruption.Error(),
		Message: fmt.Sprintf("no progress in %s for %s", phase, stale),
		At:      now,
	})
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("mark %s corrupted: %w", rec.ID, err)
	}
	metrics.RecordRecoveryCorrupted()
	s.logger.Warn(ctx, "calculation marked corrupted",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.String("status", string(phase)),
		logger.Duration("stale", stale))
	return nil
}

// giveUp notes exhaustion once on the record; later sweeps skip it quietly.
func (s *Sweeper) giveUp(ctx context.Context, rec model.CalculationRecord, now time.Time) bool {
	if n := len(rec.Errors); n > 0 && rec.Errors[n-1].Kind == kindRetryExhausted {
		return false
	}
	rec.Errors = append(rec.Errors, model.ErrorEntry{
		Status:  rec.Status,
		Kind:    kindRetryExhausted,
		Message: fmt.Sprintf("%d failures exceed the retry ceiling of %d", rec.Retries, s.retryMax),
		At:      now,
	})
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		s.logger.Error(ctx, "failed to record retry exhaustion",
			logger.String("recordID", rec.ID), logger.Error(err))
		return false
	}
	metrics.RecordRecoveryGiveUp()
	s.logger.Warn(ctx, "calculation retries exhausted",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.Int("retries", rec.Retries))
	return true
}

// isPhaseFailure reports whether err is a retry that ran and failed again;
// that outcome is already persisted on the record.
func isPhaseFailure(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe)
}

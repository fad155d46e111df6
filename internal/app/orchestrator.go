package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/delegation"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/internal/domain/tally"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
)

// Request names the decision to calculate. CommunityID may be left empty;
// it is then taken from the decision's metadata.
type Request struct {
	CommunityID model.CommunityID
	DecisionID  model.DecisionID
}

// Outcome is what one completed run produced.
type Outcome struct {
	Record     model.CalculationRecord
	Warnings   []string
	Resolution *delegation.Resolution
	Result     *model.TallyResult
}

// Orchestrator drives one calculation through
// creating -> ready -> staging -> tallying -> completed, persisting the
// record at every transition.
type Orchestrator struct {
	store    repository.Store
	source   snapshot.Source
	builder  *snapshot.Builder
	resolver *delegation.Resolver
	engine   *tally.Engine
	ties     TieNotifier
	now      func() time.Time
	newID    func() string
	logger   logger.Logger
}

// NewOrchestrator creates an orchestrator persisting to store and reading
// community state from src.
func NewOrchestrator(store repository.Store, src snapshot.Source, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		source: src,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger.Get().Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.builder == nil {
		o.builder = snapshot.NewBuilder(src, snapshot.WithClock(o.now))
	}
	if o.resolver == nil {
		o.resolver = delegation.NewResolver()
	}
	if o.engine == nil {
		o.engine = tally.NewEngine()
	}
	if o.ties == nil {
		o.ties = LogTieNotifier(o.logger)
	}
	return o
}

// Run starts a fresh calculation. It returns repository.ErrInFlight when
// the decision already has a run in flight and model.ErrDecisionClosed for
// a closed decision; neither creates a record. Phase failures are persisted
// and returned as *PhaseError. An unresolved tie completes the run and is
// reported through the TieNotifier, not as an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.DecisionID == "" {
		return nil, fmt.Errorf("%w: empty decision id", ErrInvalidChange)
	}
	// A lookup failure here is left to the snapshot phase, which records it.
	if dec, err := o.source.Decision(ctx, req.DecisionID); err == nil {
		if !dec.IsOpen(o.now()) {
			return nil, fmt.Errorf("%w: %s", model.ErrDecisionClosed, req.DecisionID)
		}
		if req.CommunityID == "" {
			req.CommunityID = dec.CommunityID
		}
	}

	now := o.now()
	rec := model.CalculationRecord{
		ID:          o.newID(),
		DecisionID:  req.DecisionID,
		CommunityID: req.CommunityID,
		Status:      model.StatusCreating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("start calculation for %s: %w", req.DecisionID, err)
	}
	metrics.RecordCalculationStarted()
	o.logger.Info(ctx, "calculation started",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)))
	return o.execute(ctx, rec)
}

// Resume re-runs a failed record from the snapshot phase. The record keeps
// its id, error log and retry count.
func (o *Orchestrator) Resume(ctx context.Context, recordID string) (*Outcome, error) {
	rec, err := o.store.ReacquireRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("resume record %s: %w", recordID, err)
	}
	metrics.RecordRecoveryRetry()
	o.logger.Info(ctx, "calculation retried",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.Int("retries", rec.Retries))
	return o.execute(ctx, rec)
}

// Evaluate resolves and tallies a decision against an existing snapshot
// without touching the store. Equal snapshots yield equal outcomes.
func (o *Orchestrator) Evaluate(ctx context.Context, snap *snapshot.Snapshot, decision model.DecisionID) (*delegation.Resolution, *model.TallyResult, error) {
	res, err := o.resolver.Resolve(ctx, snap, decision)
	if err != nil {
		return nil, nil, err
	}
	result, err := o.tally(ctx, snap, res)
	if err != nil && !errors.Is(err, model.ErrUnresolvedTie) {
		return res, nil, err
	}
	return res, result, err
}

func (o *Orchestrator) tally(ctx context.Context, snap *snapshot.Snapshot, res *delegation.Resolution) (*model.TallyResult, error) {
	dec, ok := snap.Decision(res.DecisionID)
	if !ok {
		return nil, fmt.Errorf("%w: decision %s not in snapshot", model.ErrTallying, res.DecisionID)
	}
	return o.engine.Tally(ctx, dec, res.Voting())
}

// execute runs the phases. The run is detached from ctx cancellation: once
// started it always reaches a terminal status.
func (o *Orchestrator) execute(parent context.Context, rec model.CalculationRecord) (*Outcome, error) {
	ctx := context.WithoutCancel(parent)
	out := &Outcome{}

	var snap *snapshot.Snapshot
	err := o.phase(ctx, &rec, "snapshot", model.ErrSnapshotCreation, func() error {
		var err error
		snap, err = o.builder.Build(ctx, rec.CommunityID, rec.DecisionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	taken := snap.TakenAt()
	rec.SnapshotAt = &taken
	out.Warnings = snap.Warnings()
	if err := o.advance(ctx, &rec, model.StatusReady, model.ErrSnapshotCreation); err != nil {
		return nil, err
	}

	if err := o.advance(ctx, &rec, model.StatusStaging, model.ErrStaging); err != nil {
		return nil, err
	}
	err = o.phase(ctx, &rec, "staging", model.ErrStaging, func() error {
		res, err := o.resolver.Resolve(ctx, snap, rec.DecisionID)
		if err != nil {
			return err
		}
		out.Resolution = res
		for _, f := range res.Failures {
			rec.Errors = append(rec.Errors, model.ErrorEntry{
				Status:  model.StatusStaging,
				Kind:    "member-failure",
				Message: f.Error(),
				Stack:   f.Stack,
				At:      o.now(),
			})
		}
		return o.store.SaveBallots(ctx, rec.ID, res.Ballots)
	})
	if err != nil {
		return nil, err
	}

	if err := o.advance(ctx, &rec, model.StatusTallying, model.ErrTallying); err != nil {
		return nil, err
	}
	var tieErr *tally.UnresolvedTieError
	err = o.phase(ctx, &rec, "tallying", model.ErrTallying, func() error {
		result, err := o.tally(ctx, snap, out.Resolution)
		if err != nil && !errors.As(err, &tieErr) {
			return err
		}
		out.Result = result
		return o.store.SaveResult(ctx, rec.ID, *result)
	})
	if err != nil {
		return nil, err
	}

	done := o.now()
	rec.Status = model.StatusCompleted
	rec.UpdatedAt = done
	rec.CompletedAt = &done
	err = o.phase(ctx, &rec, "complete", model.ErrTallying, func() error {
		return o.store.CompleteRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	rec.Final = true
	out.Record = rec
	metrics.RecordCalculationCompleted()

	if tieErr != nil {
		metrics.RecordUnresolvedTie()
		ev := TieEvent{
			RecordID:    rec.ID,
			DecisionID:  rec.DecisionID,
			CommunityID: rec.CommunityID,
			Choices:     tieErr.Choices,
			Audit:       tieErr.Audit,
		}
		if err := o.ties.NotifyTie(ctx, ev); err != nil {
			o.logger.Error(ctx, "tie notification failed",
				logger.String("recordID", rec.ID), logger.Error(err))
		}
	}
	o.logger.Info(ctx, "calculation completed",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.String("winner", string(out.Result.Winner)),
		logger.Bool("tied", out.Result.Unresolved()))
	return out, nil
}

// phase runs fn, timing it and converting an error or panic into a
// persisted failure of the current status.
func (o *Orchestrator) phase(ctx context.Context, rec *model.CalculationRecord, name string, kind error, fn func() error) error {
	start := time.Now()
	stack, err := safely(fn)
	metrics.RecordPhaseDuration(name, time.Since(start))
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrStatusConflict) {
		return o.abandon(ctx, rec, err)
	}
	if stack == "" {
		stack = string(debug.Stack())
	}
	return o.fail(ctx, rec, kind, err, stack)
}

// advance persists a forward transition.
func (o *Orchestrator) advance(ctx context.Context, rec *model.CalculationRecord, next model.Status, kind error) error {
	if !rec.Status.CanAdvanceTo(next) {
		err := fmt.Errorf("illegal transition %s -> %s", rec.Status, next)
		return o.fail(ctx, rec, model.ErrSnapshotCorruption, err, string(debug.Stack()))
	}
	prev := rec.Status
	rec.Status = next
	rec.UpdatedAt = o.now()
	if err := o.store.UpdateRecord(ctx, *rec); err != nil {
		rec.Status = prev
		if errors.Is(err, repository.ErrStatusConflict) {
			return o.abandon(ctx, rec, err)
		}
		return o.fail(ctx, rec, kind, fmt.Errorf("persist %s: %w", next, err), string(debug.Stack()))
	}
	o.logger.Debug(ctx, "calculation advanced",
		logger.String("recordID", rec.ID),
		logger.String("status", string(next)))
	return nil
}

// fail moves rec to the failed status of its phase (or corrupted) and
// stores the error. Persistence problems are logged; the PhaseError is
// returned either way.
func (o *Orchestrator) fail(ctx context.Context, rec *model.CalculationRecord, kind, cause error, stack string) *PhaseError {
	phase := rec.Status
	failed := model.FailureFor(phase)
	if errors.Is(kind, model.ErrSnapshotCorruption) {
		failed = model.StatusCorrupted
	}
	now := o.now()
	rec.Status = failed
	rec.Retries++
	rec.UpdatedAt = now
	rec.CompletedAt = nil
	rec.Errors = append(rec.Errors, model.ErrorEntry{
		Status:  phase,
		Kind:    kind.Error(),
		Message: cause.Error(),
		Stack:   stack,
		At:      now,
	})
	if err := o.store.UpdateRecord(ctx, *rec); err != nil {
		o.logger.Error(ctx, "failed to persist calculation failure",
			logger.String("recordID", rec.ID), logger.Error(err))
	}

	metrics.RecordCalculationFailed(string(failed))
	metrics.RecordErrorByComponent("orchestrator", kind.Error())
	o.logger.Error(ctx, "calculation failed",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.String("status", string(failed)),
		logger.Int("retries", rec.Retries),
		logger.Error(cause))

	return &PhaseError{
		Kind:       kind,
		RecordID:   rec.ID,
		DecisionID: rec.DecisionID,
		Status:     failed,
		Cause:      cause,
		Stack:      stack,
	}
}

// abandon stops a run whose stored record no longer accepts its writes.
func (o *Orchestrator) abandon(ctx context.Context, rec *model.CalculationRecord, cause error) error {
	metrics.RecordErrorByComponent("orchestrator", ErrAbandoned.Error())
	o.logger.Warn(ctx, "calculation abandoned",
		logger.String("recordID", rec.ID),
		logger.String("decisionID", string(rec.DecisionID)),
		logger.String("status", string(rec.Status)),
		logger.Error(cause))
	return fmt.Errorf("%w: record %s: %w", ErrAbandoned, rec.ID, cause)
}

// safely calls fn, returning a panic as an error with its stack.
func safely(fn func() error) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return "", fn()
}

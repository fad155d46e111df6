// Package service runs liquid democracy calculations in the background:
// it turns collaborator change notifications into coalesced jobs, drives
// them through the orchestrator on a worker pool, and serves the latest
// status and final results to the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	eventqueue "github.com/okian/liquid/internal/adapters/mq/queue"
	workerpool "github.com/okian/liquid/internal/adapters/mq/worker"
	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/dedupe"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
)

// Default service configuration.
const (
	DefaultQueueSize  = 10000
	DefaultDedupeSize = 50000
)

// Trigger is what Notify did for one decision.
type Trigger struct {
	DecisionID model.DecisionID `json:"decision_id"`
	Outcome    string           `json:"outcome"` // accepted, coalesced or rejected
}

// Service wires change notifications to calculation workers.
type Service struct {
	mu sync.RWMutex

	// Core components
	orchestrator *Orchestrator
	store        repository.Store
	source       snapshot.Source
	deduper      dedupe.Deduper
	queue        *eventqueue.InMemoryQueue
	pool         *workerpool.Pool
	sweeper      *Sweeper

	// Configuration
	workerCount   int
	queueSize     int
	dedupeSize    int
	sweepInterval time.Duration
	sweepOpts     []SweeperOption

	// State
	started     bool
	stopSweeper context.CancelFunc
	sweepDone   chan struct{}

	logger logger.Logger
}

// New constructs a Service running orch and reading decisions from src.
func New(orch *Orchestrator, src snapshot.Source, opts ...Option) *Service {
	s := &Service{
		orchestrator: orch,
		store:        orch.store,
		source:       src,
		workerCount:  runtime.NumCPU() * 2,
		queueSize:    DefaultQueueSize,
		dedupeSize:   DefaultDedupeSize,
		logger:       logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.sweeper = NewSweeper(s.store, s, s.sweepOpts...)
	}
	return s
}

// Start initializes the tracker, queue and worker pool, and the recovery
// sweep when one is configured.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(
		eventqueue.WithCapacity(s.queueSize),
		eventqueue.WithBufferSize(s.queueSize),
	)
	s.pool = workerpool.NewPool(s.workerCount, s.queue, workerpool.HandlerFunc(s.Handle))
	s.pool.Start(ctx)

	if s.sweeper != nil {
		sweepCtx, cancel := context.WithCancel(ctx)
		s.stopSweeper = cancel
		s.sweepDone = make(chan struct{})
		go func() {
			defer close(s.sweepDone)
			s.sweeper.Run(sweepCtx, s.sweepInterval)
		}()
	}

	s.started = true
	s.logger.Info(ctx, "calculation service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Duration("sweepInterval", s.sweepInterval),
	)
	return nil
}

// Stop halts the sweep, closes the queue and waits for queued jobs to
// drain until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping calculation service...")

	if s.stopSweeper != nil {
		s.stopSweeper()
		<-s.sweepDone
		s.stopSweeper = nil
	}
	err := s.pool.Shutdown(ctx)

	s.started = false
	s.logger.Info(ctx, "calculation service stopped",
		logger.Int("processed", int(s.pool.Processed())))
	return err
}

// Notify accepts a change from a collaborator and schedules recalculation
// of every open decision it affects. It never waits for a calculation.
func (s *Service) Notify(ctx context.Context, change model.Change) ([]Trigger, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	decisions, err := s.affected(ctx, change)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]Trigger, 0, len(decisions))
	for _, dec := range decisions {
		if !dec.IsOpen(now) {
			continue
		}
		job := model.Job{
			Kind:        model.JobCalculate,
			CommunityID: dec.CommunityID,
			DecisionID:  dec.ID,
			EnqueuedAt:  now,
		}
		outcome := s.schedule(ctx, job)
		metrics.RecordTrigger(outcome.String())
		out = append(out, Trigger{DecisionID: dec.ID, Outcome: outcome.String()})
	}

	s.logger.Debug(ctx, "change received",
		logger.String("kind", string(change.Kind)),
		logger.String("communityID", string(change.CommunityID)),
		logger.Int("decisions", len(out)))
	return out, nil
}

// affected lists the decisions a change may invalidate.
func (s *Service) affected(ctx context.Context, change model.Change) ([]model.Decision, error) {
	switch change.Kind {
	case model.ChangeVote:
		if change.DecisionID == "" {
			return nil, fmt.Errorf("%w: vote without decision id", ErrInvalidChange)
		}
		dec, err := s.source.Decision(ctx, change.DecisionID)
		if err != nil {
			return nil, fmt.Errorf("look up decision %s: %w", change.DecisionID, err)
		}
		if change.CommunityID != "" && change.CommunityID != dec.CommunityID {
			return nil, fmt.Errorf("%w: decision %s belongs to community %s", ErrInvalidChange, dec.ID, dec.CommunityID)
		}
		return []model.Decision{dec}, nil
	case model.ChangeFollow, model.ChangeMembership:
		if change.CommunityID == "" {
			return nil, fmt.Errorf("%w: %s change without community id", ErrInvalidChange, change.Kind)
		}
		decs, err := s.source.Decisions(ctx, change.CommunityID)
		if err != nil {
			return nil, fmt.Errorf("list decisions of %s: %w", change.CommunityID, err)
		}
		return decs, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, change.Kind)
	}
}

// schedule marks a job's decision and enqueues it when the mark is new.
// A failed enqueue reverts the mark and reports the job as rejected.
func (s *Service) schedule(ctx context.Context, job model.Job) dedupe.Outcome {
	key := string(job.DecisionID)
	outcome := s.deduper.Mark(ctx, key)
	if outcome != dedupe.Accepted {
		return outcome
	}
	if !s.queue.Enqueue(ctx, job) {
		s.deduper.Unmark(ctx, key)
		s.logger.Warn(ctx, "calculation queue full, trigger rejected",
			logger.String("decisionID", key))
		return dedupe.Rejected
	}
	return dedupe.Accepted
}

// Handle runs one job. It is the worker pool's handler.
func (s *Service) Handle(ctx context.Context, job model.Job) error {
	key := string(job.DecisionID)
	if !s.deduper.Begin(ctx, key) {
		s.logger.Debug(ctx, "dropping stale job", logger.String("decisionID", key))
		return nil
	}

	err := s.execute(ctx, job)

	if s.deduper.Finish(ctx, key) {
		rerun := model.Job{
			Kind:        model.JobCalculate,
			CommunityID: job.CommunityID,
			DecisionID:  job.DecisionID,
			EnqueuedAt:  time.Now().UTC(),
		}
		if !s.queue.Enqueue(ctx, rerun) {
			s.deduper.Unmark(ctx, key)
			metrics.RecordTrigger(dedupe.Rejected.String())
			s.logger.Warn(ctx, "could not queue follow-up calculation",
				logger.String("decisionID", key))
		}
	}
	return err
}

func (s *Service) execute(ctx context.Context, job model.Job) error {
	var err error
	switch job.Kind {
	case model.JobCalculate:
		_, err = s.orchestrator.Run(ctx, Request{CommunityID: job.CommunityID, DecisionID: job.DecisionID})
	case model.JobRetry:
		_, err = s.orchestrator.Resume(ctx, job.RecordID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, job.Kind)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrInFlight):
		// Another process holds the decision.
		s.logger.Info(ctx, "calculation already in flight",
			logger.String("decisionID", string(job.DecisionID)))
		return nil
	case errors.Is(err, model.ErrDecisionClosed), errors.Is(err, repository.ErrNotRetryable):
		s.logger.Debug(ctx, "calculation skipped",
			logger.String("decisionID", string(job.DecisionID)),
			logger.Error(err))
		return nil
	}
	return err
}

// Retry queues a recovery retry of rec. It satisfies Retrier so the
// recovery sweep hands its work to the pool instead of running inline.
func (s *Service) Retry(ctx context.Context, rec model.CalculationRecord) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	job := model.Job{
		Kind:        model.JobRetry,
		CommunityID: rec.CommunityID,
		DecisionID:  rec.DecisionID,
		RecordID:    rec.ID,
		EnqueuedAt:  time.Now().UTC(),
	}
	if s.schedule(ctx, job) == dedupe.Rejected {
		return fmt.Errorf("retry %s: %w", rec.ID, ErrBackpressure)
	}
	return nil
}

// Status returns the latest calculation record of a decision.
func (s *Service) Status(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	return s.store.LatestRecord(ctx, decision)
}

// FinalResult returns the final record of a decision and its tally.
func (s *Service) FinalResult(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, model.TallyResult, error) {
	rec, err := s.store.FinalRecord(ctx, decision)
	if err != nil {
		return model.CalculationRecord{}, model.TallyResult{}, err
	}
	res, err := s.store.Result(ctx, rec.ID)
	if err != nil {
		return rec, model.TallyResult{}, fmt.Errorf("result of %s: %w", rec.ID, err)
	}
	return rec, res, nil
}

// FinalBallots returns the final record of a decision and its effective
// ballots, lobbyists included.
func (s *Service) FinalBallots(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, []model.EffectiveBallot, error) {
	rec, err := s.store.FinalRecord(ctx, decision)
	if err != nil {
		return model.CalculationRecord{}, nil, err
	}
	ballots, err := s.store.Ballots(ctx, rec.ID)
	if err != nil {
		return rec, nil, fmt.Errorf("ballots of %s: %w", rec.ID, err)
	}
	return rec, ballots, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"recovery":    s.sweeper != nil,
	}
	if s.pool != nil {
		stats["workerCount"] = s.pool.Size()
		stats["processed"] = s.pool.Processed()
	}
	if s.started {
		queueLen := s.queue.Len(context.Background())
		stats["queueLength"] = queueLen
		stats["tracked"] = s.deduper.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return stats
}

package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	"github.com/shopspring/decimal"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: base} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func scores(pairs map[string]int64) model.Scores {
	s := model.Scores{}
	for c, v := range pairs {
		s[model.ChoiceID(c)] = decimal.NewFromInt(v)
	}
	return s
}

// seed builds community c1 with decision d1 (choices A, B): a and b vote,
// c follows a, and lobbyist l votes but is not counted.
func seed(ctx context.Context) *repository.MemoryDirectory {
	dir := repository.NewMemoryDirectory()
	must(dir.PutDecision(ctx, model.Decision{
		ID: "d1", CommunityID: "c1",
		Choices: []model.Choice{{ID: "A"}, {ID: "B"}},
		Tags:    []model.Tag{"budget"},
	}))
	for _, m := range []model.Member{{ID: "a", Voting: true}, {ID: "b", Voting: true}, {ID: "c", Voting: true}, {ID: "l"}} {
		must(dir.PutMember(ctx, "c1", m))
	}
	must(dir.PutFollow(ctx, "c1", model.FollowEdge{Follower: "c", Followee: "a", Tags: []model.Tag{model.AllTags}}))
	must(dir.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "a", Scores: scores(map[string]int64{"A": 5, "B": 1})}))
	must(dir.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "b", Scores: scores(map[string]int64{"A": 1, "B": 4})}))
	must(dir.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "l", Scores: scores(map[string]int64{"A": 0, "B": 5})}))
	return dir
}

// seedTie replaces the ballots of d1 so that A and B cannot be separated.
func seedTie(ctx context.Context, dir *repository.MemoryDirectory) {
	must(dir.RemoveFollow(ctx, "c1", "c", "a"))
	must(dir.RetractBallot(ctx, "d1", "l"))
	must(dir.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "a", Scores: scores(map[string]int64{"A": 5, "B": 3})}))
	must(dir.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "b", Scores: scores(map[string]int64{"A": 3, "B": 5})}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// flakySource fails or panics on Capture while armed.
type flakySource struct {
	*repository.MemoryDirectory
	fail  atomic.Bool
	panic atomic.Bool
}

func (s *flakySource) Capture(ctx context.Context, c model.CommunityID, d model.DecisionID) (snapshot.Capture, error) {
	if s.panic.Load() {
		panic("capture exploded")
	}
	if s.fail.Load() {
		return snapshot.Capture{}, errBoom
	}
	return s.MemoryDirectory.Capture(ctx, c, d)
}

// blockingSource parks Capture until release is closed, signalling entered first.
type blockingSource struct {
	*repository.MemoryDirectory
	entered chan struct{}
	release chan struct{}
}

func newBlockingSource(dir *repository.MemoryDirectory) *blockingSource {
	return &blockingSource{MemoryDirectory: dir, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSource) Capture(ctx context.Context, c model.CommunityID, d model.DecisionID) (snapshot.Capture, error) {
	close(s.entered)
	<-s.release
	return s.MemoryDirectory.Capture(ctx, c, d)
}

// flakyStore fails SaveResult while armed.
type flakyStore struct {
	*repository.MemoryStore
	failResult atomic.Bool
}

func (s *flakyStore) SaveResult(ctx context.Context, id string, r model.TallyResult) error {
	if s.failResult.Load() {
		return errBoom
	}
	return s.MemoryStore.SaveResult(ctx, id, r)
}

type tieRecorder struct {
	mu     sync.Mutex
	events []service.TieEvent
}

func (r *tieRecorder) NotifyTie(_ context.Context, ev service.TieEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *tieRecorder) Events() []service.TieEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.TieEvent(nil), r.events...)
}

func newOrchestrator(store repository.Store, src snapshot.Source, clk *clock, opts ...service.OrchestratorOption) *service.Orchestrator {
	opts = append([]service.OrchestratorOption{
		service.WithClock(clk.Now),
		service.WithOrchestratorLogger(logger.Nop()),
	}, opts...)
	return service.NewOrchestrator(store, src, opts...)
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// gateSource holds every Capture until the gate is closed.
type gateSource struct {
	*repository.MemoryDirectory
	entered chan model.DecisionID
	gate    chan struct{}
}

func newGateSource(dir *repository.MemoryDirectory) *gateSource {
	return &gateSource{MemoryDirectory: dir, entered: make(chan model.DecisionID, 16), gate: make(chan struct{})}
}

func (s *gateSource) Capture(ctx context.Context, c model.CommunityID, d model.DecisionID) (snapshot.Capture, error) {
	select {
	case s.entered <- d:
	default:
	}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return snapshot.Capture{}, ctx.Err()
	}
	return s.MemoryDirectory.Capture(ctx, c, d)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func completed(ctx context.Context, store repository.Store) func() int {
	return func() int {
		recs, _ := store.ListRecords(ctx, model.StatusCompleted)
		return len(recs)
	}
}

func newService(store repository.Store, src snapshot.Source, opts ...service.Option) *service.Service {
	orch := newOrchestrator(store, src, newClock())
	opts = append([]service.Option{service.WithLogger(logger.Nop()), service.WithWorkerCount(2)}, opts...)
	return service.New(orch, src, opts...)
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given a service that has not started", t, func() {
		svc := newService(repository.NewMemoryStore(), seed(ctx))

		Convey("Then notifications are refused", func() {
			_, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(errors.Is(svc.Retry(ctx, model.CalculationRecord{ID: "r1"}), service.ErrNotStarted), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
			So(svc.Stop(ctx), ShouldBeNil)
		})
	})

	Convey("Given a started service", t, func() {
		store := repository.NewMemoryStore()
		dir := seed(ctx)
		must(dir.PutDecision(ctx, model.Decision{ID: "d9", CommunityID: "c1", Status: model.DecisionClosed, Choices: []model.Choice{{ID: "A"}}}))
		svc := newService(store, dir)
		So(svc.Start(ctx), ShouldBeNil)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("When a vote is cast", func() {
			triggers, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
			So(err, ShouldBeNil)
			So(triggers, ShouldResemble, []service.Trigger{{DecisionID: "d1", Outcome: "accepted"}})

			Convey("Then the final result becomes readable", func() {
				So(eventually(func() bool { return completed(ctx, store)() == 1 }), ShouldBeTrue)

				rec, err := svc.Status(ctx, "d1")
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, model.StatusCompleted)

				final, res, err := svc.FinalResult(ctx, "d1")
				So(err, ShouldBeNil)
				So(final.ID, ShouldEqual, rec.ID)
				So(res.Winner, ShouldEqual, model.ChoiceID("A"))

				_, ballots, err := svc.FinalBallots(ctx, "d1")
				So(err, ShouldBeNil)
				So(len(ballots), ShouldEqual, 4)

				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["workerCount"], ShouldEqual, 2)
			})
		})

		Convey("When a follow edge changes", func() {
			triggers, err := svc.Notify(ctx, model.Change{Kind: model.ChangeFollow, CommunityID: "c1"})

			Convey("Then only the open decisions are triggered", func() {
				So(err, ShouldBeNil)
				So(len(triggers), ShouldEqual, 1)
				So(triggers[0].DecisionID, ShouldEqual, model.DecisionID("d1"))
			})
		})

		Convey("When a vote targets a closed decision", func() {
			triggers, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d9"})
			So(err, ShouldBeNil)
			So(triggers, ShouldBeEmpty)
		})

		Convey("When a change is malformed", func() {
			_, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote})
			So(errors.Is(err, service.ErrInvalidChange), ShouldBeTrue)
			_, err = svc.Notify(ctx, model.Change{Kind: model.ChangeMembership})
			So(errors.Is(err, service.ErrInvalidChange), ShouldBeTrue)
			_, err = svc.Notify(ctx, model.Change{Kind: "rename", CommunityID: "c1"})
			So(errors.Is(err, service.ErrInvalidChange), ShouldBeTrue)
			_, err = svc.Notify(ctx, model.Change{Kind: model.ChangeVote, CommunityID: "c2", DecisionID: "d1"})
			So(errors.Is(err, service.ErrInvalidChange), ShouldBeTrue)
			_, err = svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "ghost"})
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When nothing has been calculated", func() {
			_, err := svc.Status(ctx, "d1")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, _, err = svc.FinalResult(ctx, "d1")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given a service stopped right after a trigger", t, func() {
		store := repository.NewMemoryStore()
		svc := newService(store, seed(ctx))
		So(svc.Start(ctx), ShouldBeNil)
		_, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
		So(err, ShouldBeNil)

		So(svc.Stop(ctx), ShouldBeNil)

		Convey("Then the queued calculation drained before Stop returned", func() {
			So(completed(ctx, store)(), ShouldEqual, 1)
		})
	})
}

func TestServiceCoalescing(t *testing.T) {
	ctx := context.Background()

	Convey("Given a calculation held inside its snapshot read", t, func() {
		store := repository.NewMemoryStore()
		src := newGateSource(seed(ctx))
		svc := newService(store, src)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		first, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
		So(err, ShouldBeNil)
		So(first[0].Outcome, ShouldEqual, "accepted")
		<-src.entered

		Convey("When more triggers arrive for the same decision", func() {
			second, _ := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
			third, _ := svc.Notify(ctx, model.Change{Kind: model.ChangeMembership, CommunityID: "c1"})
			So(second[0].Outcome, ShouldEqual, "coalesced")
			So(third[0].Outcome, ShouldEqual, "coalesced")

			close(src.gate)

			Convey("Then exactly one follow-up run happens", func() {
				So(eventually(func() bool { return completed(ctx, store)() == 2 }), ShouldBeTrue)
				time.Sleep(50 * time.Millisecond)
				recs, _ := store.ListRecords(ctx)
				So(len(recs), ShouldEqual, 2)
				So(recs[0].Final, ShouldBeFalse)
				So(recs[1].Final, ShouldBeTrue)
			})
		})
	})

	Convey("Given a single worker with room for one queued job", t, func() {
		store := repository.NewMemoryStore()
		dir := seed(ctx)
		for _, id := range []model.DecisionID{"d2", "d3", "d4"} {
			must(dir.PutDecision(ctx, model.Decision{ID: id, CommunityID: "c1", Choices: []model.Choice{{ID: "A"}, {ID: "B"}}}))
		}
		src := newGateSource(dir)
		svc := newService(store, src, service.WithWorkerCount(1), service.WithQueueSize(1))
		So(svc.Start(ctx), ShouldBeNil)

		_, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
		So(err, ShouldBeNil)
		<-src.entered

		Convey("When a community-wide change fans out", func() {
			triggers, err := svc.Notify(ctx, model.Change{Kind: model.ChangeMembership, CommunityID: "c1"})
			So(err, ShouldBeNil)
			So(len(triggers), ShouldEqual, 4)

			Convey("Then overflow is rejected and can be retriggered later", func() {
				rejected := []model.DecisionID{}
				for _, tr := range triggers {
					if tr.DecisionID == "d1" {
						So(tr.Outcome, ShouldEqual, "coalesced")
					}
					if tr.Outcome == "rejected" {
						rejected = append(rejected, tr.DecisionID)
					}
				}
				So(len(rejected), ShouldBeGreaterThanOrEqualTo, 1)

				close(src.gate)
				So(svc.Stop(ctx), ShouldBeNil)
				for _, id := range rejected {
					_, err := store.LatestRecord(ctx, id)
					So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				}
			})
		})
	})
}

func TestServiceRecovery(t *testing.T) {
	ctx := context.Background()

	Convey("Given a service with recovery enabled and a failing source", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		src := &flakySource{MemoryDirectory: seed(ctx)}
		src.fail.Store(true)
		orch := newOrchestrator(store, src, clk)
		svc := service.New(orch, src,
			service.WithLogger(logger.Nop()),
			service.WithWorkerCount(1),
			service.WithRecovery(10*time.Millisecond,
				service.WithCooldown(0),
				service.WithRetryMax(1000),
				service.WithSweepClock(clk.Now),
				service.WithSweeperLogger(logger.Nop())))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		_, err := svc.Notify(ctx, model.Change{Kind: model.ChangeVote, DecisionID: "d1"})
		So(err, ShouldBeNil)
		So(eventually(func() bool {
			rec, err := store.LatestRecord(ctx, "d1")
			return err == nil && rec.Status.Failed()
		}), ShouldBeTrue)

		Convey("When the source recovers", func() {
			failed, _ := store.LatestRecord(ctx, "d1")
			src.fail.Store(false)

			Convey("Then the sweep retries the same record through the queue", func() {
				So(eventually(func() bool { return completed(ctx, store)() == 1 }), ShouldBeTrue)
				final, err := store.FinalRecord(ctx, "d1")
				So(err, ShouldBeNil)
				So(final.ID, ShouldEqual, failed.ID)
				So(final.Retries, ShouldBeGreaterThanOrEqualTo, 1)
				So(svc.GetStats()["recovery"], ShouldEqual, true)
			})
		})
	})
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// failedRecord stores a record that failed retries times at clk's current time.
func failedRecord(ctx context.Context, store repository.Store, clk *clock, id string, retries int) model.CalculationRecord {
	now := clk.Now()
	rec := model.CalculationRecord{ID: id, DecisionID: "d1", CommunityID: "c1", Status: model.StatusCreating, CreatedAt: now, UpdatedAt: now}
	must(store.CreateRecord(ctx, rec))
	rec.Status = model.StatusFailedSnapshot
	rec.Retries = retries
	rec.Errors = []model.ErrorEntry{{Status: model.StatusCreating, Kind: model.ErrSnapshotCreation.Error(), Message: "boom", At: now}}
	must(store.UpdateRecord(ctx, rec))
	return rec
}

func newSweeper(store repository.Store, orch *service.Orchestrator, clk *clock) *service.Sweeper {
	return service.NewSweeper(store, service.InlineRetrier(orch),
		service.WithSweepClock(clk.Now),
		service.WithSweeperLogger(logger.Nop()))
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a failed record", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		orch := newOrchestrator(store, seed(ctx), clk)
		sw := newSweeper(store, orch, clk)
		rec := failedRecord(ctx, store, clk, "r1", 1)

		Convey("When the cooldown has not passed", func() {
			clk.Advance(10 * time.Minute)
			rep, err := sw.Sweep(ctx)

			Convey("Then it is left alone", func() {
				So(err, ShouldBeNil)
				So(rep.Retried, ShouldBeEmpty)
				So(rep.Waiting, ShouldEqual, 1)
				got, _ := store.GetRecord(ctx, rec.ID)
				So(got.Status, ShouldEqual, model.StatusFailedSnapshot)
			})
		})

		Convey("When the cooldown has passed", func() {
			clk.Advance(31 * time.Minute)
			rep, err := sw.Sweep(ctx)

			Convey("Then it is retried to completion keeping its history", func() {
				So(err, ShouldBeNil)
				So(rep.Retried, ShouldResemble, []string{"r1"})
				got, _ := store.GetRecord(ctx, rec.ID)
				So(got.Status, ShouldEqual, model.StatusCompleted)
				So(got.Final, ShouldBeTrue)
				So(got.Retries, ShouldEqual, 1)
				So(len(got.Errors), ShouldEqual, 1)
			})
		})

		Convey("When a newer record exists for the decision", func() {
			clk.Advance(time.Minute)
			failedRecord(ctx, store, clk, "r2", 1)
			clk.Advance(31 * time.Minute)
			rep, err := sw.Sweep(ctx)

			Convey("Then only the newest is retried", func() {
				So(err, ShouldBeNil)
				So(rep.Superseded, ShouldEqual, 1)
				So(rep.Retried, ShouldResemble, []string{"r2"})
				old, _ := store.GetRecord(ctx, "r1")
				So(old.Status, ShouldEqual, model.StatusFailedSnapshot)
			})
		})
	})

	Convey("Given a retry that fails again", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		src := &flakySource{MemoryDirectory: seed(ctx)}
		src.fail.Store(true)
		orch := newOrchestrator(store, src, clk)
		sw := newSweeper(store, orch, clk)
		failedRecord(ctx, store, clk, "r1", 1)

		clk.Advance(31 * time.Minute)
		rep, err := sw.Sweep(ctx)

		Convey("Then the attempt counts and the failure is recorded", func() {
			So(err, ShouldBeNil)
			So(rep.Retried, ShouldResemble, []string{"r1"})
			So(rep.Errors, ShouldBeEmpty)
			got, _ := store.GetRecord(ctx, "r1")
			So(got.Status, ShouldEqual, model.StatusFailedSnapshot)
			So(got.Retries, ShouldEqual, 2)
			So(len(got.Errors), ShouldEqual, 2)
		})

		Convey("Then the next sweep waits for a fresh cooldown", func() {
			rep, _ := sw.Sweep(ctx)
			So(rep.Waiting, ShouldEqual, 1)
		})
	})

	Convey("Given a record past the retry ceiling", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		orch := newOrchestrator(store, seed(ctx), clk)
		sw := newSweeper(store, orch, clk)
		failedRecord(ctx, store, clk, "r1", service.DefaultRetryMax+1)

		clk.Advance(time.Hour)
		rep, err := sw.Sweep(ctx)

		Convey("Then the sweep gives up once", func() {
			So(err, ShouldBeNil)
			So(rep.GaveUp, ShouldResemble, []string{"r1"})
			So(rep.Retried, ShouldBeEmpty)
			got, _ := store.GetRecord(ctx, "r1")
			So(got.Status, ShouldEqual, model.StatusFailedSnapshot)
			So(got.Errors[len(got.Errors)-1].Kind, ShouldEqual, "retry-exhausted")

			again, _ := sw.Sweep(ctx)
			So(again.GaveUp, ShouldBeEmpty)
			got2, _ := store.GetRecord(ctx, "r1")
			So(len(got2.Errors), ShouldEqual, len(got.Errors))
		})
	})

	Convey("Given a record at the retry ceiling", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		orch := newOrchestrator(store, seed(ctx), clk)
		sw := newSweeper(store, orch, clk)
		failedRecord(ctx, store, clk, "r1", service.DefaultRetryMax)

		clk.Advance(time.Hour)
		rep, _ := sw.Sweep(ctx)
		So(rep.Retried, ShouldResemble, []string{"r1"})
	})

	Convey("Given a record stuck in flight", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		orch := newOrchestrator(store, seed(ctx), clk)
		sw := newSweeper(store, orch, clk)
		now := clk.Now()
		must(store.CreateRecord(ctx, model.CalculationRecord{ID: "r1", DecisionID: "d1", CommunityID: "c1", Status: model.StatusCreating, CreatedAt: now, UpdatedAt: now}))

		Convey("When it is younger than the stuck threshold", func() {
			clk.Advance(time.Hour)
			rep, _ := sw.Sweep(ctx)
			So(rep.Corrupted, ShouldBeEmpty)
		})

		Convey("When it has made no progress for too long", func() {
			clk.Advance(3 * time.Hour)
			rep, err := sw.Sweep(ctx)

			Convey("Then it is marked corrupted and never retried", func() {
				So(err, ShouldBeNil)
				So(rep.Corrupted, ShouldResemble, []string{"r1"})
				got, _ := store.GetRecord(ctx, "r1")
				So(got.Status, ShouldEqual, model.StatusCorrupted)
				So(got.Errors[0].Kind, ShouldEqual, model.ErrSnapshotCorruption.Error())
				So(got.Errors[0].Status, ShouldEqual, model.StatusCreating)

				_, err = orch.Resume(ctx, "r1")
				So(errors.Is(err, repository.ErrNotRetryable), ShouldBeTrue)

				_, err = orch.Run(ctx, service.Request{DecisionID: "d1"})
				So(err, ShouldBeNil)
			})
		})
	})

	Convey("Given a run blocked while capturing its snapshot", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		src := newBlockingSource(seed(ctx))
		orch := newOrchestrator(store, src, clk)
		sw := newSweeper(store, orch, clk)

		done := make(chan error, 1)
		go func() {
			_, err := orch.Run(ctx, service.Request{DecisionID: "d1"})
			done <- err
		}()
		<-src.entered

		Convey("When the sweep marks it corrupted and the run then resumes", func() {
			clk.Advance(3 * time.Hour)
			rep, err := sw.Sweep(ctx)
			So(err, ShouldBeNil)
			So(len(rep.Corrupted), ShouldEqual, 1)
			close(src.release)
			runErr := <-done

			Convey("Then the run is abandoned and the record stays corrupted", func() {
				So(errors.Is(runErr, service.ErrAbandoned), ShouldBeTrue)
				So(errors.Is(runErr, repository.ErrStatusConflict), ShouldBeTrue)

				got, err := store.GetRecord(ctx, rep.Corrupted[0])
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusCorrupted)
				So(got.Final, ShouldBeFalse)
				So(got.CompletedAt, ShouldBeNil)
				_, err = store.FinalRecord(ctx, "d1")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})

	Convey("Given a sweeper running on an interval", t, func() {
		store := repository.NewMemoryStore()
		clk := newClock()
		calls := make(chan string, 4)
		retrier := service.RetrierFunc(func(_ context.Context, rec model.CalculationRecord) error {
			select {
			case calls <- rec.ID:
			default:
			}
			return nil
		})
		sw := service.NewSweeper(store, retrier,
			service.WithCooldown(0),
			service.WithSweepClock(clk.Now),
			service.WithSweeperLogger(logger.Nop()))
		failedRecord(ctx, store, clk, "r1", 1)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			sw.Run(runCtx, 5*time.Millisecond)
		}()

		Convey("Then it hands retries to the retrier until cancelled", func() {
			select {
			case id := <-calls:
				So(id, ShouldEqual, "r1")
			case <-time.After(time.Second):
				So("no retry", ShouldBeEmpty)
			}
			cancel()
			<-done
		})
	})
}

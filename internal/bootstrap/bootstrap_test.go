package bootstrap_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/bootstrap"
	"github.com/okian/liquid/internal/config"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/fixture"
	"github.com/okian/liquid/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const community = `
community: c1
members: [{id: a}, {id: b}]
decisions: [{id: d1, choices: [A, B]}]
ballots:
  - {decision: d1, voter: a, scores: {A: 9, B: 2}}
  - {decision: d1, voter: b, scores: {A: 1, B: 8}}
`

func run(ctx context.Context, cfg *config.Config) (*service.Outcome, error) {
	b, err := bootstrap.Open(ctx, cfg)
	So(err, ShouldBeNil)
	defer b.Close()

	f, err := fixture.Parse([]byte(community))
	So(err, ShouldBeNil)
	So(f.Apply(ctx, b.Directory), ShouldBeNil)

	orch, err := bootstrap.Orchestrator(cfg, b, service.WithOrchestratorLogger(logger.Nop()))
	So(err, ShouldBeNil)
	return orch.Run(ctx, service.Request{DecisionID: "d1"})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	Convey("Given the in-memory driver and a 0-10 scale", t, func() {
		cfg := config.New()
		cfg.ScoreMax = 10
		out, err := run(ctx, cfg)

		Convey("Then ballots on the wider scale are accepted", func() {
			So(err, ShouldBeNil)
			So(out.Record.Errors, ShouldBeEmpty)
			So(out.Result.Ballots, ShouldEqual, 2)
		})
	})

	Convey("Given the default 0-5 scale", t, func() {
		out, err := run(ctx, config.New())

		Convey("Then the out-of-range ballots become member failures", func() {
			So(err, ShouldBeNil)
			So(len(out.Record.Errors), ShouldEqual, 2)
			So(out.Result.Ballots, ShouldEqual, 0)
			So(out.Result.Unresolved(), ShouldBeTrue)
		})
	})

	Convey("Given the sqlite driver", t, func() {
		cfg := config.New()
		cfg.StorageDriver = config.DriverSQLite
		cfg.SQLitePath = filepath.Join(t.TempDir(), "liquid.db")
		cfg.ScoreMax = 10
		out, err := run(ctx, cfg)

		Convey("Then the run persists to the database file", func() {
			So(err, ShouldBeNil)
			So(out.Record.Final, ShouldBeTrue)

			b, err := bootstrap.Open(ctx, cfg)
			So(err, ShouldBeNil)
			defer b.Close()
			rec, err := b.Store.FinalRecord(ctx, "d1")
			So(err, ShouldBeNil)
			So(rec.ID, ShouldEqual, out.Record.ID)
			So(rec.Status, ShouldEqual, model.StatusCompleted)
		})
	})

	Convey("Given an unknown driver", t, func() {
		cfg := config.New()
		cfg.StorageDriver = "mongo"
		_, err := bootstrap.Open(ctx, cfg)
		So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
	})

	Convey("Given an inverted score scale", t, func() {
		cfg := config.New()
		cfg.ScoreMin, cfg.ScoreMax = 5, 1
		b, err := bootstrap.Open(ctx, cfg)
		So(err, ShouldBeNil)
		_, err = bootstrap.Orchestrator(cfg, b)
		So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
	})

	Convey("Given a service built from config", t, func() {
		cfg := config.New()
		cfg.WorkerCount = 3
		b, err := bootstrap.Open(ctx, cfg)
		So(err, ShouldBeNil)
		orch, err := bootstrap.Orchestrator(cfg, b)
		So(err, ShouldBeNil)
		svc := bootstrap.Service(cfg, orch, b, service.WithLogger(logger.Nop()))

		So(svc.Start(ctx), ShouldBeNil)
		stats := svc.GetStats()
		So(stats["workerCount"], ShouldEqual, 3)
		So(stats["recovery"], ShouldEqual, true)
		So(svc.Stop(ctx), ShouldBeNil)
	})

	Convey("Given a configured fixture path", t, func() {
		cfg := config.New()
		cfg.FixturePath = filepath.Join(t.TempDir(), "community.yaml")
		So(os.WriteFile(cfg.FixturePath, []byte(community), 0o600), ShouldBeNil)
		b, err := bootstrap.Open(ctx, cfg)
		So(err, ShouldBeNil)
		defer b.Close()

		Convey("Then Seed loads it into the directory", func() {
			So(bootstrap.Seed(ctx, cfg, b), ShouldBeNil)
			decs, err := b.Directory.Decisions(ctx, "c1")
			So(err, ShouldBeNil)
			So(len(decs), ShouldEqual, 1)
		})

		Convey("Then a missing file is reported", func() {
			cfg.FixturePath = filepath.Join(t.TempDir(), "missing.yaml")
			So(bootstrap.Seed(ctx, cfg, b), ShouldNotBeNil)
		})
	})

	Convey("Given no fixture path", t, func() {
		So(bootstrap.Seed(ctx, config.New(), &bootstrap.Backend{}), ShouldBeNil)
	})
}

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/adapters/repository/repotest"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStore(t *testing.T) {
	repotest.StoreContract(t, func() repository.Store { return repository.NewMemoryStore() })
}

func TestMemoryDirectory(t *testing.T) {
	repotest.DirectoryContract(t, func() repository.Directory { return repository.NewMemoryDirectory() })
}

func TestMemoryDirectoryIsolation(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	Convey("Given a directory feeding the snapshot builder", t, func() {
		d := repository.NewMemoryDirectory(repository.WithClock(func() time.Time { return at }))
		So(d.PutMember(ctx, "c1", model.Member{ID: "x", Voting: true}), ShouldBeNil)
		So(d.PutDecision(ctx, model.Decision{ID: "d1", CommunityID: "c1", Choices: []model.Choice{{ID: "A"}}}), ShouldBeNil)
		So(d.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "x", Scores: model.Scores{}}), ShouldBeNil)

		snap, err := snapshot.NewBuilder(d).Build(ctx, "c1", "d1")
		So(err, ShouldBeNil)

		Convey("Then later mutations do not reach the snapshot", func() {
			So(d.PutMember(ctx, "c1", model.Member{ID: "y", Voting: true}), ShouldBeNil)
			So(snap.Len(), ShouldEqual, 1)
			So(snap.TakenAt().Equal(at), ShouldBeTrue)
		})

		Convey("Then the capture stamps ballots without a cast time", func() {
			c, err := d.Capture(ctx, "c1", "d1")
			So(err, ShouldBeNil)
			So(c.Ballots[0].CastAt.Equal(at), ShouldBeTrue)
		})

		Convey("Then a cancelled capture fails", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := d.Capture(cctx, "c1", "d1")
			So(err, ShouldNotBeNil)
		})
	})
}

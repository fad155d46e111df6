package fixture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/fixture"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

const sample = `
community: c1
members:
  - id: a
  - id: b
  - id: lobby
    voting: false
follows:
  - follower: b
    followee: a
    tags: [ALL]
  - follower: b
    followee: lobby
    tags: [parks]
    priority: 1
decisions:
  - id: d1
    choices: [A, B]
    labels: [Alpha, Beta]
    tags: [parks]
  - id: d2
    choices: [X]
    status: closed
    closes_at: "2026-01-01T00:00:00Z"
ballots:
  - decision: d1
    voter: a
    scores: {A: 5, B: 1.5}
  - decision: d1
    voter: lobby
    scores: {A: "0", B: "4.25"}
    cast_at: "2026-02-01T10:00:00+02:00"
`

func TestParse(t *testing.T) {
	ctx := context.Background()

	Convey("Given a complete fixture", t, func() {
		f, err := fixture.Parse([]byte(sample))
		So(err, ShouldBeNil)

		Convey("Then every section is decoded", func() {
			So(f.Community, ShouldEqual, model.CommunityID("c1"))
			So(f.Members, ShouldResemble, []model.Member{{ID: "a", Voting: true}, {ID: "b", Voting: true}, {ID: "lobby", Voting: false}})
			So(len(f.Follows), ShouldEqual, 2)
			So(f.Follows[1].Priority, ShouldEqual, 1)
			So(f.Follows[0].AllTopics(), ShouldBeTrue)

			So(f.Decisions[0].Choices, ShouldResemble, []model.Choice{{ID: "A", Label: "Alpha"}, {ID: "B", Label: "Beta"}})
			So(f.Decisions[0].Status, ShouldEqual, model.DecisionOpen)
			So(f.Decisions[1].Status, ShouldEqual, model.DecisionClosed)
			So(f.Decisions[1].ClosesAt, ShouldNotBeNil)

			So(f.Ballots[0].Scores["B"].Equal(decimal.RequireFromString("1.5")), ShouldBeTrue)
			So(f.Ballots[1].Scores["B"].Equal(decimal.RequireFromString("4.25")), ShouldBeTrue)
			So(f.Ballots[1].CastAt.Hour(), ShouldEqual, 8)
		})

		Convey("Then it populates a directory the snapshot builder can read", func() {
			dir, err := f.Directory(ctx)
			So(err, ShouldBeNil)
			c, err := dir.Capture(ctx, "c1", "d1")
			So(err, ShouldBeNil)
			So(len(c.Members), ShouldEqual, 3)
			So(len(c.Follows), ShouldEqual, 2)
			So(len(c.Ballots), ShouldEqual, 2)

			decs, err := dir.Decisions(ctx, "c1")
			So(err, ShouldBeNil)
			So(len(decs), ShouldEqual, 2)
		})
	})

	Convey("Given broken fixtures", t, func() {
		for _, doc := range []string{
			"members: []",
			"community: c1\nmembers:\n  - voting: true",
			"community: c1\ndecisions:\n  - {id: d1, choices: [A], status: pending}",
			"community: c1\ndecisions:\n  - {id: d1, choices: [A], closes_at: tomorrow}",
			"community: c1\nballots:\n  - {decision: d1, voter: a, scores: {A: high}}",
			"community: [",
		} {
			_, err := fixture.Parse([]byte(doc))
			So(errors.Is(err, fixture.ErrInvalidFixture), ShouldBeTrue)
		}
	})

	Convey("Given a ballot for an unknown decision", t, func() {
		f, err := fixture.Parse([]byte("community: c1\nballots:\n  - {decision: d9, voter: a, scores: {A: 1}}"))
		So(err, ShouldBeNil)
		_, err = f.Directory(ctx)
		So(err, ShouldNotBeNil)
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a fixture file", t, func() {
		path := filepath.Join(t.TempDir(), "community.yaml")
		So(os.WriteFile(path, []byte(sample), 0o600), ShouldBeNil)

		f, err := fixture.Load(path)
		So(err, ShouldBeNil)
		So(len(f.Decisions), ShouldEqual, 2)

		_, err = fixture.Load(filepath.Join(t.TempDir(), "missing.yaml"))
		So(errors.Is(err, fixture.ErrInvalidFixture), ShouldBeTrue)
	})
}

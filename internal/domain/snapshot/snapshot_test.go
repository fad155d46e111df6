package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

// stubSource hands out its slices directly so tests can mutate them after a build.
type stubSource struct {
	capture snapshot.Capture
	err     error
	delay   time.Duration
}

func (s *stubSource) Capture(ctx context.Context, _ model.CommunityID, _ model.DecisionID) (snapshot.Capture, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return snapshot.Capture{}, ctx.Err()
		}
	}
	return s.capture, s.err
}

func (s *stubSource) Decision(_ context.Context, id model.DecisionID) (model.Decision, error) {
	for _, d := range s.capture.Decisions {
		if d.ID == id {
			return d, nil
		}
	}
	return model.Decision{}, errors.New("not found")
}

func (s *stubSource) Decisions(_ context.Context, _ model.CommunityID) ([]model.Decision, error) {
	return s.capture.Decisions, nil
}

func score(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func community() *stubSource {
	return &stubSource{capture: snapshot.Capture{
		Members: []model.Member{{ID: "y", Voting: true}, {ID: "x", Voting: true}, {ID: "l", Voting: false}},
		Follows: []model.FollowEdge{
			{Follower: "x", Followee: "y", Tags: []model.Tag{"ALL"}, Priority: 2},
			{Follower: "x", Followee: "l", Tags: []model.Tag{"parks"}, Priority: 1},
		},
		Ballots: []model.RawBallot{
			{DecisionID: "d1", VoterID: "y", Scores: model.Scores{"A": score(3), "B": score(5)}},
		},
		Decisions: []model.Decision{
			{ID: "d1", CommunityID: "c1", Choices: []model.Choice{{ID: "A"}, {ID: "B"}}, Tags: []model.Tag{"parks"}, Status: model.DecisionOpen},
		},
		ReadAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	Convey("Given a community source", t, func() {
		src := community()
		b := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop()))

		Convey("When building for a decision", func() {
			snap, err := b.Build(ctx, "c1", "d1")
			So(err, ShouldBeNil)

			Convey("Then members are indexed in identifier order", func() {
				So(snap.Len(), ShouldEqual, 3)
				So(snap.Member(0).ID, ShouldEqual, model.MemberID("l"))
				i, ok := snap.Index("x")
				So(ok, ShouldBeTrue)
				So(i, ShouldEqual, 1)
			})

			Convey("Then edges are ordered by priority", func() {
				x, _ := snap.Index("x")
				edges := snap.Edges(x)
				So(len(edges), ShouldEqual, 2)
				So(snap.Member(edges[0].Followee).ID, ShouldEqual, model.MemberID("l"))
				So(edges[1].All, ShouldBeTrue)
				So(snap.EdgeCount(), ShouldEqual, 2)
			})

			Convey("Then edge tags match decision tags exactly", func() {
				x, _ := snap.Index("x")
				parks := snap.Edges(x)[0]
				So(parks.AppliesTo([]model.Tag{"parks"}), ShouldBeTrue)
				So(parks.AppliesTo([]model.Tag{"Parks"}), ShouldBeFalse)
			})

			Convey("Then ballots and the decision are captured", func() {
				y, _ := snap.Index("y")
				b, ok := snap.Ballot("d1", y)
				So(ok, ShouldBeTrue)
				So(b["B"].Equal(score(5)), ShouldBeTrue)
				d, ok := snap.Decision("d1")
				So(ok, ShouldBeTrue)
				So(len(d.Choices), ShouldEqual, 2)
				So(snap.TakenAt(), ShouldEqual, src.capture.ReadAt)
				So(snap.Warnings(), ShouldBeEmpty)
			})
		})

		Convey("When the source is mutated after the snapshot is taken", func() {
			snap, err := b.Build(ctx, "c1", "d1")
			So(err, ShouldBeNil)

			src.capture.Members[0].Voting = false
			src.capture.Follows[0].Tags[0] = "roads"
			src.capture.Ballots[0].Scores["A"] = score(0)
			src.capture.Decisions[0].Choices[0].ID = "Z"

			Convey("Then the snapshot is unchanged", func() {
				y, _ := snap.Index("y")
				So(snap.Member(y).Voting, ShouldBeTrue)
				b, _ := snap.Ballot("d1", y)
				So(b["A"].Equal(score(3)), ShouldBeTrue)
				x, _ := snap.Index("x")
				So(snap.Edges(x)[1].All, ShouldBeTrue)
				d, _ := snap.Decision("d1")
				So(d.Choices[0].ID, ShouldEqual, model.ChoiceID("A"))
			})
		})

		Convey("When a caller mutates accessor results", func() {
			snap, _ := b.Build(ctx, "c1", "d1")
			y, _ := snap.Index("y")
			ballot, _ := snap.Ballot("d1", y)
			ballot["A"] = score(1)
			x, _ := snap.Index("x")
			snap.Edges(x)[0].Tags[0] = "other"

			Convey("Then internal state is untouched", func() {
				again, _ := snap.Ballot("d1", y)
				So(again["A"].Equal(score(3)), ShouldBeTrue)
				So(snap.Edges(x)[0].Tags[0], ShouldEqual, model.Tag("parks"))
			})
		})
	})

	Convey("Given invalid input", t, func() {
		Convey("When the roster is empty", func() {
			src := community()
			src.capture.Members = nil
			_, err := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d1")
			So(errors.Is(err, model.ErrSnapshotCreation), ShouldBeTrue)
			So(errors.Is(err, snapshot.ErrEmptyRoster), ShouldBeTrue)
		})

		Convey("When edges and ballots reference non-members", func() {
			src := community()
			src.capture.Follows = append(src.capture.Follows,
				model.FollowEdge{Follower: "x", Followee: "ghost", Tags: []model.Tag{"ALL"}},
				model.FollowEdge{Follower: "ghost", Followee: "x", Tags: []model.Tag{"ALL"}},
				model.FollowEdge{Follower: "x", Followee: "x", Tags: []model.Tag{"ALL"}},
			)
			src.capture.Ballots = append(src.capture.Ballots,
				model.RawBallot{DecisionID: "d1", VoterID: "ghost", Scores: model.Scores{"A": score(1)}})
			snap, err := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d1")

			Convey("Then they are dropped with warnings", func() {
				So(err, ShouldBeNil)
				So(len(snap.Warnings()), ShouldEqual, 4)
				So(snap.EdgeCount(), ShouldEqual, 2)
				So(snap.BallotCount("d1"), ShouldEqual, 1)
			})
		})

		Convey("When the decision is missing or has no choices", func() {
			src := community()
			_, err := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d2")
			So(errors.Is(err, snapshot.ErrDecisionMissing), ShouldBeTrue)

			src.capture.Decisions[0].Choices = nil
			_, err = snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d1")
			So(errors.Is(err, snapshot.ErrDecisionNoChoices), ShouldBeTrue)
		})

		Convey("When a voter has two ballots", func() {
			src := community()
			t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			src.capture.Ballots = []model.RawBallot{
				{DecisionID: "d1", VoterID: "y", Scores: model.Scores{"A": score(4)}, CastAt: t0.Add(time.Minute)},
				{DecisionID: "d1", VoterID: "y", Scores: model.Scores{"A": score(1)}, CastAt: t0},
			}
			snap, err := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d1")
			So(err, ShouldBeNil)
			y, _ := snap.Index("y")
			b, _ := snap.Ballot("d1", y)
			So(b["A"].Equal(score(4)), ShouldBeTrue)
		})

		Convey("When the read fails", func() {
			src := community()
			src.err = errors.New("db down")
			_, err := snapshot.NewBuilder(src, snapshot.WithLogger(logger.Nop())).Build(ctx, "c1", "d1")
			So(errors.Is(err, model.ErrSnapshotCreation), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "db down")
		})

		Convey("When the read exceeds the timeout", func() {
			src := community()
			src.delay = time.Second
			b := snapshot.NewBuilder(src,
				snapshot.WithLogger(logger.Nop()),
				snapshot.WithTimeout(20*time.Millisecond))
			start := time.Now()
			_, err := b.Build(ctx, "c1", "d1")
			So(errors.Is(err, snapshot.ErrTimeout), ShouldBeTrue)
			So(errors.Is(err, model.ErrSnapshotCreation), ShouldBeTrue)
			So(time.Since(start), ShouldBeLessThan, 500*time.Millisecond)
		})

		Convey("When the source is nil", func() {
			_, err := snapshot.NewBuilder(nil).Build(ctx, "c1", "")
			So(errors.Is(err, snapshot.ErrNilSource), ShouldBeTrue)
		})
	})
}

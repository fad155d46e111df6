// Package repotest holds behaviour suites shared by every Store and
// Directory implementation.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewRecord returns an in-flight record created offset after a fixed base time.
func NewRecord(id string, decision model.DecisionID, offset time.Duration) model.CalculationRecord {
	at := base.Add(offset)
	return model.CalculationRecord{
		ID:          id,
		DecisionID:  decision,
		CommunityID: "c1",
		Status:      model.StatusCreating,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// ToTallying advances a stored record to tallying and returns it.
func ToTallying(ctx context.Context, s repository.Store, id string) model.CalculationRecord {
	rec, err := s.GetRecord(ctx, id)
	So(err, ShouldBeNil)
	rec.Status = model.StatusTallying
	So(s.UpdateRecord(ctx, rec), ShouldBeNil)
	return rec
}

// StoreContract exercises the Store invariants against fresh stores from newStore.
func StoreContract(t *testing.T, newStore func() repository.Store) {
	ctx := context.Background()

	Convey("Given an empty store", t, func() {
		s := newStore()
		defer s.Close()

		Convey("Then lookups report not found", func() {
			_, err := s.GetRecord(ctx, "nope")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.LatestRecord(ctx, "d1")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.FinalRecord(ctx, "d1")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.Ballots(ctx, "nope")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.Result(ctx, "nope")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(s.UpdateRecord(ctx, NewRecord("nope", "d1", 0)), repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Then malformed records are refused", func() {
			bad := NewRecord("", "d1", 0)
			So(errors.Is(s.CreateRecord(ctx, bad), repository.ErrInvalidRecord), ShouldBeTrue)
			done := NewRecord("r0", "d1", 0)
			done.Status = model.StatusCompleted
			So(errors.Is(s.CreateRecord(ctx, done), repository.ErrInvalidRecord), ShouldBeTrue)
		})

		Convey("When a record is created", func() {
			So(s.CreateRecord(ctx, NewRecord("r1", "d1", 0)), ShouldBeNil)

			Convey("Then a second in-flight record for the decision is rejected", func() {
				err := s.CreateRecord(ctx, NewRecord("r2", "d1", time.Minute))
				So(errors.Is(err, repository.ErrInFlight), ShouldBeTrue)
			})

			Convey("Then other decisions are independent", func() {
				So(s.CreateRecord(ctx, NewRecord("r3", "d2", 0)), ShouldBeNil)
			})

			Convey("Then the id cannot be reused", func() {
				err := s.CreateRecord(ctx, NewRecord("r1", "d9", 0))
				So(err, ShouldNotBeNil)
			})

			Convey("And it advances through the phases", func() {
				rec, err := s.GetRecord(ctx, "r1")
				So(err, ShouldBeNil)
				snapAt := base.Add(time.Second)
				rec.Status = model.StatusStaging
				rec.SnapshotAt = &snapAt
				rec.UpdatedAt = base.Add(2 * time.Second)
				rec.Errors = []model.ErrorEntry{{Status: model.StatusReady, Kind: "note", Message: "m", At: snapAt}}
				So(s.UpdateRecord(ctx, rec), ShouldBeNil)

				got, err := s.GetRecord(ctx, "r1")
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusStaging)
				So(got.SnapshotAt.Equal(snapAt), ShouldBeTrue)
				So(len(got.Errors), ShouldEqual, 1)
				So(got.Errors[0].Message, ShouldEqual, "m")
				So(got.Final, ShouldBeFalse)
			})

			Convey("And its outputs are saved", func() {
				ballots := []model.EffectiveBallot{
					{DecisionID: "d1", MemberID: "y", Voting: true, Scores: model.Scores{"A": decimal.RequireFromString("3.5")}, Source: model.SourceDirect},
					{DecisionID: "d1", MemberID: "x", Voting: false, Scores: model.Scores{"A": decimal.RequireFromString("3.5")}, Source: model.SourceCalculated, Path: []model.MemberID{"y"}, Sources: []model.MemberID{"y"}},
				}
				So(s.SaveBallots(ctx, "r1", ballots), ShouldBeNil)
				res := model.TallyResult{DecisionID: "d1", Ballots: 1, Winner: "A", Finalists: []model.ChoiceID{"A"}, Audit: []string{"a", "b"},
					Scores: []model.ChoiceScore{{ChoiceID: "A", Average: decimal.RequireFromString("3.5"), Ballots: 1}}}
				So(s.SaveResult(ctx, "r1", res), ShouldBeNil)

				Convey("Then they read back in member order", func() {
					got, err := s.Ballots(ctx, "r1")
					So(err, ShouldBeNil)
					So(len(got), ShouldEqual, 2)
					So(got[0].MemberID, ShouldEqual, model.MemberID("x"))
					So(got[0].Path, ShouldResemble, []model.MemberID{"y"})
					So(got[0].Source, ShouldEqual, model.SourceCalculated)
					So(got[0].Voting, ShouldBeFalse)
					So(got[1].Scores["A"].Equal(decimal.RequireFromString("3.5")), ShouldBeTrue)

					r, err := s.Result(ctx, "r1")
					So(err, ShouldBeNil)
					So(r.Winner, ShouldEqual, model.ChoiceID("A"))
					So(r.Audit, ShouldResemble, []string{"a", "b"})
					So(r.Scores[0].Average.Equal(decimal.RequireFromString("3.5")), ShouldBeTrue)
				})

				Convey("Then saving again replaces them", func() {
					So(s.SaveBallots(ctx, "r1", ballots[:1]), ShouldBeNil)
					got, err := s.Ballots(ctx, "r1")
					So(err, ShouldBeNil)
					So(len(got), ShouldEqual, 1)
				})
			})

			Convey("And it completes", func() {
				rec := ToTallying(ctx, s, "r1")
				rec.Status = model.StatusCompleted
				So(s.CompleteRecord(ctx, rec), ShouldBeNil)

				Convey("Then it is the final record and a new run may start", func() {
					fin, err := s.FinalRecord(ctx, "d1")
					So(err, ShouldBeNil)
					So(fin.ID, ShouldEqual, "r1")
					So(s.CreateRecord(ctx, NewRecord("r2", "d1", time.Minute)), ShouldBeNil)

					latest, err := s.LatestRecord(ctx, "d1")
					So(err, ShouldBeNil)
					So(latest.ID, ShouldEqual, "r2")
				})

				Convey("Then a later completion takes over the final flag", func() {
					So(s.CreateRecord(ctx, NewRecord("r2", "d1", time.Minute)), ShouldBeNil)
					r2 := ToTallying(ctx, s, "r2")
					r2.Status = model.StatusCompleted
					So(s.CompleteRecord(ctx, r2), ShouldBeNil)

					fin, err := s.FinalRecord(ctx, "d1")
					So(err, ShouldBeNil)
					So(fin.ID, ShouldEqual, "r2")
					old, _ := s.GetRecord(ctx, "r1")
					So(old.Final, ShouldBeFalse)

					all, err := s.ListRecords(ctx)
					So(err, ShouldBeNil)
					finals := 0
					for _, r := range all {
						if r.Final {
							finals++
						}
					}
					So(finals, ShouldEqual, 1)
				})

				Convey("Then it accepts no further writes", func() {
					rec.Final = false
					So(errors.Is(s.UpdateRecord(ctx, rec), repository.ErrStatusConflict), ShouldBeTrue)
					rec.Status = model.StatusFailedTallying
					So(errors.Is(s.UpdateRecord(ctx, rec), repository.ErrStatusConflict), ShouldBeTrue)
					rec.Status = model.StatusCompleted
					So(errors.Is(s.CompleteRecord(ctx, rec), repository.ErrStatusConflict), ShouldBeTrue)
					got, _ := s.GetRecord(ctx, "r1")
					So(got.Status, ShouldEqual, model.StatusCompleted)
					So(got.Final, ShouldBeTrue)
				})

				Convey("Then it cannot be reacquired", func() {
					_, err := s.ReacquireRecord(ctx, "r1")
					So(errors.Is(err, repository.ErrNotRetryable), ShouldBeTrue)
				})
			})

			Convey("Then completing with a non-completed status is refused", func() {
				rec, _ := s.GetRecord(ctx, "r1")
				So(s.CompleteRecord(ctx, rec), ShouldNotBeNil)
			})

			Convey("Then it cannot complete before tallying", func() {
				rec, _ := s.GetRecord(ctx, "r1")
				rec.Status = model.StatusCompleted
				So(errors.Is(s.CompleteRecord(ctx, rec), repository.ErrStatusConflict), ShouldBeTrue)
				_, err := s.FinalRecord(ctx, "d1")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("And it is marked corrupted", func() {
				stale := ToTallying(ctx, s, "r1")
				corrupted := stale
				corrupted.Status = model.StatusCorrupted
				So(s.UpdateRecord(ctx, corrupted), ShouldBeNil)

				Convey("Then it cannot be advanced or completed", func() {
					stale.Status = model.StatusReady
					So(errors.Is(s.UpdateRecord(ctx, stale), repository.ErrStatusConflict), ShouldBeTrue)
					stale.Status = model.StatusCompleted
					So(errors.Is(s.CompleteRecord(ctx, stale), repository.ErrStatusConflict), ShouldBeTrue)
					stale.Status = model.StatusFailedTallying
					So(errors.Is(s.UpdateRecord(ctx, stale), repository.ErrStatusConflict), ShouldBeTrue)

					got, err := s.GetRecord(ctx, "r1")
					So(err, ShouldBeNil)
					So(got.Status, ShouldEqual, model.StatusCorrupted)
					So(got.Final, ShouldBeFalse)
					_, err = s.FinalRecord(ctx, "d1")
					So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				})
			})

			Convey("And it fails", func() {
				rec, _ := s.GetRecord(ctx, "r1")
				rec.Status = model.StatusFailedStaging
				rec.Retries = 1
				So(s.UpdateRecord(ctx, rec), ShouldBeNil)

				Convey("Then it may be annotated but not moved", func() {
					rec.Errors = []model.ErrorEntry{{Status: model.StatusFailedStaging, Kind: "note", Message: "m", At: base}}
					So(s.UpdateRecord(ctx, rec), ShouldBeNil)
					rec.Status = model.StatusCreating
					So(errors.Is(s.UpdateRecord(ctx, rec), repository.ErrStatusConflict), ShouldBeTrue)
					got, _ := s.GetRecord(ctx, "r1")
					So(got.Status, ShouldEqual, model.StatusFailedStaging)
					So(len(got.Errors), ShouldEqual, 1)
				})

				Convey("Then it can be reacquired for a retry", func() {
					got, err := s.ReacquireRecord(ctx, "r1")
					So(err, ShouldBeNil)
					So(got.Status, ShouldEqual, model.StatusCreating)
					So(got.Retries, ShouldEqual, 1)

					_, err = s.ReacquireRecord(ctx, "r1")
					So(errors.Is(err, repository.ErrNotRetryable), ShouldBeTrue)
				})

				Convey("Then a fresh run blocks the retry", func() {
					So(s.CreateRecord(ctx, NewRecord("r2", "d1", time.Minute)), ShouldBeNil)
					_, err := s.ReacquireRecord(ctx, "r1")
					So(errors.Is(err, repository.ErrInFlight), ShouldBeTrue)
				})

				Convey("Then it is listed by status", func() {
					failed, err := s.ListRecords(ctx, model.FailedStatuses...)
					So(err, ShouldBeNil)
					So(len(failed), ShouldEqual, 1)
					So(failed[0].ID, ShouldEqual, "r1")
					inflight, err := s.ListRecords(ctx, model.InFlightStatuses...)
					So(err, ShouldBeNil)
					So(inflight, ShouldBeEmpty)
				})
			})
		})

		Convey("When many callers race to start the same decision", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := s.CreateRecord(ctx, NewRecord(string(rune('a'+i)), "race", time.Duration(i)))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one wins", func() {
				So(wins, ShouldEqual, 1)
			})
		})
	})
}

func score(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DirectoryContract exercises Directory reads and writes against fresh
// directories from newDir.
func DirectoryContract(t *testing.T, newDir func() repository.Directory) {
	ctx := context.Background()

	Convey("Given a populated directory", t, func() {
		d := newDir()
		defer d.Close()

		So(d.PutMember(ctx, "c1", model.Member{ID: "x", Voting: true}), ShouldBeNil)
		So(d.PutMember(ctx, "c1", model.Member{ID: "y", Voting: true}), ShouldBeNil)
		So(d.PutMember(ctx, "c1", model.Member{ID: "lob", Voting: false}), ShouldBeNil)
		So(d.PutMember(ctx, "c2", model.Member{ID: "other", Voting: true}), ShouldBeNil)
		So(d.PutFollow(ctx, "c1", model.FollowEdge{Follower: "x", Followee: "y", Tags: []model.Tag{"ALL"}, Priority: 1}), ShouldBeNil)
		So(d.PutFollow(ctx, "c1", model.FollowEdge{Follower: "x", Followee: "lob", Tags: []model.Tag{"budget"}, Priority: 0}), ShouldBeNil)
		closes := base.Add(48 * time.Hour)
		So(d.PutDecision(ctx, model.Decision{ID: "d1", CommunityID: "c1", Choices: []model.Choice{{ID: "A", Label: "Alpha"}, {ID: "B"}}, Tags: []model.Tag{"budget"}, ClosesAt: &closes}), ShouldBeNil)
		So(d.PutDecision(ctx, model.Decision{ID: "d2", CommunityID: "c1", Choices: []model.Choice{{ID: "A"}}, Status: model.DecisionClosed}), ShouldBeNil)
		So(d.PutDecision(ctx, model.Decision{ID: "d3", CommunityID: "c2", Choices: []model.Choice{{ID: "A"}}}), ShouldBeNil)
		So(d.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "y", Scores: model.Scores{"A": score("3"), "B": score("5")}, CastAt: base}), ShouldBeNil)
		So(d.CastBallot(ctx, model.RawBallot{DecisionID: "d2", VoterID: "y", Scores: model.Scores{"A": score("1")}, CastAt: base}), ShouldBeNil)

		Convey("Then a decision capture holds the community and that decision only", func() {
			c, err := d.Capture(ctx, "c1", "d1")
			So(err, ShouldBeNil)
			So(len(c.Members), ShouldEqual, 3)
			So(len(c.Follows), ShouldEqual, 2)
			So(len(c.Decisions), ShouldEqual, 1)
			So(c.Decisions[0].Choices[0].Label, ShouldEqual, "Alpha")
			So(c.Decisions[0].Status, ShouldEqual, model.DecisionOpen)
			So(c.Decisions[0].ClosesAt.Equal(closes), ShouldBeTrue)
			So(len(c.Ballots), ShouldEqual, 1)
			So(c.Ballots[0].Scores["B"].Equal(score("5")), ShouldBeTrue)
			So(c.ReadAt.IsZero(), ShouldBeFalse)

			var lob model.Member
			for _, m := range c.Members {
				if m.ID == "lob" {
					lob = m
				}
			}
			So(lob.Voting, ShouldBeFalse)
			for _, e := range c.Follows {
				if e.Followee == "y" {
					So(e.AllTopics(), ShouldBeTrue)
					So(e.Priority, ShouldEqual, 1)
				}
			}
		})

		Convey("Then a community capture holds all its decisions", func() {
			c, err := d.Capture(ctx, "c1", "")
			So(err, ShouldBeNil)
			So(len(c.Decisions), ShouldEqual, 2)
			So(len(c.Ballots), ShouldEqual, 2)
		})

		Convey("Then decisions are listed per community", func() {
			ds, err := d.Decisions(ctx, "c1")
			So(err, ShouldBeNil)
			So(len(ds), ShouldEqual, 2)
			So(ds[0].ID, ShouldEqual, model.DecisionID("d1"))
			So(ds[1].Status, ShouldEqual, model.DecisionClosed)

			one, err := d.Decision(ctx, "d3")
			So(err, ShouldBeNil)
			So(one.CommunityID, ShouldEqual, model.CommunityID("c2"))
			_, err = d.Decision(ctx, "nope")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When ballots and edges change", func() {
			So(d.CastBallot(ctx, model.RawBallot{DecisionID: "d1", VoterID: "y", Scores: model.Scores{"A": score("1")}, CastAt: base.Add(time.Minute)}), ShouldBeNil)
			So(d.RetractBallot(ctx, "d2", "y"), ShouldBeNil)
			So(d.PutFollow(ctx, "c1", model.FollowEdge{Follower: "x", Followee: "y", Tags: []model.Tag{"tax"}, Priority: 3}), ShouldBeNil)
			So(d.RemoveFollow(ctx, "c1", "x", "lob"), ShouldBeNil)
			So(d.RemoveMember(ctx, "c1", "lob"), ShouldBeNil)

			Convey("Then the next capture reflects them", func() {
				c, err := d.Capture(ctx, "c1", "")
				So(err, ShouldBeNil)
				So(len(c.Ballots), ShouldEqual, 1)
				So(c.Ballots[0].Scores["A"].Equal(score("1")), ShouldBeTrue)
				So(len(c.Members), ShouldEqual, 2)
				So(len(c.Follows), ShouldEqual, 1)
				So(c.Follows[0].Tags, ShouldResemble, []model.Tag{"tax"})
				So(c.Follows[0].Priority, ShouldEqual, 3)
			})
		})

		Convey("Then bad mutations are refused", func() {
			So(errors.Is(d.CastBallot(ctx, model.RawBallot{DecisionID: "ghost", VoterID: "x"}), repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(d.RetractBallot(ctx, "d1", "x"), repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(d.RemoveFollow(ctx, "c1", "y", "x"), repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(d.RemoveMember(ctx, "c1", "ghost"), repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

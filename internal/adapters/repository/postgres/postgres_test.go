package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/adapters/repository/repotest"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

// dsnEnv names a disposable database for the integration suites.
const dsnEnv = "LIQUID_TEST_POSTGRES_DSN"

func TestModels(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	Convey("Given a calculation record", t, func() {
		rec := model.CalculationRecord{
			ID: "r1", DecisionID: "d1", CommunityID: "c1", Status: model.StatusFailedTallying,
			Errors:    []model.ErrorEntry{{Status: model.StatusTallying, Kind: "tallying-error", Message: "boom", At: at}},
			Retries:   2,
			CreatedAt: at, UpdatedAt: at, SnapshotAt: &at,
		}

		Convey("Then it survives the row mapping in UTC", func() {
			row, err := recordModelFromEntity(rec)
			So(err, ShouldBeNil)
			So(row.Status, ShouldEqual, "failed-tallying")
			So(row.CreatedAt.Location(), ShouldEqual, time.UTC)

			back, err := row.toEntity()
			So(err, ShouldBeNil)
			So(back.Retries, ShouldEqual, 2)
			So(back.Errors[0].Message, ShouldEqual, "boom")
			So(back.SnapshotAt.Equal(at), ShouldBeTrue)
			So(back.CompletedAt, ShouldBeNil)
		})

		Convey("Then an empty error log is stored as an empty array", func() {
			rec.Errors = nil
			row, err := recordModelFromEntity(rec)
			So(err, ShouldBeNil)
			So(row.ErrorsJSON, ShouldEqual, "[]")
			back, _ := row.toEntity()
			So(back.Errors, ShouldBeNil)
		})
	})

	Convey("Given directory entities", t, func() {
		Convey("Then decisions default to open with empty sets", func() {
			row, err := decisionModelFromEntity(model.Decision{ID: "d1", CommunityID: "c1"})
			So(err, ShouldBeNil)
			So(row.Status, ShouldEqual, "open")
			So(row.ChoicesJSON, ShouldEqual, "[]")
			So(row.TagsJSON, ShouldEqual, "[]")
		})

		Convey("Then follow tags and ballot scores round-trip", func() {
			f, err := followModelFromEntity("c1", model.FollowEdge{Follower: "x", Followee: "y", Tags: []model.Tag{"ALL"}, Priority: 2})
			So(err, ShouldBeNil)
			e, err := f.toEntity()
			So(err, ShouldBeNil)
			So(e.AllTopics(), ShouldBeTrue)
			So(e.Priority, ShouldEqual, 2)

			b, err := rawBallotModelFromEntity(model.RawBallot{DecisionID: "d1", VoterID: "x", Scores: model.Scores{"A": decimal.RequireFromString("2.5")}, CastAt: at})
			So(err, ShouldBeNil)
			rb, err := b.toEntity()
			So(err, ShouldBeNil)
			So(rb.Scores["A"].String(), ShouldEqual, "2.5")
			So(rb.CastAt.Equal(at), ShouldBeTrue)
		})

		Convey("Then corrupt JSON is reported", func() {
			_, err := decisionModel{ID: "d1", ChoicesJSON: "{", TagsJSON: "[]"}.toEntity()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestConflicts(t *testing.T) {
	Convey("Given unique violations from PostgreSQL", t, func() {
		pk := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "calculation_records_pkey"})
		inflight := &pgconn.PgError{Code: "23505", ConstraintName: "idx_records_one_in_flight"}
		other := &pgconn.PgError{Code: "23503"}

		So(isUniqueViolation(pk), ShouldBeTrue)
		So(isUniqueViolation(inflight), ShouldBeTrue)
		So(isUniqueViolation(other), ShouldBeFalse)
		So(isUniqueViolation(errors.New("plain")), ShouldBeFalse)
		So(conflictKind(pk), ShouldEqual, repository.ErrDuplicateID)
		So(conflictKind(inflight), ShouldEqual, repository.ErrInFlight)
	})

	Convey("Given no DSN", t, func() {
		_, err := Connect(context.Background(), "")
		So(errors.Is(err, ErrMissingDSN), ShouldBeTrue)
	})
}

func connectForTest(t *testing.T) *DB {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	d, err := Connect(context.Background(), dsn, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err = d.db.Exec(`TRUNCATE effective_ballots, tally_results, calculation_records,
		members, follows, decisions, raw_ballots`).Error
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return d
}

func TestStoreIntegration(t *testing.T) {
	if os.Getenv(dsnEnv) == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	repotest.StoreContract(t, func() repository.Store { return connectForTest(t) })
}

func TestDirectoryIntegration(t *testing.T) {
	if os.Getenv(dsnEnv) == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	repotest.DirectoryContract(t, func() repository.Directory { return connectForTest(t) })
}

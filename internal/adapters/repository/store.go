// Package repository defines the persistence contracts of the engine: the
// calculation store and the collaborator directory, plus in-memory
// implementations of both.
package repository

import (
	"context"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
)

// Store persists calculation records and their outputs.
//
// The store owns the two per-decision invariants: at most one in-flight
// record, and at most one final record. Both are enforced atomically.
type Store interface {
	// CreateRecord inserts a new record. It returns ErrInFlight when the
	// decision already has a non-terminal record.
	CreateRecord(ctx context.Context, rec model.CalculationRecord) error

	// UpdateRecord overwrites status, errors, retries and timestamps of an
	// existing record. The final flag is never changed here. Only in-flight
	// records may change status; a failed record may be annotated in place.
	// Anything else returns ErrStatusConflict.
	UpdateRecord(ctx context.Context, rec model.CalculationRecord) error

	// ReacquireRecord moves a failed record back to creating for a retry.
	// It returns ErrNotRetryable for a record that is not failed and
	// ErrInFlight when another run of the decision is in flight.
	ReacquireRecord(ctx context.Context, id string) (model.CalculationRecord, error)

	// CompleteRecord stores rec as completed and marks it the decision's
	// final record, clearing the flag on any previous one. The stored record
	// must be tallying, otherwise ErrStatusConflict is returned.
	CompleteRecord(ctx context.Context, rec model.CalculationRecord) error

	// GetRecord returns a record by id, or ErrNotFound.
	GetRecord(ctx context.Context, id string) (model.CalculationRecord, error)

	// LatestRecord returns the most recently created record of a decision.
	LatestRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error)

	// FinalRecord returns the decision's final record, or ErrNotFound.
	FinalRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error)

	// ListRecords returns records in creation order, restricted to the given
	// statuses when any are passed.
	ListRecords(ctx context.Context, statuses ...model.Status) ([]model.CalculationRecord, error)

	// SaveBallots replaces the effective ballots persisted for a record.
	SaveBallots(ctx context.Context, recordID string, ballots []model.EffectiveBallot) error

	// Ballots returns the effective ballots of a record in member order.
	Ballots(ctx context.Context, recordID string) ([]model.EffectiveBallot, error)

	// SaveResult replaces the tally result persisted for a record.
	SaveResult(ctx context.Context, recordID string, result model.TallyResult) error

	// Result returns the tally result of a record.
	Result(ctx context.Context, recordID string) (model.TallyResult, error)

	Close() error
}

// Directory is the mutable collaborator state: roster, follow edges,
// decisions and raw ballots. The engine itself only reads it through the
// embedded snapshot.Source; mutations come from collaborators, fixtures and
// tests.
type Directory interface {
	snapshot.Source

	PutMember(ctx context.Context, community model.CommunityID, m model.Member) error
	RemoveMember(ctx context.Context, community model.CommunityID, id model.MemberID) error

	// PutFollow inserts or replaces the edge between follower and followee.
	PutFollow(ctx context.Context, community model.CommunityID, e model.FollowEdge) error
	RemoveFollow(ctx context.Context, community model.CommunityID, follower, followee model.MemberID) error

	PutDecision(ctx context.Context, d model.Decision) error

	// CastBallot inserts or replaces a voter's raw ballot. The decision must exist.
	CastBallot(ctx context.Context, b model.RawBallot) error
	RetractBallot(ctx context.Context, decision model.DecisionID, voter model.MemberID) error

	Close() error
}

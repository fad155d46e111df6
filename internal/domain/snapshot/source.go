// Package snapshot captures an immutable point-in-time view of a community's
// roster, follow graph and raw ballots.
package snapshot

import (
	"context"
	"time"

	"github.com/okian/liquid/internal/domain/model"
)

// Capture is the raw material read by a Source inside one atomic read.
// It is owned by the Builder once returned.
type Capture struct {
	Members   []model.Member
	Follows   []model.FollowEdge
	Ballots   []model.RawBallot
	Decisions []model.Decision
	ReadAt    time.Time
}

// Source is the read-only view of the collaborator-owned community state.
type Source interface {
	// Capture reads roster, follow edges, decisions and raw ballots inside a
	// single atomic read. When decision is empty, every decision of the
	// community and all of their ballots are captured.
	Capture(ctx context.Context, community model.CommunityID, decision model.DecisionID) (Capture, error)

	// Decision returns one decision's metadata.
	Decision(ctx context.Context, id model.DecisionID) (model.Decision, error)

	// Decisions lists every decision of a community.
	Decisions(ctx context.Context, community model.CommunityID) ([]model.Decision, error)
}

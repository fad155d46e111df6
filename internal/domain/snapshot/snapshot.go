package snapshot

import (
	"sort"
	"time"

	"github.com/okian/liquid/internal/domain/model"
)

// Edge is one outgoing follow edge in index space.
type Edge struct {
	Followee int
	Tags     []model.Tag
	All      bool
	Priority int
}

// AppliesTo reports whether the edge qualifies for a decision with the given tags.
func (e Edge) AppliesTo(tags []model.Tag) bool {
	if e.All {
		return true
	}
	for _, t := range e.Tags {
		for _, dt := range tags {
			if t == dt {
				return true
			}
		}
	}
	return false
}

// Snapshot is an immutable view of one community. Members are addressed by
// dense integer indices assigned in ascending identifier order; every
// accessor returns copies so callers cannot reach internal state.
type Snapshot struct {
	community model.CommunityID
	takenAt   time.Time

	members []model.Member
	index   map[model.MemberID]int
	// adj[i] holds member i's outgoing edges sorted by priority then followee.
	adj [][]Edge

	decisions map[model.DecisionID]model.Decision
	// ballots[decision][member index]
	ballots map[model.DecisionID]map[int]model.Scores

	edgeCount int
	warnings  []string
}

// Community returns the community the snapshot belongs to.
func (s *Snapshot) Community() model.CommunityID { return s.community }

// TakenAt returns the instant of the atomic read.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the roster size.
func (s *Snapshot) Len() int { return len(s.members) }

// EdgeCount returns the number of valid follow edges.
func (s *Snapshot) EdgeCount() int { return s.edgeCount }

// Member returns the member at index i.
func (s *Snapshot) Member(i int) model.Member { return s.members[i] }

// Members returns the roster in index order.
func (s *Snapshot) Members() []model.Member {
	return append([]model.Member(nil), s.members...)
}

// Index returns the dense index of a member.
func (s *Snapshot) Index(id model.MemberID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// Edges returns member i's outgoing edges in priority order.
func (s *Snapshot) Edges(i int) []Edge {
	src := s.adj[i]
	out := make([]Edge, len(src))
	for k, e := range src {
		e.Tags = append([]model.Tag(nil), e.Tags...)
		out[k] = e
	}
	return out
}

// Decision returns a copy of a captured decision.
func (s *Snapshot) Decision(id model.DecisionID) (model.Decision, bool) {
	d, ok := s.decisions[id]
	if !ok {
		return model.Decision{}, false
	}
	return d.Clone(), true
}

// DecisionIDs returns the captured decision identifiers in ascending order.
func (s *Snapshot) DecisionIDs() []model.DecisionID {
	ids := make([]model.DecisionID, 0, len(s.decisions))
	for id := range s.decisions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ballot returns the raw ballot member i cast on a decision.
func (s *Snapshot) Ballot(decision model.DecisionID, i int) (model.Scores, bool) {
	b, ok := s.ballots[decision][i]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// BallotCount returns how many raw ballots were captured for a decision.
func (s *Snapshot) BallotCount(decision model.DecisionID) int {
	return len(s.ballots[decision])
}

// Warnings returns the non-fatal validation findings.
func (s *Snapshot) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
)

// MemoryDirectory is an in-process Directory. Capture holds the read lock
// for the whole read, so a capture never observes a partial mutation.
type MemoryDirectory struct {
	mu          sync.RWMutex
	communities map[model.CommunityID]*community
	decisions   map[model.DecisionID]model.Decision
	ballots     map[model.DecisionID]map[model.MemberID]model.RawBallot
	now         func() time.Time
}

type followKey struct {
	follower, followee model.MemberID
}

type community struct {
	members map[model.MemberID]model.Member
	follows map[followKey]model.FollowEdge
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory(opts ...DirectoryOption) *MemoryDirectory {
	d := &MemoryDirectory{
		communities: make(map[model.CommunityID]*community),
		decisions:   make(map[model.DecisionID]model.Decision),
		ballots:     make(map[model.DecisionID]map[model.MemberID]model.RawBallot),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ Directory = (*MemoryDirectory)(nil)

func (d *MemoryDirectory) communityLocked(id model.CommunityID) *community {
	c, ok := d.communities[id]
	if !ok {
		c = &community{
			members: make(map[model.MemberID]model.Member),
			follows: make(map[followKey]model.FollowEdge),
		}
		d.communities[id] = c
	}
	return c
}

// Capture implements snapshot.Source.
func (d *MemoryDirectory) Capture(ctx context.Context, communityID model.CommunityID, decision model.DecisionID) (snapshot.Capture, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Capture{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := snapshot.Capture{ReadAt: d.now()}
	if c, ok := d.communities[communityID]; ok {
		for _, m := range c.members {
			out.Members = append(out.Members, m)
		}
		for _, e := range c.follows {
			e.Tags = append([]model.Tag(nil), e.Tags...)
			out.Follows = append(out.Follows, e)
		}
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].ID < out.Members[j].ID })
	SortFollows(out.Follows)

	var ids []model.DecisionID
	if decision != "" {
		if dec, ok := d.decisions[decision]; ok {
			out.Decisions = append(out.Decisions, dec.Clone())
			ids = append(ids, decision)
		}
	} else {
		for _, dec := range d.decisions {
			if dec.CommunityID == communityID {
				out.Decisions = append(out.Decisions, dec.Clone())
				ids = append(ids, dec.ID)
			}
		}
		sort.Slice(out.Decisions, func(i, j int) bool { return out.Decisions[i].ID < out.Decisions[j].ID })
	}
	for _, id := range ids {
		for _, b := range d.ballots[id] {
			out.Ballots = append(out.Ballots, b.Clone())
		}
	}
	SortRawBallots(out.Ballots)
	return out, nil
}

// Decision implements snapshot.Source.
func (d *MemoryDirectory) Decision(ctx context.Context, id model.DecisionID) (model.Decision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dec, ok := d.decisions[id]
	if !ok {
		return model.Decision{}, fmt.Errorf("%w: decision %s", ErrNotFound, id)
	}
	return dec.Clone(), nil
}

// Decisions implements snapshot.Source.
func (d *MemoryDirectory) Decisions(ctx context.Context, communityID model.CommunityID) ([]model.Decision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []model.Decision
	for _, dec := range d.decisions {
		if dec.CommunityID == communityID {
			out = append(out, dec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) PutMember(ctx context.Context, communityID model.CommunityID, m model.Member) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty member id", ErrInvalidRecord)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.communityLocked(communityID).members[m.ID] = m
	return nil
}

// RemoveMember drops a roster entry. Edges that reference the member are
// left to the collaborator; the snapshot builder discards them with a warning.
func (d *MemoryDirectory) RemoveMember(ctx context.Context, communityID model.CommunityID, id model.MemberID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.communities[communityID]
	if !ok {
		return fmt.Errorf("%w: community %s", ErrNotFound, communityID)
	}
	if _, ok := c.members[id]; !ok {
		return fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	delete(c.members, id)
	return nil
}

func (d *MemoryDirectory) PutFollow(ctx context.Context, communityID model.CommunityID, e model.FollowEdge) error {
	if e.Follower == "" || e.Followee == "" {
		return fmt.Errorf("%w: follow edge needs both ends", ErrInvalidRecord)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Tags = append([]model.Tag(nil), e.Tags...)
	d.communityLocked(communityID).follows[followKey{e.Follower, e.Followee}] = e
	return nil
}

func (d *MemoryDirectory) RemoveFollow(ctx context.Context, communityID model.CommunityID, follower, followee model.MemberID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.communities[communityID]
	if !ok {
		return fmt.Errorf("%w: community %s", ErrNotFound, communityID)
	}
	k := followKey{follower, followee}
	if _, ok := c.follows[k]; !ok {
		return fmt.Errorf("%w: follow %s -> %s", ErrNotFound, follower, followee)
	}
	delete(c.follows, k)
	return nil
}

func (d *MemoryDirectory) PutDecision(ctx context.Context, dec model.Decision) error {
	if dec.ID == "" || dec.CommunityID == "" {
		return fmt.Errorf("%w: decision needs id and community", ErrInvalidRecord)
	}
	if dec.Status == "" {
		dec.Status = model.DecisionOpen
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions[dec.ID] = dec.Clone()
	return nil
}

func (d *MemoryDirectory) CastBallot(ctx context.Context, b model.RawBallot) error {
	if b.VoterID == "" {
		return fmt.Errorf("%w: empty voter id", ErrInvalidRecord)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.decisions[b.DecisionID]; !ok {
		return fmt.Errorf("%w: decision %s", ErrNotFound, b.DecisionID)
	}
	if b.CastAt.IsZero() {
		b.CastAt = d.now()
	}
	byVoter, ok := d.ballots[b.DecisionID]
	if !ok {
		byVoter = make(map[model.MemberID]model.RawBallot)
		d.ballots[b.DecisionID] = byVoter
	}
	byVoter[b.VoterID] = b.Clone()
	return nil
}

func (d *MemoryDirectory) RetractBallot(ctx context.Context, decision model.DecisionID, voter model.MemberID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ballots[decision][voter]; !ok {
		return fmt.Errorf("%w: ballot of %s on %s", ErrNotFound, voter, decision)
	}
	delete(d.ballots[decision], voter)
	return nil
}

// Close is a no-op.
func (d *MemoryDirectory) Close() error { return nil }

// SortFollows orders edges by follower, then priority, then followee.
func SortFollows(edges []model.FollowEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Follower != b.Follower {
			return a.Follower < b.Follower
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Followee < b.Followee
	})
}

// SortRawBallots orders ballots by decision, then voter.
func SortRawBallots(ballots []model.RawBallot) {
	sort.Slice(ballots, func(i, j int) bool {
		if ballots[i].DecisionID != ballots[j].DecisionID {
			return ballots[i].DecisionID < ballots[j].DecisionID
		}
		return ballots[i].VoterID < ballots[j].VoterID
	})
}

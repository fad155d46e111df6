package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
)

// DefaultTimeout bounds the atomic read when no option overrides it.
const DefaultTimeout = 30 * time.Second

// Builder turns one atomic Source read into a validated Snapshot.
type Builder struct {
	source  Source
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

// NewBuilder creates a Builder reading from src.
func NewBuilder(src Source, opts ...Option) *Builder {
	b := &Builder{
		source:  src,
		timeout: DefaultTimeout,
		logger:  logger.Get().Named("snapshot"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build captures the community state. When decision is non-empty the
// snapshot is scoped to that decision, which must exist and have choices.
// Every failure wraps model.ErrSnapshotCreation.
func (b *Builder) Build(ctx context.Context, community model.CommunityID, decision model.DecisionID) (*Snapshot, error) {
	if b.source == nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSnapshotCreation, ErrNilSource)
	}

	readCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := b.now()
	c, err := b.source.Capture(readCtx, community, decision)
	if err != nil {
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w after %s: %w", model.ErrSnapshotCreation, ErrTimeout, b.timeout, err)
		}
		return nil, fmt.Errorf("%w: capture community %s: %w", model.ErrSnapshotCreation, community, err)
	}
	// A source that ignores ctx must still not produce a late snapshot.
	if readCtx.Err() != nil {
		return nil, fmt.Errorf("%w: %w after %s", model.ErrSnapshotCreation, ErrTimeout, b.timeout)
	}
	if c.ReadAt.IsZero() {
		c.ReadAt = start
	}

	snap, err := b.assemble(community, decision, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSnapshotCreation, err)
	}

	for _, w := range snap.warnings {
		b.logger.Warn(ctx, "snapshot validation warning",
			logger.String("community", string(community)),
			logger.String("warning", w))
	}
	metrics.UpdateSnapshotSize(snap.Len(), snap.EdgeCount())
	metrics.RecordSnapshotWarnings(len(snap.warnings))
	b.logger.Debug(ctx, "snapshot built",
		logger.String("community", string(community)),
		logger.Int("members", snap.Len()),
		logger.Int("edges", snap.EdgeCount()),
		logger.Int("decisions", len(snap.decisions)),
		logger.Duration("took", b.now().Sub(start)))
	return snap, nil
}

// assemble validates c and copies it into index space. Nothing in the
// returned snapshot aliases c.
func (b *Builder) assemble(community model.CommunityID, decision model.DecisionID, c Capture) (*Snapshot, error) {
	s := &Snapshot{
		community: community,
		takenAt:   c.ReadAt,
		index:     make(map[model.MemberID]int, len(c.Members)),
		decisions: make(map[model.DecisionID]model.Decision, len(c.Decisions)),
		ballots:   make(map[model.DecisionID]map[int]model.Scores),
	}

	members := make([]model.Member, 0, len(c.Members))
	seen := make(map[model.MemberID]bool, len(c.Members))
	for _, m := range c.Members {
		if m.ID == "" {
			s.warn("roster entry with empty member id dropped")
			continue
		}
		if seen[m.ID] {
			s.warn(fmt.Sprintf("duplicate roster entry %s dropped", m.ID))
			continue
		}
		seen[m.ID] = true
		members = append(members, m)
	}
	if len(members) == 0 {
		return nil, ErrEmptyRoster
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	s.members = members
	for i, m := range members {
		s.index[m.ID] = i
	}

	s.adj = make([][]Edge, len(members))
	type pair struct{ from, to int }
	dup := make(map[pair]bool, len(c.Follows))
	for _, f := range c.Follows {
		from, okFrom := s.index[f.Follower]
		to, okTo := s.index[f.Followee]
		switch {
		case !okFrom:
			s.warn(fmt.Sprintf("follow edge %s->%s dropped: follower is not a member", f.Follower, f.Followee))
			continue
		case !okTo:
			s.warn(fmt.Sprintf("follow edge %s->%s dropped: followee is not a member", f.Follower, f.Followee))
			continue
		case from == to:
			s.warn(fmt.Sprintf("follow edge %s->%s dropped: self-follow", f.Follower, f.Followee))
			continue
		}
		if dup[pair{from, to}] {
			// Merge tag sets of repeated edges; keep the better priority.
			for k := range s.adj[from] {
				e := &s.adj[from][k]
				if e.Followee != to {
					continue
				}
				e.All = e.All || f.AllTopics()
				e.Tags = mergeTags(e.Tags, f.Tags)
				if f.Priority < e.Priority {
					e.Priority = f.Priority
				}
			}
			continue
		}
		dup[pair{from, to}] = true
		s.adj[from] = append(s.adj[from], Edge{
			Followee: to,
			Tags:     mergeTags(nil, f.Tags),
			All:      f.AllTopics(),
			Priority: f.Priority,
		})
		s.edgeCount++
	}
	for i := range s.adj {
		edges := s.adj[i]
		sort.Slice(edges, func(x, y int) bool {
			if edges[x].Priority != edges[y].Priority {
				return edges[x].Priority < edges[y].Priority
			}
			return edges[x].Followee < edges[y].Followee
		})
	}

	for _, d := range c.Decisions {
		if d.CommunityID != "" && d.CommunityID != community {
			s.warn(fmt.Sprintf("decision %s dropped: belongs to community %s", d.ID, d.CommunityID))
			continue
		}
		if decision != "" && d.ID != decision {
			continue
		}
		s.decisions[d.ID] = d.Clone()
	}
	if decision != "" {
		d, ok := s.decisions[decision]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDecisionMissing, decision)
		}
		if len(d.Choices) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrDecisionNoChoices, decision)
		}
	}

	castAt := make(map[model.DecisionID]map[int]time.Time)
	for _, rb := range c.Ballots {
		if _, ok := s.decisions[rb.DecisionID]; !ok {
			if decision == "" {
				s.warn(fmt.Sprintf("ballot of %s dropped: unknown decision %s", rb.VoterID, rb.DecisionID))
			}
			continue
		}
		i, ok := s.index[rb.VoterID]
		if !ok {
			s.warn(fmt.Sprintf("ballot of %s on %s dropped: voter is not a member", rb.VoterID, rb.DecisionID))
			continue
		}
		if s.ballots[rb.DecisionID] == nil {
			s.ballots[rb.DecisionID] = make(map[int]model.Scores)
			castAt[rb.DecisionID] = make(map[int]time.Time)
		}
		if prev, exists := castAt[rb.DecisionID][i]; exists {
			s.warn(fmt.Sprintf("duplicate ballot of %s on %s: latest kept", rb.VoterID, rb.DecisionID))
			if rb.CastAt.Before(prev) {
				continue
			}
		}
		s.ballots[rb.DecisionID][i] = rb.Scores.Clone()
		castAt[rb.DecisionID][i] = rb.CastAt
	}

	return s, nil
}

func (s *Snapshot) warn(msg string) { s.warnings = append(s.warnings, msg) }

func mergeTags(dst, src []model.Tag) []model.Tag {
	for _, t := range src {
		found := false
		for _, d := range dst {
			if d == t {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, t)
		}
	}
	return dst
}

// Package delegation turns a snapshot's follow graph into effective ballots.
//
// A member's own raw ballot on a decision always wins. Members without one
// inherit the mean of their applicable followees' effective scores, followed
// recursively with an explicit path stack; a followee already on the path is
// skipped and the skip is audited.
package delegation

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/okian/liquid/internal/domain/fixed"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMaxDepth bounds delegation chains.
	DefaultMaxDepth = 64
	// DefaultStepLimit bounds the edges expanded for one member.
	DefaultStepLimit = 1 << 20
)

// Resolver computes effective ballots. It holds no per-run state and is safe
// for concurrent use; every Resolve call owns a private memo table.
type Resolver struct {
	scores    fixed.Range
	maxDepth  int
	stepLimit int
	logger    logger.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		scores:    fixed.DefaultRange,
		maxDepth:  DefaultMaxDepth,
		stepLimit: DefaultStepLimit,
		logger:    logger.Get().Named("delegation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is the outcome of one resolver pass over a decision.
type Resolution struct {
	DecisionID model.DecisionID
	// Ballots holds one effective ballot per non-abstaining member, in
	// member identifier order. Lobbyists are included with Voting=false.
	Ballots   []model.EffectiveBallot
	Abstained []model.MemberID
	Failures  []MemberFailure
	// Trail lists every cycle skip, depth cut and dropped choice, in
	// traversal order without repeats.
	Trail      []string
	CycleSkips int
}

// Voting returns the ballots of voting members only.
func (r *Resolution) Voting() []model.EffectiveBallot {
	out := make([]model.EffectiveBallot, 0, len(r.Ballots))
	for _, b := range r.Ballots {
		if b.Voting {
			out = append(out, b)
		}
	}
	return out
}

// Count returns the number of direct and calculated ballots.
func (r *Resolution) Count() (direct, calculated int) {
	for _, b := range r.Ballots {
		if b.Source == model.SourceDirect {
			direct++
		} else {
			calculated++
		}
	}
	return direct, calculated
}

// Resolve computes every member's effective ballot for a decision. Only
// systemic problems, an unknown decision or a done ctx, return an error; they
// wrap model.ErrStaging. Per-member failures are collected in the Resolution.
func (r *Resolver) Resolve(ctx context.Context, snap *snapshot.Snapshot, decisionID model.DecisionID) (*Resolution, error) {
	p, err := r.newPass(snap, decisionID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{DecisionID: decisionID}
	for i := 0; i < snap.Len(); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: resolving %s: %w", model.ErrStaging, decisionID, err)
			}
		}
		o := p.safeResolve(i)
		m := snap.Member(i)
		switch {
		case o.failure != nil:
			res.Failures = append(res.Failures, *o.failure)
			r.logger.Warn(ctx, "member resolution failed",
				logger.String("decision", string(decisionID)),
				logger.String("member", string(m.ID)),
				logger.Error(o.failure.Err))
		case o.ballot == nil:
			res.Abstained = append(res.Abstained, m.ID)
		default:
			res.Ballots = append(res.Ballots, *o.ballot)
		}
	}
	res.Trail = p.trail
	res.CycleSkips = p.cycleSkips

	direct, calculated := res.Count()
	metrics.RecordEffectiveBallots(string(model.SourceDirect), direct)
	metrics.RecordEffectiveBallots(string(model.SourceCalculated), calculated)
	metrics.RecordCycleSkips(res.CycleSkips)
	metrics.RecordMemberFailures(len(res.Failures))

	r.logger.Debug(ctx, "delegation resolved",
		logger.String("decision", string(decisionID)),
		logger.Int("direct", direct),
		logger.Int("calculated", calculated),
		logger.Int("abstained", len(res.Abstained)),
		logger.Int("failures", len(res.Failures)),
		logger.Int("cycle_skips", res.CycleSkips))
	return res, nil
}

// ResolveMember computes one member's effective ballot. A nil ballot with a
// nil error means the member abstains; a per-member failure is returned as a
// MemberFailure error.
func (r *Resolver) ResolveMember(ctx context.Context, snap *snapshot.Snapshot, decisionID model.DecisionID, member model.MemberID) (*model.EffectiveBallot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStaging, err)
	}
	p, err := r.newPass(snap, decisionID)
	if err != nil {
		return nil, err
	}
	i, ok := snap.Index(member)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, member)
	}
	o := p.safeResolve(i)
	if o.failure != nil {
		return nil, *o.failure
	}
	return o.ballot, nil
}

// outcome is a memoizable per-member result.
type outcome struct {
	ballot  *model.EffectiveBallot
	failure *MemberFailure
}

// frame is one element of the explicit traversal stack.
type frame struct {
	member  int
	depth   int
	edges   []snapshot.Edge
	next    int
	contrib []*model.EffectiveBallot
	skipped []model.MemberID
	// cut is set when the depth bound pruned anything below this frame.
	cut bool
}

// pass holds state private to one Resolve call.
type pass struct {
	r        *Resolver
	snap     *snapshot.Snapshot
	decision model.Decision

	// edges[i] is nil for members holding a raw ballot.
	edges  [][]snapshot.Edge
	base   []*outcome
	// cyclic[i] marks members of a non-trivial strongly connected component;
	// their results depend on the entry path and are never memoized.
	cyclic []bool
	memo   []*outcome
	onPath []bool

	trail      []string
	trailSeen  map[string]bool
	cycleSkips int
}

func (r *Resolver) newPass(snap *snapshot.Snapshot, decisionID model.DecisionID) (*pass, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", model.ErrStaging)
	}
	d, ok := snap.Decision(decisionID)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", model.ErrStaging, ErrUnknownDecision, decisionID)
	}

	n := snap.Len()
	p := &pass{
		r:         r,
		snap:      snap,
		decision:  d,
		edges:     make([][]snapshot.Edge, n),
		base:      make([]*outcome, n),
		memo:      make([]*outcome, n),
		onPath:    make([]bool, n),
		trailSeen: make(map[string]bool),
	}
	for i := 0; i < n; i++ {
		if raw, ok := snap.Ballot(decisionID, i); ok {
			p.base[i] = p.direct(i, raw)
			continue
		}
		for _, e := range snap.Edges(i) {
			if e.AppliesTo(d.Tags) {
				p.edges[i] = append(p.edges[i], e)
			}
		}
	}
	p.cyclic = cyclicMembers(p.edges)
	return p, nil
}

// direct validates a raw ballot. Unknown choices are dropped and audited;
// any out-of-range score fails the member.
func (p *pass) direct(i int, raw model.Scores) *outcome {
	m := p.snap.Member(i)
	scores := make(model.Scores, len(raw))
	for _, c := range raw.Choices() {
		if !p.decision.HasChoice(c) {
			p.note(fmt.Sprintf("ballot of %s: unknown choice %s dropped", m.ID, c))
			continue
		}
		v := raw[c]
		if !p.r.scores.Contains(v) {
			err := fmt.Errorf("%w: %s scored %s outside [%s, %s]", ErrScoreOutOfRange, c, v, p.r.scores.Min, p.r.scores.Max)
			return &outcome{failure: &MemberFailure{MemberID: m.ID, Err: err, Message: err.Error()}}
		}
		scores[c] = fixed.Round(v)
	}
	return &outcome{ballot: &model.EffectiveBallot{
		DecisionID: p.decision.ID,
		MemberID:   m.ID,
		Voting:     m.Voting,
		Scores:     scores,
		Source:     model.SourceDirect,
	}}
}

// safeResolve isolates panics to the member being resolved.
func (p *pass) safeResolve(i int) (o *outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			for k := range p.onPath {
				p.onPath[k] = false
			}
			err := fmt.Errorf("%w: %v", ErrMemberPanic, rec)
			o = &outcome{failure: &MemberFailure{
				MemberID: p.snap.Member(i).ID,
				Err:      err,
				Message:  err.Error(),
				Stack:    string(debug.Stack()),
			}}
		}
	}()
	return p.resolve(i)
}

// resolve walks the delegation graph from root with an explicit stack.
func (p *pass) resolve(root int) *outcome {
	if o := p.base[root]; o != nil {
		return o
	}
	if o := p.memo[root]; o != nil {
		return o
	}

	stack := []*frame{{member: root, edges: p.edges[root]}}
	p.onPath[root] = true
	steps := 0

	for {
		f := stack[len(stack)-1]
		if f.next < len(f.edges) {
			steps++
			if steps > p.r.stepLimit {
				for _, fr := range stack {
					p.onPath[fr.member] = false
				}
				m := p.snap.Member(root).ID
				err := fmt.Errorf("%w: %d edges expanded", ErrTooComplex, p.r.stepLimit)
				return &outcome{failure: &MemberFailure{MemberID: m, Err: err, Message: err.Error()}}
			}

			g := f.edges[f.next].Followee
			f.next++
			switch {
			case p.onPath[g]:
				f.skipped = append(f.skipped, p.snap.Member(g).ID)
				p.noteCycle(f.member, g)
				continue
			case f.depth+1 > p.r.maxDepth:
				f.cut = true
				p.note(fmt.Sprintf("depth limit %d: %s -> %s not followed",
					p.r.maxDepth, p.snap.Member(f.member).ID, p.snap.Member(g).ID))
				continue
			case p.base[g] != nil:
				if b := p.base[g].ballot; b != nil {
					f.contrib = append(f.contrib, b)
				}
				continue
			case p.memo[g] != nil:
				if b := p.memo[g].ballot; b != nil {
					f.contrib = append(f.contrib, b)
				}
				continue
			}
			p.onPath[g] = true
			stack = append(stack, &frame{member: g, depth: f.depth + 1, edges: p.edges[g]})
			continue
		}

		stack = stack[:len(stack)-1]
		p.onPath[f.member] = false
		o := p.inherit(f)
		if !f.cut && !p.cyclic[f.member] {
			p.memo[f.member] = o
		}
		if len(stack) == 0 {
			return o
		}
		parent := stack[len(stack)-1]
		parent.cut = parent.cut || f.cut
		if o.ballot != nil {
			parent.contrib = append(parent.contrib, o.ballot)
		}
	}
}

// inherit averages the contributions collected by a finished frame.
func (p *pass) inherit(f *frame) *outcome {
	if len(f.contrib) == 0 {
		return &outcome{}
	}
	self := p.snap.Member(f.member)

	scores := make(model.Scores, len(p.decision.Choices))
	for _, c := range p.decision.Choices {
		var vals []decimal.Decimal
		for _, b := range f.contrib {
			if v, ok := b.Scores[c.ID]; ok {
				vals = append(vals, v)
			}
		}
		if mean, ok := fixed.Mean(vals); ok {
			scores[c.ID] = mean
		}
	}
	if len(scores) == 0 {
		return &outcome{}
	}

	seen := map[model.MemberID]bool{self.ID: true}
	var path []model.MemberID
	sources := make([]model.MemberID, 0, len(f.contrib))
	add := func(id model.MemberID) {
		if !seen[id] {
			seen[id] = true
			path = append(path, id)
		}
	}
	for _, b := range f.contrib {
		sources = append(sources, b.MemberID)
		add(b.MemberID)
		for _, id := range b.Path {
			add(id)
		}
	}

	return &outcome{ballot: &model.EffectiveBallot{
		DecisionID: p.decision.ID,
		MemberID:   self.ID,
		Voting:     self.Voting,
		Scores:     scores,
		Source:     model.SourceCalculated,
		Path:       path,
		Sources:    sources,
		Skipped:    append([]model.MemberID(nil), f.skipped...),
	}}
}

func (p *pass) noteCycle(from, to int) {
	msg := fmt.Sprintf("cycle: %s -> %s skipped, %s already on delegation path",
		p.snap.Member(from).ID, p.snap.Member(to).ID, p.snap.Member(to).ID)
	if p.note(msg) {
		p.cycleSkips++
	}
}

// note appends msg to the trail once and reports whether it was new.
func (p *pass) note(msg string) bool {
	if p.trailSeen[msg] {
		return false
	}
	p.trailSeen[msg] = true
	p.trail = append(p.trail, msg)
	return true
}

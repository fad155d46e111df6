// Package tally implements STAR voting (Score Then Automatic Runoff) over
// effective ballots, with the four-step tie-break ladder. Every decision the
// engine takes is written to the result's audit log.
package tally

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/okian/liquid/internal/domain/fixed"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	"github.com/shopspring/decimal"
)

// finalistCount is the number of choices advancing to the runoff.
const finalistCount = 2

// Engine runs STAR tallies. It is stateless and safe for concurrent use.
type Engine struct {
	scores fixed.Range
	logger logger.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		scores: fixed.DefaultRange,
		logger: logger.Get().Named("tally"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tally counts every ballot it is given. Callers exclude non-voting members.
//
// An exhausted ladder returns the result together with an
// *UnresolvedTieError; the result then carries Tied instead of Winner.
// Other errors wrap model.ErrTallying.
func (e *Engine) Tally(ctx context.Context, d model.Decision, ballots []model.EffectiveBallot) (*model.TallyResult, error) {
	if len(d.Choices) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", model.ErrTallying, ErrNoChoices, d.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTallying, err)
	}

	r := newRun(e, d, ballots)
	res := r.execute()

	if res.Unresolved() {
		e.logger.Info(ctx, "tally ended in unresolved tie",
			logger.String("decision", string(d.ID)),
			logger.Strings("tied", choiceStrings(res.Tied)))
		return res, &UnresolvedTieError{
			DecisionID: d.ID,
			Choices:    append([]model.ChoiceID(nil), res.Tied...),
			Audit:      append([]string(nil), res.Audit...),
		}
	}
	e.logger.Debug(ctx, "tally completed",
		logger.String("decision", string(d.ID)),
		logger.String("winner", string(res.Winner)),
		logger.Int("ballots", res.Ballots))
	return res, nil
}

type run struct {
	scores   fixed.Range
	decision model.Decision
	ballots  []model.EffectiveBallot
	stats    map[model.ChoiceID]*model.ChoiceScore
	audit    []string
}

func newRun(e *Engine, d model.Decision, ballots []model.EffectiveBallot) *run {
	return &run{
		scores:   e.scores,
		decision: d,
		ballots:  ballots,
		stats:    make(map[model.ChoiceID]*model.ChoiceScore, len(d.Choices)),
	}
}

func (r *run) log(format string, args ...interface{}) {
	r.audit = append(r.audit, fmt.Sprintf(format, args...))
}

func (r *run) name(id model.ChoiceID) string {
	if c, ok := r.decision.Choice(id); ok {
		return c.Name()
	}
	return string(id)
}

func (r *run) names(ids []model.ChoiceID) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = r.name(id)
	}
	return strings.Join(out, ", ")
}

func (r *run) execute() *model.TallyResult {
	res := &model.TallyResult{DecisionID: r.decision.ID, Ballots: len(r.ballots)}

	ranked := r.scorePhase()
	for _, id := range ranked {
		res.Scores = append(res.Scores, *r.stats[id])
	}
	if len(r.ballots) == 0 {
		r.log("No effective ballots were cast")
	}

	if len(ranked) == 1 {
		res.Finalists = []model.ChoiceID{ranked[0]}
		res.Winner = ranked[0]
		r.log("Single choice: %s wins", r.name(ranked[0]))
		res.Audit = r.audit
		return res
	}

	finalists, tied := r.selectFinalists(ranked)
	res.Finalists = finalists
	if tied != nil {
		res.Tied = tied
		res.Audit = r.audit
		return res
	}
	r.log("Finalists: %s and %s", r.name(finalists[0]), r.name(finalists[1]))

	runoff, winner, tied := r.runoff(finalists[0], finalists[1])
	res.Runoff = runoff
	res.Winner = winner
	res.Tied = tied
	res.Audit = r.audit
	return res
}

// scorePhase computes the per-choice summaries and returns the choices ranked
// by average, highest first, ties in decision order.
func (r *run) scorePhase() []model.ChoiceID {
	ranked := make([]model.ChoiceID, 0, len(r.decision.Choices))
	for _, c := range r.decision.Choices {
		s := &model.ChoiceScore{ChoiceID: c.ID, Average: fixed.Zero}
		var vals []decimal.Decimal
		for _, b := range r.ballots {
			v, ok := b.Scores[c.ID]
			if !ok {
				continue
			}
			vals = append(vals, v)
			if r.scores.IsMax(v) {
				s.MaxCount++
			}
			if r.scores.IsMin(v) {
				s.MinCount++
			}
		}
		s.Ballots = len(vals)
		if avg, ok := fixed.Mean(vals); ok {
			s.Average = avg
		}
		r.stats[c.ID] = s
		ranked = append(ranked, c.ID)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return r.stats[ranked[i]].Average.GreaterThan(r.stats[ranked[j]].Average)
	})

	parts := make([]string, len(ranked))
	for i, id := range ranked {
		s := r.stats[id]
		parts[i] = fmt.Sprintf("%s %s avg (%d ballots)", r.name(id), fixed.Format(s.Average), s.Ballots)
	}
	r.log("Score phase: %s", strings.Join(parts, ", "))
	return ranked
}

// selectFinalists takes the top two by average, breaking ties for a place
// with step 1. A non-nil tied set means no two finalists could be chosen.
func (r *run) selectFinalists(ranked []model.ChoiceID) (finalists, tied []model.ChoiceID) {
	slots := finalistCount
	for _, group := range r.groupBy(ranked, func(a, b model.ChoiceID) bool {
		return r.stats[a].Average.Equal(r.stats[b].Average)
	}) {
		if len(group) <= slots {
			finalists = append(finalists, group...)
			slots -= len(group)
		} else {
			picked, unresolved := r.breakPlaceTie(group, slots)
			finalists = append(finalists, picked...)
			if unresolved != nil {
				return finalists, unresolved
			}
			slots = 0
		}
		if slots == 0 {
			break
		}
	}
	return finalists, nil
}

// breakPlaceTie applies step 1 to a group tied on average competing for
// slots places: repeatedly eliminate the choices losing the most
// head-to-head comparisons within the group.
func (r *run) breakPlaceTie(group []model.ChoiceID, slots int) (picked, tied []model.ChoiceID) {
	r.log("Tie-break step 1: %s tied at %s avg for %d finalist place(s)",
		r.names(group), fixed.Format(r.stats[group[0]].Average), slots)

	for len(group) > slots {
		losses := r.pairwiseLosses(group)
		most := 0
		for _, id := range group {
			if losses[id] > most {
				most = losses[id]
			}
		}
		var worst, rest []model.ChoiceID
		for _, id := range group {
			if losses[id] == most {
				worst = append(worst, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(rest) == 0 {
			r.log("Tie-break step 1: head-to-head comparisons cannot separate %s", r.names(group))
			more, unresolved := r.breakByExtremes(group, slots)
			return append(picked, more...), unresolved
		}
		if len(rest) >= slots {
			r.log("Tie-break step 1: %s eliminated with %d head-to-head loss(es)", r.names(worst), most)
			group = rest
			continue
		}
		r.log("Tie-break step 1: %s advance(s); %s lose %d head-to-head comparison(s)",
			r.names(rest), r.names(worst), most)
		picked = append(picked, rest...)
		slots -= len(rest)
		group = worst
	}
	return append(picked, group...), nil
}

// breakByExtremes orders a group by step 3 when step 1 is exhausted: more
// maximum-score ballots first, then fewer minimum-score ballots.
func (r *run) breakByExtremes(group []model.ChoiceID, slots int) (picked, tied []model.ChoiceID) {
	ordered := append([]model.ChoiceID(nil), group...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := r.stats[ordered[i]], r.stats[ordered[j]]
		if a.MaxCount != b.MaxCount {
			return a.MaxCount > b.MaxCount
		}
		return a.MinCount < b.MinCount
	})
	for _, level := range r.groupBy(ordered, func(a, b model.ChoiceID) bool {
		sa, sb := r.stats[a], r.stats[b]
		return sa.MaxCount == sb.MaxCount && sa.MinCount == sb.MinCount
	}) {
		if len(level) <= slots {
			r.log("Tie-break step 3: %s advance(s) on maximum/minimum score counts", r.names(level))
			picked = append(picked, level...)
			slots -= len(level)
			if slots == 0 {
				return picked, nil
			}
			continue
		}
		r.log("Tie-break step 4: %s remain tied for %d finalist place(s); deferred to manual resolution",
			r.names(level), slots)
		return picked, level
	}
	return picked, nil
}

// runoff compares the finalists ballot by ballot and applies steps 2 to 4
// when the preference counts are equal.
func (r *run) runoff(first, second model.ChoiceID) (*model.Runoff, model.ChoiceID, []model.ChoiceID) {
	ro := &model.Runoff{First: first, Second: second}
	for _, b := range r.ballots {
		x, okx := b.Scores[first]
		y, oky := b.Scores[second]
		if !okx || !oky {
			ro.NoPreference++
			continue
		}
		switch x.Cmp(y) {
		case 1:
			ro.FirstPrefs++
		case -1:
			ro.SecondPrefs++
		default:
			ro.Equal++
		}
	}

	line := fmt.Sprintf("Automatic runoff: %s preferred on %d ballots, %s preferred on %d ballots, %d equal",
		r.name(first), ro.FirstPrefs, r.name(second), ro.SecondPrefs, ro.Equal)
	if ro.NoPreference > 0 {
		line += fmt.Sprintf(", %d without both scores", ro.NoPreference)
	}
	r.audit = append(r.audit, line)

	switch {
	case ro.FirstPrefs > ro.SecondPrefs:
		r.log("%s wins the automatic runoff %d-%d", r.name(first), ro.FirstPrefs, ro.SecondPrefs)
		return ro, first, nil
	case ro.SecondPrefs > ro.FirstPrefs:
		r.log("%s wins the automatic runoff %d-%d", r.name(second), ro.SecondPrefs, ro.FirstPrefs)
		return ro, second, nil
	}

	a, b := r.stats[first], r.stats[second]
	r.log("Tie-break step 2: runoff tied %d-%d, comparing score-phase averages", ro.FirstPrefs, ro.SecondPrefs)
	if c := a.Average.Cmp(b.Average); c != 0 {
		w, l := a, b
		if c < 0 {
			w, l = b, a
		}
		r.log("Tie-break step 2: %s wins with the higher average (%s vs %s)",
			r.name(w.ChoiceID), w.Average.String(), l.Average.String())
		return ro, w.ChoiceID, nil
	}

	if a.MaxCount != b.MaxCount {
		w, l := a, b
		if b.MaxCount > a.MaxCount {
			w, l = b, a
		}
		r.log("Tie-break step 3: %s wins with more ballots at the maximum score (%d vs %d)",
			r.name(w.ChoiceID), w.MaxCount, l.MaxCount)
		return ro, w.ChoiceID, nil
	}
	if a.MinCount != b.MinCount {
		w, l := a, b
		if b.MinCount < a.MinCount {
			w, l = b, a
		}
		r.log("Tie-break step 3: %s wins with fewer ballots at the minimum score (%d vs %d)",
			r.name(w.ChoiceID), w.MinCount, l.MinCount)
		return ro, w.ChoiceID, nil
	}

	r.log("Tie-break step 4: %s and %s remain tied; deferred to manual resolution", r.name(first), r.name(second))
	return ro, "", []model.ChoiceID{first, second}
}

// pairwiseLosses counts, for each choice, the head-to-head matchups within
// group it loses. A ballot prefers the choice it scored strictly higher;
// ballots missing either choice do not take part.
func (r *run) pairwiseLosses(group []model.ChoiceID) map[model.ChoiceID]int {
	losses := make(map[model.ChoiceID]int, len(group))
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			x, y := group[i], group[j]
			px, py := r.prefers(x, y), r.prefers(y, x)
			switch {
			case px > py:
				losses[y]++
			case py > px:
				losses[x]++
			}
		}
	}
	return losses
}

func (r *run) prefers(x, y model.ChoiceID) int {
	n := 0
	for _, b := range r.ballots {
		sx, okx := b.Scores[x]
		sy, oky := b.Scores[y]
		if okx && oky && sx.GreaterThan(sy) {
			n++
		}
	}
	return n
}

// groupBy splits an ordered slice into runs of equal neighbours.
func (r *run) groupBy(ids []model.ChoiceID, equal func(a, b model.ChoiceID) bool) [][]model.ChoiceID {
	var groups [][]model.ChoiceID
	for _, id := range ids {
		if n := len(groups); n > 0 && equal(groups[n-1][0], id) {
			groups[n-1] = append(groups[n-1], id)
			continue
		}
		groups = append(groups, []model.ChoiceID{id})
	}
	return groups
}

func choiceStrings(ids []model.ChoiceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

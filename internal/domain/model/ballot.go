package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Scores maps choices to fixed-point scores.
type Scores map[ChoiceID]decimal.Decimal

// Clone returns a copy of s.
func (s Scores) Clone() Scores {
	if s == nil {
		return nil
	}
	out := make(Scores, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Choices returns the scored choice ids in ascending order.
func (s Scores) Choices() []ChoiceID {
	ids := make([]ChoiceID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RawBallot is a ballot cast directly by a voter.
type RawBallot struct {
	DecisionID DecisionID `json:"decision_id"`
	VoterID    MemberID   `json:"voter_id"`
	Scores     Scores     `json:"scores"`
	CastAt     time.Time  `json:"cast_at"`
}

// BallotSource tells whether an effective ballot was cast or inherited.
type BallotSource string

// Ballot sources.
const (
	SourceDirect     BallotSource = "direct"
	SourceCalculated BallotSource = "calculated"
)

// EffectiveBallot is the resolved per-choice score set of one member.
type EffectiveBallot struct {
	DecisionID DecisionID   `json:"decision_id"`
	MemberID   MemberID     `json:"member_id"`
	Voting     bool         `json:"voting"`
	Scores     Scores       `json:"scores"`
	Source     BallotSource `json:"source"`
	// Path lists every contributing member traversed below this one, in
	// traversal order. Empty for direct ballots.
	Path []MemberID `json:"path,omitempty"`
	// Sources lists the immediate followees whose positions were averaged.
	Sources []MemberID `json:"sources,omitempty"`
	// Skipped lists followees not followed because they closed a cycle.
	Skipped []MemberID `json:"skipped,omitempty"`
}

// Clone returns a deep copy.
func (b EffectiveBallot) Clone() EffectiveBallot {
	out := b
	out.Scores = b.Scores.Clone()
	out.Path = append([]MemberID(nil), b.Path...)
	out.Sources = append([]MemberID(nil), b.Sources...)
	out.Skipped = append([]MemberID(nil), b.Skipped...)
	return out
}

// Clone returns a deep copy.
func (b RawBallot) Clone() RawBallot {
	out := b
	out.Scores = b.Scores.Clone()
	return out
}

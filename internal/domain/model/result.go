package model

import "github.com/shopspring/decimal"

// ChoiceScore is the score-phase summary of one choice.
type ChoiceScore struct {
	ChoiceID ChoiceID        `json:"choice_id"`
	Average  decimal.Decimal `json:"average"`
	Ballots  int             `json:"ballots"`
	MaxCount int             `json:"max_count"`
	MinCount int             `json:"min_count"`
}

// Runoff holds the head-to-head counts between the two finalists.
type Runoff struct {
	First        ChoiceID `json:"first"`
	Second       ChoiceID `json:"second"`
	FirstPrefs   int      `json:"first_prefs"`
	SecondPrefs  int      `json:"second_prefs"`
	Equal        int      `json:"equal"`
	NoPreference int      `json:"no_preference"` // ballots not scoring both finalists
}

// TallyResult is the outcome of a STAR tally. Exactly one of Winner or Tied
// is set.
type TallyResult struct {
	DecisionID DecisionID    `json:"decision_id"`
	Ballots    int           `json:"ballots"`
	Scores     []ChoiceScore `json:"scores"`
	Finalists  []ChoiceID    `json:"finalists"`
	Runoff     *Runoff       `json:"runoff,omitempty"`
	Winner     ChoiceID      `json:"winner,omitempty"`
	Tied       []ChoiceID    `json:"tied,omitempty"`
	Audit      []string      `json:"audit"`
}

// Unresolved reports whether the tally ended in an unresolved tie.
func (r TallyResult) Unresolved() bool { return len(r.Tied) > 0 }

// Score returns the score-phase entry for a choice.
func (r TallyResult) Score(id ChoiceID) (ChoiceScore, bool) {
	for _, s := range r.Scores {
		if s.ChoiceID == id {
			return s, true
		}
	}
	return ChoiceScore{}, false
}

// Clone returns a deep copy.
func (r TallyResult) Clone() TallyResult {
	out := r
	out.Scores = append([]ChoiceScore(nil), r.Scores...)
	out.Finalists = append([]ChoiceID(nil), r.Finalists...)
	out.Tied = append([]ChoiceID(nil), r.Tied...)
	out.Audit = append([]string(nil), r.Audit...)
	if r.Runoff != nil {
		ro := *r.Runoff
		out.Runoff = &ro
	}
	return out
}

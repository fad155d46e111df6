// Package model contains domain models passed between layers.
package model

import (
	"sort"
	"time"
)

// Identifiers are opaque strings owned by external collaborators.
type (
	CommunityID string
	MemberID    string
	DecisionID  string
	ChoiceID    string
	Tag         string
)

// AllTags is the wildcard tag: an edge carrying it applies to every decision.
const AllTags Tag = "ALL"

// Member is one roster entry. Non-voting members (lobbyists) can be followed
// but their own effective ballots are not counted.
type Member struct {
	ID     MemberID `json:"id"`
	Voting bool     `json:"voting"`
}

// FollowEdge means Follower inherits Followee's position on decisions whose
// tags intersect Tags (or on every decision when Tags contains AllTags).
// Tags compare exactly, the wildcard included: "parks" never matches
// "Parks" and "all" is an ordinary tag. Lower Priority values rank first.
type FollowEdge struct {
	Follower MemberID `json:"follower"`
	Followee MemberID `json:"followee"`
	Tags     []Tag    `json:"tags"`
	Priority int      `json:"priority"`
}

// AllTopics reports whether the edge carries the ALL wildcard.
func (e FollowEdge) AllTopics() bool {
	for _, t := range e.Tags {
		if t == AllTags {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the edge qualifies for a decision with the given tags.
func (e FollowEdge) AppliesTo(tags []Tag) bool {
	if e.AllTopics() {
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

// DecisionStatus is the open/closed state as reported by the decision owner.
type DecisionStatus string

// Decision statuses.
const (
	DecisionOpen   DecisionStatus = "open"
	DecisionClosed DecisionStatus = "closed"
)

// Choice is one option of a decision.
type Choice struct {
	ID    ChoiceID `json:"id"`
	Label string   `json:"label,omitempty"`
}

// Name returns the label, falling back to the identifier.
func (c Choice) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return string(c.ID)
}

// Decision is the metadata of one question put to a community.
type Decision struct {
	ID          DecisionID     `json:"id"`
	CommunityID CommunityID    `json:"community_id"`
	Choices     []Choice       `json:"choices"`
	Tags        []Tag          `json:"tags"`
	Status      DecisionStatus `json:"status"`
	ClosesAt    *time.Time     `json:"closes_at,omitempty"`
}

// IsOpen reports whether the decision accepts calculation triggers at now.
func (d Decision) IsOpen(now time.Time) bool {
	if d.Status == DecisionClosed {
		return false
	}
	if d.ClosesAt != nil && !now.Before(*d.ClosesAt) {
		return false
	}
	return true
}

// HasChoice reports whether id is one of the decision's choices.
func (d Decision) HasChoice(id ChoiceID) bool {
	for _, c := range d.Choices {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Choice returns the choice with the given id.
func (d Decision) Choice(id ChoiceID) (Choice, bool) {
	for _, c := range d.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	out := d
	out.Choices = append([]Choice(nil), d.Choices...)
	out.Tags = append([]Tag(nil), d.Tags...)
	if d.ClosesAt != nil {
		t := *d.ClosesAt
		out.ClosesAt = &t
	}
	return out
}

// SortMemberIDs sorts ids in place and returns them.
func SortMemberIDs(ids []MemberID) []MemberID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

package model

import "time"

// JobKind distinguishes fresh calculations from recovery retries.
type JobKind string

// Job kinds.
const (
	JobCalculate JobKind = "calculate"
	JobRetry     JobKind = "retry"
)

// Job is one unit of background work flowing through the queue.
type Job struct {
	Kind        JobKind
	CommunityID CommunityID
	DecisionID  DecisionID
	RecordID    string // set for JobRetry
	EnqueuedAt  time.Time
}

// IsZero reports whether j carries no decision, as received from a closed channel.
func (j Job) IsZero() bool { return j.DecisionID == "" }

// ChangeKind names the collaborator event that may invalidate results.
type ChangeKind string

// Change kinds.
const (
	ChangeVote       ChangeKind = "vote"
	ChangeFollow     ChangeKind = "follow"
	ChangeMembership ChangeKind = "membership"
)

// Change is a notification from a collaborator that inputs changed.
// DecisionID is required for votes and ignored otherwise.
type Change struct {
	Kind        ChangeKind  `json:"kind"`
	CommunityID CommunityID `json:"community_id"`
	DecisionID  DecisionID  `json:"decision_id,omitempty"`
}

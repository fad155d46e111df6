package model

import "time"

// Status is the lifecycle state of a calculation record.
type Status string

// Calculation statuses. A record moves forward through
// creating -> ready -> staging -> tallying -> completed; failures land in the
// failed-* status of the phase, and only explicit recovery moves a record back.
const (
	StatusCreating       Status = "creating"
	StatusReady          Status = "ready"
	StatusStaging        Status = "staging"
	StatusTallying       Status = "tallying"
	StatusCompleted      Status = "completed"
	StatusFailedSnapshot Status = "failed-snapshot"
	StatusFailedStaging  Status = "failed-staging"
	StatusFailedTallying Status = "failed-tallying"
	StatusCorrupted      Status = "corrupted"
)

// InFlightStatuses are the non-terminal statuses; at most one record per
// decision may hold one of them.
var InFlightStatuses = []Status{StatusCreating, StatusReady, StatusStaging, StatusTallying}

// FailedStatuses are the retryable failure statuses.
var FailedStatuses = []Status{StatusFailedSnapshot, StatusFailedStaging, StatusFailedTallying}

// InFlight reports whether s is non-terminal.
func (s Status) InFlight() bool {
	for _, f := range InFlightStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// Failed reports whether s is a failed-* status.
func (s Status) Failed() bool {
	for _, f := range FailedStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition happens from s
// other than a recovery retry.
func (s Status) Terminal() bool { return !s.InFlight() }

// rank orders the forward path so transitions can be checked for monotonicity.
func (s Status) rank() int {
	switch s {
	case StatusCreating:
		return 0
	case StatusReady:
		return 1
	case StatusStaging:
		return 2
	case StatusTallying:
		return 3
	default:
		return 4
	}
}

// CanAdvanceTo reports whether next is a legal forward transition from s.
// Recovery back-transitions go through the store, never through this check.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.InFlight() {
		return false
	}
	switch next {
	case StatusFailedSnapshot, StatusFailedStaging, StatusFailedTallying, StatusCorrupted:
		return true
	}
	return next.rank() == s.rank()+1
}

// FailureFor returns the failed status matching the phase running in s.
func FailureFor(s Status) Status {
	switch s {
	case StatusCreating, StatusReady:
		return StatusFailedSnapshot
	case StatusStaging:
		return StatusFailedStaging
	default:
		return StatusFailedTallying
	}
}

// ErrorEntry is one failure recorded against a calculation.
type ErrorEntry struct {
	Status  Status    `json:"status"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// CalculationRecord tracks one orchestrator run for one decision.
type CalculationRecord struct {
	ID          string       `json:"id"`
	DecisionID  DecisionID   `json:"decision_id"`
	CommunityID CommunityID  `json:"community_id"`
	Status      Status       `json:"status"`
	Errors      []ErrorEntry `json:"errors,omitempty"`
	Retries     int          `json:"retries"`
	Final       bool         `json:"final"`
	SnapshotAt  *time.Time   `json:"snapshot_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r CalculationRecord) Clone() CalculationRecord {
	out := r
	out.Errors = append([]ErrorEntry(nil), r.Errors...)
	if r.SnapshotAt != nil {
		t := *r.SnapshotAt
		out.SnapshotAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

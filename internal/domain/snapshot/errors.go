package snapshot

import "errors"

// Validation failures. All of them are wrapped together with
// model.ErrSnapshotCreation when returned from Build.
var (
	ErrEmptyRoster       = errors.New("roster has no members")
	ErrDecisionMissing   = errors.New("decision not present in capture")
	ErrDecisionNoChoices = errors.New("decision has no choices")
	ErrTimeout           = errors.New("atomic read exceeded timeout")
	ErrNilSource         = errors.New("snapshot source is nil")
)

package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrInFlight      = errors.New("calculation already in flight for decision")
	ErrNotRetryable  = errors.New("record is not in a failed status")
	ErrDuplicateID   = errors.New("record id already exists")
	ErrInvalidRecord = errors.New("invalid calculation record")

	// ErrStatusConflict rejects a write the record's stored status no longer
	// accepts, such as a stale run advancing a record the sweep corrupted.
	ErrStatusConflict = errors.New("record status does not accept this write")
)

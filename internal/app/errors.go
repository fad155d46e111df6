package service

import (
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/domain/model"
)

// Sentinel errors of the service layer.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrInvalidChange  = errors.New("invalid change notification")
	ErrUnknownJobKind = errors.New("unknown job kind")
)

// PhaseError reports a calculation phase that failed and was persisted as
// a failed-* (or corrupted) record. It unwraps to both its kind and its cause.
type PhaseError struct {
	Kind       error // one of the model.Err* pipeline kinds
	RecordID   string
	DecisionID model.DecisionID
	Status     model.Status // the failed status the record moved to
	Cause      error
	Stack      string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: record %s for decision %s is %s: %v", e.Kind, e.RecordID, e.DecisionID, e.Status, e.Cause)
}

// Unwrap exposes the kind and the cause to errors.Is/As.
func (e *PhaseError) Unwrap() []error { return []error{e.Kind, e.Cause} }

// Retryable reports whether the recovery sweep may retry the run.
func (e *PhaseError) Retryable() bool { return model.Retryable(e.Kind) }

// ErrAbandoned reports a run whose record was moved out from under it, for
// example marked corrupted by the recovery sweep. Nothing more is written.
var ErrAbandoned = errors.New("calculation abandoned")

// ErrBackpressure is returned when the job queue or the trigger tracker is full.
var ErrBackpressure = errors.New("calculation queue is full")

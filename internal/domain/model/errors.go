package model

import "errors"

// Error kinds of the calculation pipeline.
var (
	// ErrSnapshotCreation: the atomic read failed or the snapshot failed validation. Retryable.
	ErrSnapshotCreation = errors.New("snapshot-creation-error")
	// ErrStaging: delegation resolution failed systemically. Retryable.
	ErrStaging = errors.New("staging-error")
	// ErrTallying: the tally could not be computed from valid ballots. Retryable.
	ErrTallying = errors.New("tallying-error")
	// ErrUnresolvedTie: a terminal outcome needing a human decision. Never retried.
	ErrUnresolvedTie = errors.New("unresolved-tie")
	// ErrSnapshotCorruption: a structural invariant was violated. Never retried.
	ErrSnapshotCorruption = errors.New("snapshot-corruption")
)

// ErrDecisionClosed is returned when a trigger targets a closed decision.
var ErrDecisionClosed = errors.New("decision is closed")

// Retryable reports whether the recovery sweep may re-attempt a run that failed with err.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUnresolvedTie), errors.Is(err, ErrSnapshotCorruption):
		return false
	case errors.Is(err, ErrSnapshotCreation), errors.Is(err, ErrStaging), errors.Is(err, ErrTallying):
		return true
	}
	return false
}

// KindOf returns the name of the pipeline error kind wrapped by err, or "" when none matches.
func KindOf(err error) string {
	for _, k := range []error{ErrSnapshotCreation, ErrStaging, ErrTallying, ErrUnresolvedTie, ErrSnapshotCorruption} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

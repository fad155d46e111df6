// Package dedupe coalesces calculation triggers so that at most one run per
// decision is queued or in flight at any time.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Outcome reports what Mark did with a trigger.
type Outcome int

const (
	// Accepted: the key was idle and is now queued; the caller must enqueue it.
	Accepted Outcome = iota
	// Coalesced: a run is already queued, or one is running and the key was
	// marked dirty so exactly one fresh run follows it.
	Coalesced
	// Rejected: the tracker is full.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Coalesced:
		return "coalesced"
	default:
		return "rejected"
	}
}

// State is the per-key lifecycle: idle -> queued -> running -> idle, with
// running -> dirty -> queued when a trigger arrives mid-run.
type State int

const (
	Idle State = iota
	Queued
	Running
	Dirty
)

// Deduper tracks trigger state per key (a decision id).
type Deduper interface {
	// Mark records a trigger for id.
	Mark(ctx context.Context, id string) Outcome

	// Unmark reverts an Accepted Mark whose enqueue failed (e.g. queue
	// backpressure). Only a queued key is affected.
	Unmark(ctx context.Context, id string)

	// Begin moves a queued key to running. It returns false when the key is
	// not queued, in which case the job is stale and should be dropped.
	Begin(ctx context.Context, id string) bool

	// Finish ends a run. It returns true when the key was dirty; the key is
	// then queued again and the caller must enqueue one more run.
	Finish(ctx context.Context, id string) bool

	// State returns the key's current state.
	State(id string) State

	Size() int64
}

type inMemoryDeduper struct {
	mu      sync.Mutex
	states  map[string]State // absent means Idle
	maxSize int              // 0 or negative = unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory tracker with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000, // default max size
	}
	for _, opt := range opts {
		opt(d)
	}
	d.states = make(map[string]State)
	return d
}

func (d *inMemoryDeduper) Mark(ctx context.Context, id string) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.states[id] {
	case Queued, Dirty:
		return Coalesced
	case Running:
		d.states[id] = Dirty
		return Coalesced
	}

	if d.maxSize > 0 && len(d.states) >= d.maxSize {
		return Rejected
	}
	d.states[id] = Queued
	d.size.Add(1)
	return Accepted
}

func (d *inMemoryDeduper) Unmark(ctx context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.states[id] == Queued {
		delete(d.states, id)
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) Begin(ctx context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.states[id] != Queued {
		return false
	}
	d.states[id] = Running
	return true
}

func (d *inMemoryDeduper) Finish(ctx context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.states[id] {
	case Dirty:
		d.states[id] = Queued
		return true
	case Running:
		delete(d.states, id)
		d.size.Add(-1)
	}
	return false
}

func (d *inMemoryDeduper) State(id string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[id]
}

// Size returns the number of non-idle keys.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

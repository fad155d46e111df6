package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/liquid/internal/domain/model"
)

func job(decision string) model.Job {
	return model.Job{Kind: model.JobCalculate, CommunityID: "c1", DecisionID: model.DecisionID(decision), EnqueuedAt: time.Now()}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if !q.Enqueue(ctx, job("d1")) {
		t.Error("expected enqueue to succeed")
	}

	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	j := <-q.Dequeue(ctx)
	if j.DecisionID != "d1" {
		t.Errorf("expected d1, got %v", j.DecisionID)
	}

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, job("d1")) {
		t.Error("expected enqueue to succeed")
	}
	if !q.Enqueue(ctx, job("d2")) {
		t.Error("expected enqueue to succeed")
	}

	// Full: the caller gets an immediate refusal rather than blocking.
	start := time.Now()
	if q.Enqueue(ctx, job("d3")) {
		t.Error("expected enqueue to fail when full")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("expected enqueue on a full queue to return immediately")
	}

	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(100))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	numGoroutines := 10
	numJobs := 100

	var consumed sync.WaitGroup
	consumed.Add(numGoroutines * numJobs)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			for range q.Dequeue(ctx) {
				consumed.Done()
			}
		}()
	}

	var producers sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < numJobs; j++ {
				for !q.Enqueue(ctx, job(fmt.Sprintf("d%d_%d", id, j))) {
					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}
	producers.Wait()

	done := make(chan struct{})
	go func() {
		consumed.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumers")
	}

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected final length 0, got %d", l)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	if !q.Enqueue(ctx, job("d1")) {
		t.Error("expected enqueue to succeed")
	}

	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}

	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}

	if q.Enqueue(ctx, job("d2")) {
		t.Error("expected enqueue to fail after closing")
	}

	// Buffered jobs drain, then the channel closes.
	ch := q.Dequeue(ctx)
	var drained []model.DecisionID
	timeout := time.After(time.Second)
	for {
		select {
		case j, ok := <-ch:
			if !ok {
				if len(drained) != 1 || drained[0] != "d1" {
					t.Errorf("expected d1 to drain, got %v", drained)
				}
				if err := q.Close(); err != nil {
					t.Errorf("expected second close to succeed, got error: %v", err)
				}
				return
			}
			drained = append(drained, j.DecisionID)
		case <-timeout:
			t.Fatal("expected dequeue channel to be closed within timeout")
		}
	}
}

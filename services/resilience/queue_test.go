// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastQueueConfig() QueueConfig {
	return QueueConfig{
		MaxItemRetries: 3,
		PaceInterval:   time.Millisecond,
		RedrainDelay:   10 * time.Millisecond,
	}
}

// openBreaker returns a breaker already driven past its threshold, with a
// cooldown long enough that it stays open for the whole test.
func openBreaker() *CircuitBreaker {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   time.Hour,
	})
	cb.RecordFailure()
	return cb
}

func TestPriorityQueue_RejectsNormalAndLow(t *testing.T) {
	q := NewPriorityQueue(openBreaker(), discardLogger(), fastQueueConfig())
	defer q.Close()

	op := func(ctx context.Context) error { return nil }

	for _, p := range []Priority{PriorityNormal, PriorityLow} {
		if _, err := q.Enqueue(op, OpContext{Priority: p}); !errors.Is(err, ErrNotQueueable) {
			t.Errorf("Enqueue(priority=%s) error = %v, want ErrNotQueueable", p, err)
		}
	}

	if _, err := q.Enqueue(nil, OpContext{Priority: PriorityUrgent}); !errors.Is(err, ErrNilOperation) {
		t.Errorf("Enqueue(nil) error = %v, want ErrNilOperation", err)
	}
}

func TestPriorityQueue_OrderingInvariant(t *testing.T) {
	// With the breaker open nothing drains, so the internal order is
	// observable: strict rank, FIFO within a rank.
	q := NewPriorityQueue(openBreaker(), discardLogger(), fastQueueConfig())
	defer q.Close()

	op := func(ctx context.Context) error { return nil }

	ids := []struct {
		upload   string
		priority Priority
	}{
		{"high-1", PriorityHigh},
		{"urgent-1", PriorityUrgent},
		{"high-2", PriorityHigh},
		{"urgent-2", PriorityUrgent},
	}
	for _, item := range ids {
		if _, err := q.Enqueue(op, OpContext{UploadID: item.upload, Priority: item.priority}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", item.upload, err)
		}
	}

	want := []string{"urgent-1", "urgent-2", "high-1", "high-2"}

	q.mu.Lock()
	got := make([]string, len(q.items))
	for i, item := range q.items {
		got[i] = item.opCtx.UploadID
	}
	q.mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("expected %d queued items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestPriorityQueue_LenByPriority(t *testing.T) {
	q := NewPriorityQueue(openBreaker(), discardLogger(), fastQueueConfig())
	defer q.Close()

	op := func(ctx context.Context) error { return nil }
	q.Enqueue(op, OpContext{Priority: PriorityUrgent})
	q.Enqueue(op, OpContext{Priority: PriorityUrgent})
	q.Enqueue(op, OpContext{Priority: PriorityHigh})

	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	counts := q.LenByPriority()
	if counts["urgent"] != 2 || counts["high"] != 1 {
		t.Errorf("LenByPriority() = %v, want urgent=2 high=1", counts)
	}
	// Zero-valued priorities still appear, for dashboards.
	if _, ok := counts["normal"]; !ok {
		t.Error("expected the normal bucket to be present at zero")
	}
}

func TestPriorityQueue_DrainsInOrder(t *testing.T) {
	breaker := openBreaker()
	q := NewPriorityQueue(breaker, discardLogger(), fastQueueConfig())
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	pendings := make([]*Pending, 0, 3)
	for _, item := range []struct {
		name     string
		priority Priority
	}{
		{"B", PriorityHigh},
		{"A", PriorityUrgent},
		{"C", PriorityHigh},
	} {
		p, err := q.Enqueue(record(item.name), OpContext{UploadID: item.name, Priority: item.priority})
		if err != nil {
			t.Fatalf("Enqueue(%s) error = %v", item.name, err)
		}
		pendings = append(pendings, p)
	}

	// Let the breaker admit traffic and kick the drain.
	breaker.Reset()
	q.Kick()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pendings {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "B", "C"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestPriorityQueue_RequeuesThenDrops(t *testing.T) {
	// The breaker threshold is high so the drain loop keeps running while
	// the item burns through its requeue budget.
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 100,
		CooldownPeriod:   time.Hour,
	})
	cfg := fastQueueConfig()
	cfg.MaxItemRetries = 2
	q := NewPriorityQueue(breaker, discardLogger(), cfg)
	defer q.Close()

	calls := 0
	var mu sync.Mutex
	op := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return &HTTPStatusError{Code: 503}
	}

	pending, err := q.Enqueue(op, OpContext{UploadID: "doomed", Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitErr := pending.Wait(ctx)

	var exhausted *ExhaustedRetriesError
	if !errors.As(waitErr, &exhausted) {
		t.Fatalf("expected *ExhaustedRetriesError, got %v", waitErr)
	}

	mu.Lock()
	defer mu.Unlock()
	// Initial run plus MaxItemRetries requeues.
	if calls != 3 {
		t.Errorf("expected 3 executions, got %d", calls)
	}
	if breaker.Stats().FailureCount != 3 {
		t.Errorf("expected 3 breaker failures, got %d", breaker.Stats().FailureCount)
	}
}

func TestPriorityQueue_PausesWhileCircuitOpen(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   time.Hour,
	})
	breaker.RecordFailure()

	q := NewPriorityQueue(breaker, discardLogger(), fastQueueConfig())
	defer q.Close()

	executed := make(chan struct{})
	op := func(ctx context.Context) error {
		close(executed)
		return nil
	}

	pending, err := q.Enqueue(op, OpContext{UploadID: "waiting", Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Nothing may run while the circuit refuses.
	select {
	case <-executed:
		t.Fatal("operation ran while the circuit was open")
	case <-time.After(50 * time.Millisecond):
	}

	// Once the breaker admits again, the rescheduled drain picks it up.
	breaker.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pending.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestPriorityQueue_CloseSettlesPending(t *testing.T) {
	q := NewPriorityQueue(openBreaker(), discardLogger(), fastQueueConfig())

	op := func(ctx context.Context) error { return nil }
	pending, err := q.Enqueue(op, OpContext{Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	q.Close()

	if waitErr := pending.Wait(context.Background()); !errors.Is(waitErr, ErrQueueClosed) {
		t.Errorf("Wait() after Close = %v, want ErrQueueClosed", waitErr)
	}

	if _, err := q.Enqueue(op, OpContext{Priority: PriorityUrgent}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrQueueClosed", err)
	}

	// Closing twice is fine.
	q.Close()
}

func TestPending_WaitHonorsContext(t *testing.T) {
	q := NewPriorityQueue(openBreaker(), discardLogger(), fastQueueConfig())
	defer q.Close()

	pending, err := q.Enqueue(func(ctx context.Context) error { return nil }, OpContext{Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if waitErr := pending.Wait(ctx); !errors.Is(waitErr, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", waitErr)
	}

	// Abandoning the wait does not remove the item.
	if q.Len() != 1 {
		t.Errorf("expected the item to stay queued, Len() = %d", q.Len())
	}
}

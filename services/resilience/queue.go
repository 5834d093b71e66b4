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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// QueueConfig configures the priority queue and its drain loop.
type QueueConfig struct {
	// MaxItemRetries is how many times a drained item may fail and be
	// requeued before it is dropped for good.
	// Default: 3
	MaxItemRetries int

	// PaceInterval is the pause between drained items.
	// Default: 100ms
	PaceInterval time.Duration

	// RedrainDelay is the wait before another drain attempt when the loop
	// stopped with items still queued.
	// Default: 5s
	RedrainDelay time.Duration
}

// DefaultQueueConfig returns sensible defaults for the drain loop.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxItemRetries: 3,
		PaceInterval:   100 * time.Millisecond,
		RedrainDelay:   5 * time.Second,
	}
}

// Pending is the future handle to a deferred operation's eventual outcome.
// It settles exactly once: nil when the queued operation finally succeeded,
// the classified error when it was dropped, or ErrQueueClosed on shutdown.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Wait blocks until the deferred operation settles or ctx is cancelled.
// Cancellation abandons the wait only; the queued operation keeps running.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return p.err
	}
}

// settle resolves the future. Called exactly once per item: the single
// drain loop owns a popped item, and Close only settles items still queued.
func (p *Pending) settle(err error) {
	p.err = err
	close(p.done)
}

// queueItem is one deferred operation with its retry bookkeeping.
type queueItem struct {
	id         string
	op         Operation
	opCtx      OpContext
	retryCount int
	enqueuedAt time.Time
	pending    *Pending
}

// PriorityQueue defers urgent and high priority operations that were blocked
// by an open circuit, and drains them once the breaker admits traffic again.
//
// Ordering is strict priority rank with stable arrival order within a rank,
// with one exception: an item that failed during a drain is requeued at the
// very front, ahead of everything, until its retries run out.
//
// Thread Safety: Safe for concurrent use. At most one drain loop runs at a
// time.
type PriorityQueue struct {
	breaker *CircuitBreaker
	logger  *slog.Logger
	config  QueueConfig

	// limiter paces the drain loop between items.
	limiter *rate.Limiter

	// baseCtx outlives any caller: queued work keeps running after the
	// enqueuer gives up waiting. Cancelled only by Close.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	items    []*queueItem
	draining bool
	closed   bool
}

// NewPriorityQueue creates an empty queue bound to the given breaker.
//
// Inputs:
//   - breaker: The circuit breaker consulted before each drained item.
//   - logger: Structured logger. Must not be nil.
//   - config: Drain loop tuning. Zero-valued fields fall back to
//     DefaultQueueConfig.
//
// Outputs:
//   - *PriorityQueue: An open, empty queue.
func NewPriorityQueue(breaker *CircuitBreaker, logger *slog.Logger, config QueueConfig) *PriorityQueue {
	defaults := DefaultQueueConfig()
	if config.MaxItemRetries <= 0 {
		config.MaxItemRetries = defaults.MaxItemRetries
	}
	if config.PaceInterval <= 0 {
		config.PaceInterval = defaults.PaceInterval
	}
	if config.RedrainDelay <= 0 {
		config.RedrainDelay = defaults.RedrainDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PriorityQueue{
		breaker: breaker,
		logger:  logger,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.PaceInterval), 1),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue defers an operation and returns the future for its outcome.
//
// Only urgent and high priority work may be deferred; everything else gets
// ErrNotQueueable. Enqueueing triggers a drain attempt immediately, so work
// queued while the circuit allows traffic does not sit until a timer fires.
//
// Inputs:
//   - op: The operation to run later. Must not be nil.
//   - opCtx: Upload metadata; its Priority decides the queue position.
//
// Outputs:
//   - *Pending: Settles when the operation succeeds, is dropped, or the
//     queue closes. Callers that do not care may discard it.
//   - error: ErrNilOperation, ErrNotQueueable, or ErrQueueClosed.
func (q *PriorityQueue) Enqueue(op Operation, opCtx OpContext) (*Pending, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	if !opCtx.Priority.queueable() {
		return nil, ErrNotQueueable
	}

	item := &queueItem{
		id:         uuid.NewString(),
		op:         op,
		opCtx:      opCtx,
		enqueuedAt: time.Now(),
		pending:    newPending(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.insertLocked(item)
	depth := len(q.items)
	q.updateDepthMetricLocked()
	q.mu.Unlock()

	queueEvents.WithLabelValues("enqueued").Inc()
	q.logger.Debug("operation deferred to priority queue",
		"queue_id", item.id,
		"upload_id", opCtx.UploadID,
		"priority", opCtx.Priority.String(),
		"depth", depth,
	)

	q.Kick()
	return item.pending, nil
}

// Kick starts a drain loop unless one is already running, the queue is
// empty, or the queue is closed. Safe to call from anywhere, including the
// breaker's state-change hook.
func (q *PriorityQueue) Kick() {
	q.mu.Lock()
	if q.closed || q.draining || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

// Len returns the number of queued operations.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LenByPriority returns the queued operation count per priority name.
// Every priority appears in the map, zero or not.
func (q *PriorityQueue) LenByPriority() map[string]int {
	counts := map[string]int{
		PriorityUrgent.String(): 0,
		PriorityHigh.String():   0,
		PriorityNormal.String(): 0,
		PriorityLow.String():    0,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		counts[item.opCtx.Priority.String()]++
	}
	return counts
}

// Close shuts the queue down: no further enqueues are accepted, every still
// queued item settles with ErrQueueClosed, and the in-flight item (if any)
// has its context cancelled. Safe to call multiple times.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	orphaned := q.items
	q.items = nil
	q.updateDepthMetricLocked()
	q.mu.Unlock()

	q.cancel()

	for _, item := range orphaned {
		queueEvents.WithLabelValues("closed").Inc()
		item.pending.settle(ErrQueueClosed)
	}

	if len(orphaned) > 0 {
		q.logger.Warn("priority queue closed with items still queued",
			"dropped", len(orphaned),
		)
	}
}

// insertLocked places item after every queued item of equal or more urgent
// rank, keeping arrival order stable within a rank.
// Must be called with lock held.
func (q *PriorityQueue) insertLocked(item *queueItem) {
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.opCtx.Priority > item.opCtx.Priority {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// requeueFront puts a failed item back at the very front of the queue so it
// runs again before anything else. If the queue closed in the meantime the
// item's future settles with ErrQueueClosed instead.
func (q *PriorityQueue) requeueFront(item *queueItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		item.pending.settle(ErrQueueClosed)
		return
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = item
	q.updateDepthMetricLocked()
	q.mu.Unlock()

	queueEvents.WithLabelValues("requeued").Inc()
}

// popFront removes and returns the front item.
func (q *PriorityQueue) popFront() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.updateDepthMetricLocked()
	return item, true
}

// drain runs queued items in order while the breaker admits traffic. Exactly
// one drain runs at a time; Kick enforces that via the draining flag. When
// the loop stops with items left (breaker refused, or a requeue happened on
// the last item) another attempt is scheduled after RedrainDelay.
func (q *PriorityQueue) drain() {
	defer func() {
		q.mu.Lock()
		q.draining = false
		remaining := len(q.items)
		closed := q.closed
		q.mu.Unlock()

		if remaining > 0 && !closed {
			time.AfterFunc(q.config.RedrainDelay, q.Kick)
		}
	}()

	for {
		// Pace between items; aborts when Close cancels the base context.
		if err := q.limiter.Wait(q.baseCtx); err != nil {
			return
		}

		if !q.breaker.CanExecute() {
			q.logger.Debug("drain paused, circuit breaker refused execution",
				"state", q.breaker.State().String(),
				"remaining", q.Len(),
			)
			return
		}

		item, ok := q.popFront()
		if !ok {
			return
		}

		q.executeItem(item)
	}
}

// executeItem runs one drained item, feeds the outcome to the breaker, and
// either settles the item's future or requeues it for another try.
func (q *PriorityQueue) executeItem(item *queueItem) {
	err := item.op(q.baseCtx)
	if err == nil {
		q.breaker.RecordSuccess()
		queueEvents.WithLabelValues("drained").Inc()
		q.logger.Info("queued operation succeeded",
			"queue_id", item.id,
			"upload_id", item.opCtx.UploadID,
			"priority", item.opCtx.Priority.String(),
			"retry_count", item.retryCount,
			"queued_for", time.Since(item.enqueuedAt).String(),
		)
		item.pending.settle(nil)
		return
	}

	q.breaker.RecordFailure()
	netErr := Classify(err)

	if item.opCtx.Priority.queueable() && item.retryCount < q.config.MaxItemRetries {
		item.retryCount++
		q.logger.Warn("queued operation failed, requeueing at front",
			"queue_id", item.id,
			"upload_id", item.opCtx.UploadID,
			"retry_count", item.retryCount,
			"error_type", string(netErr.Type),
			"error", netErr.Message,
		)
		q.requeueFront(item)
		return
	}

	queueEvents.WithLabelValues("dropped").Inc()
	q.logger.Error("queued operation dropped after exhausting retries",
		"queue_id", item.id,
		"upload_id", item.opCtx.UploadID,
		"retry_count", item.retryCount,
		"error_type", string(netErr.Type),
		"error", netErr.Message,
	)
	item.pending.settle(&ExhaustedRetriesError{
		Attempts: item.retryCount + 1,
		LastErr:  netErr,
	})
}

// updateDepthMetricLocked refreshes the per-priority depth gauges.
// Must be called with lock held.
func (q *PriorityQueue) updateDepthMetricLocked() {
	counts := map[Priority]int{}
	for _, item := range q.items {
		counts[item.opCtx.Priority]++
	}
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		queueDepth.WithLabelValues(p.String()).Set(float64(counts[p]))
	}
}

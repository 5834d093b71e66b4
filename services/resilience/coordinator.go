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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/uplink/services/resilience/probe"
)

var coordinatorTracer = otel.Tracer("resilience.coordinator")

// loggerWithTrace returns a logger with trace context attached so log lines
// can be correlated with spans.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// CoordinatorConfig bundles the tuning of every component the coordinator
// owns. The zero value yields all defaults.
type CoordinatorConfig struct {
	// Retry is the default retry policy; per-call configs merge over it.
	Retry *RetryConfig

	// Breaker configures the shared circuit breaker.
	Breaker CircuitBreakerConfig

	// Queue configures the priority queue and its drain loop.
	Queue QueueConfig

	// Store configures the recovery session store.
	Store SessionStoreConfig

	// Sweeper configures the background session age sweep.
	Sweeper SweeperConfig

	// Probe configures the network health prober. Nil disables
	// CheckNetworkHealth.
	Probe *probe.Config
}

// Coordinator owns the single breaker, queue, session store, and sweeper for
// the process and routes every upload operation through them.
//
// One coordinator per process is the intended shape: the breaker state is
// only meaningful when all upload traffic feeds it.
//
// Thread Safety: Safe for concurrent use.
type Coordinator struct {
	logger        *slog.Logger
	retryDefaults *RetryConfig

	breaker *CircuitBreaker
	queue   *PriorityQueue
	store   *SessionStore
	sweeper *Sweeper
	prober  *probe.Prober

	totalCalls atomic.Int64
	successes  atomic.Int64

	closeOnce sync.Once
}

// NewCoordinator wires up the resilience core and starts the session sweep.
//
// Inputs:
//   - ctx: Context for loading persisted sessions.
//   - kv: Durable slot for the session table. Must not be nil.
//   - logger: Structured logger; nil falls back to slog.Default().
//   - config: Component tuning. The zero value yields all defaults.
//
// Outputs:
//   - *Coordinator: Ready for ExecuteWithRetry. Close it on shutdown.
//   - error: Non-nil when the retry defaults are invalid or the persisted
//     session table could not be loaded.
func NewCoordinator(ctx context.Context, kv SessionKV, logger *slog.Logger, config CoordinatorConfig) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	retryDefaults, err := normalizeRetryConfig(config.Retry)
	if err != nil {
		return nil, fmt.Errorf("invalid retry defaults: %w", err)
	}

	c := &Coordinator{
		logger:        logger,
		retryDefaults: retryDefaults,
	}

	breakerCfg := config.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to CircuitState) {
		c.onBreakerTransition(from, to)
		if userHook != nil {
			userHook(from, to)
		}
	}
	c.breaker = NewCircuitBreaker(breakerCfg)
	c.queue = NewPriorityQueue(c.breaker, logger, config.Queue)

	if config.Probe != nil {
		probeCfg := *config.Probe
		if probeCfg.Logger == nil {
			probeCfg.Logger = logger
		}
		prober, err := probe.New(probeCfg)
		if err != nil {
			c.queue.Close()
			return nil, fmt.Errorf("invalid probe config: %w", err)
		}
		c.prober = prober
	}

	store, err := NewSessionStore(ctx, kv, logger, config.Store)
	if err != nil {
		c.queue.Close()
		return nil, err
	}
	c.store = store

	c.sweeper = NewSweeper(store, logger, config.Sweeper)
	if err := c.sweeper.Start(context.Background()); err != nil {
		c.queue.Close()
		return nil, err
	}

	logger.Info("resilience coordinator ready",
		"failure_threshold", c.breaker.config.FailureThreshold,
		"cooldown", c.breaker.config.CooldownPeriod.String(),
		"max_retries", retryDefaults.MaxRetries,
		"stored_sessions", store.Count(),
	)
	return c, nil
}

// ExecuteWithRetry runs op under the full resilience policy.
//
// The flow has three steps:
//
//  1. If the breaker refuses: urgent/high priority work is deferred to the
//     priority queue and this call blocks until the queued attempt settles;
//     everything else fails fast with ErrCircuitOpen, op never invoked.
//  2. Otherwise op runs under the retry loop with cfg merged over the
//     coordinator's defaults. Every failed attempt is recorded against the
//     breaker; the eventual success records one breaker success and clears
//     any recovery sessions for the upload.
//  3. On terminal failure: when the context names an upload and chunk, a
//     recovery session is stored. Urgent/high priority operations are ALSO
//     re-enqueued as a detached background retry — the operation may end up
//     executing twice, and a later background success is never reported to
//     this caller. The terminal error returns synchronously regardless.
//
// Inputs:
//   - ctx: Context for cancellation of the synchronous path. Background
//     queue retries outlive it on purpose.
//   - op: The operation. Must not be nil; must tolerate re-invocation.
//   - cfg: Optional retry override, merged over the coordinator defaults.
//   - opCtx: Upload metadata and priority. The zero value is valid.
//
// Outputs:
//   - error: nil on success; ErrCircuitOpen when rejected; an
//     *ExhaustedRetriesError on terminal failure; the context error when
//     cancelled mid-flight.
func (c *Coordinator) ExecuteWithRetry(ctx context.Context, op Operation, cfg *RetryConfig, opCtx OpContext) error {
	if op == nil {
		return ErrNilOperation
	}

	ctx, span := coordinatorTracer.Start(ctx, "resilience.Coordinator.ExecuteWithRetry",
		trace.WithAttributes(
			attribute.String("priority", opCtx.Priority.String()),
			attribute.String("upload_id", opCtx.UploadID),
			attribute.Int("chunk_index", opCtx.ChunkIndex),
		),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, c.logger)
	priority := opCtx.Priority.String()

	// Step 1: breaker gate. CanExecute may flip open to half-open here, in
	// which case this very call becomes the probe.
	if !c.breaker.CanExecute() {
		if opCtx.Priority.queueable() {
			return c.deferToQueue(ctx, span, logger, op, opCtx)
		}

		c.totalCalls.Add(1)
		operationsTotal.WithLabelValues("circuit_open", priority).Inc()
		span.SetStatus(codes.Error, "circuit open")
		logger.Warn("circuit open, upload operation rejected",
			"upload_id", opCtx.UploadID,
			"priority", priority,
		)
		return ErrCircuitOpen
	}

	// Step 2: retry loop with per-attempt breaker feedback.
	merged, err := c.effectiveRetryConfig(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid retry config")
		return err
	}

	attempted := func(ctx context.Context) error {
		opErr := op(ctx)
		if opErr != nil {
			c.breaker.RecordFailure()
		}
		return opErr
	}

	result, runErr := Retry(ctx, merged, attempted)
	c.totalCalls.Add(1)

	if runErr == nil {
		c.successes.Add(1)
		c.breaker.RecordSuccess()
		operationsTotal.WithLabelValues("success", priority).Inc()
		span.SetAttributes(attribute.Int("attempts", result.Attempts))

		if opCtx.UploadID != "" {
			if _, clearErr := c.store.ClearSession(ctx, opCtx.UploadID); clearErr != nil {
				logger.Warn("upload succeeded but session cleanup failed",
					"upload_id", opCtx.UploadID,
					"error", clearErr,
				)
			}
		}
		return nil
	}

	span.RecordError(runErr)

	var exhausted *ExhaustedRetriesError
	if !errors.As(runErr, &exhausted) {
		// Cancelled between attempts or during a backoff wait. Not a network
		// verdict, so no session and no background retry.
		operationsTotal.WithLabelValues("canceled", priority).Inc()
		span.SetStatus(codes.Error, "cancelled")
		return runErr
	}

	// Step 3: terminal failure bookkeeping.
	operationsTotal.WithLabelValues("exhausted", priority).Inc()
	span.SetStatus(codes.Error, "retries exhausted")
	span.SetAttributes(attribute.Int("attempts", exhausted.Attempts))

	logger.Error("upload operation failed terminally",
		"upload_id", opCtx.UploadID,
		"priority", priority,
		"attempts", exhausted.Attempts,
		"error", runErr,
	)

	if opCtx.hasUploadContext() {
		attemptErrs := make([]*NetworkError, 0, len(result.History))
		for _, a := range result.History {
			attemptErrs = append(attemptErrs, a.Err)
		}
		if _, sessErr := c.store.CreateSession(ctx, opCtx, attemptErrs); sessErr != nil {
			logger.Warn("failed to record recovery session",
				"upload_id", opCtx.UploadID,
				"error", sessErr,
			)
		}
	}

	if opCtx.Priority.queueable() {
		// Detached background retry path. The failure below still returns
		// to the caller; a later success here is not reported back.
		if pending, qErr := c.queue.Enqueue(op, opCtx); qErr == nil {
			go c.watchBackgroundRetry(pending, opCtx)
			logger.Info("operation handed to background retry queue",
				"upload_id", opCtx.UploadID,
				"priority", priority,
			)
		} else if !errors.Is(qErr, ErrQueueClosed) {
			logger.Warn("failed to defer operation for background retry",
				"upload_id", opCtx.UploadID,
				"error", qErr,
			)
		}
	}

	return runErr
}

// deferToQueue implements the blocked-but-important path: enqueue and wait
// for the queued attempt to settle.
func (c *Coordinator) deferToQueue(ctx context.Context, span trace.Span, logger *slog.Logger, op Operation, opCtx OpContext) error {
	priority := opCtx.Priority.String()

	pending, err := c.queue.Enqueue(op, opCtx)
	if err != nil {
		c.totalCalls.Add(1)
		operationsTotal.WithLabelValues("circuit_open", priority).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "deferral failed")
		return err
	}

	logger.Info("circuit open, operation deferred to priority queue",
		"upload_id", opCtx.UploadID,
		"priority", priority,
	)
	span.AddEvent("deferred to priority queue")

	waitErr := pending.Wait(ctx)
	c.totalCalls.Add(1)

	switch {
	case waitErr == nil:
		c.successes.Add(1)
		operationsTotal.WithLabelValues("deferred_success", priority).Inc()
		if opCtx.UploadID != "" {
			if _, clearErr := c.store.ClearSession(ctx, opCtx.UploadID); clearErr != nil {
				logger.Warn("deferred upload succeeded but session cleanup failed",
					"upload_id", opCtx.UploadID,
					"error", clearErr,
				)
			}
		}
		return nil

	case isTerminal(waitErr):
		operationsTotal.WithLabelValues("deferred_failure", priority).Inc()
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, "deferred operation failed")
		return waitErr

	default:
		// Caller stopped waiting; the queued item keeps its place and will
		// still run, with nobody listening.
		operationsTotal.WithLabelValues("canceled", priority).Inc()
		span.SetStatus(codes.Error, "cancelled while deferred")
		return waitErr
	}
}

// isTerminal reports whether err is a settled queue outcome rather than the
// waiter's own context expiring.
func isTerminal(err error) bool {
	var exhausted *ExhaustedRetriesError
	return errors.As(err, &exhausted) || errors.Is(err, ErrQueueClosed)
}

// watchBackgroundRetry follows a detached queue retry to its end and keeps
// the session table in sync with the outcome.
func (c *Coordinator) watchBackgroundRetry(pending *Pending, opCtx OpContext) {
	err := pending.Wait(context.Background())

	switch {
	case err == nil:
		if opCtx.UploadID != "" {
			if _, clearErr := c.store.ClearSession(context.Background(), opCtx.UploadID); clearErr != nil && !errors.Is(clearErr, ErrStoreClosed) {
				c.logger.Warn("background retry succeeded but session cleanup failed",
					"upload_id", opCtx.UploadID,
					"error", clearErr,
				)
				return
			}
		}
		c.logger.Info("background retry recovered upload",
			"upload_id", opCtx.UploadID,
		)

	case errors.Is(err, ErrQueueClosed):
		// Shutdown; the session (if any) stays for the next process run.

	default:
		netErr := Classify(err)
		var exhausted *ExhaustedRetriesError
		if errors.As(err, &exhausted) && exhausted.LastErr != nil {
			netErr = exhausted.LastErr
		}
		if opCtx.UploadID != "" {
			if _, appendErr := c.store.AppendError(context.Background(), opCtx.UploadID, netErr); appendErr != nil && !errors.Is(appendErr, ErrStoreClosed) {
				c.logger.Warn("failed to record background retry failure",
					"upload_id", opCtx.UploadID,
					"error", appendErr,
				)
			}
		}
		c.logger.Warn("background retry gave up",
			"upload_id", opCtx.UploadID,
			"error", err,
		)
	}
}

// effectiveRetryConfig merges a per-call override over the coordinator's
// defaults. Boolean fields are taken as given; zero numerics inherit.
func (c *Coordinator) effectiveRetryConfig(cfg *RetryConfig) (*RetryConfig, error) {
	if cfg == nil {
		merged := *c.retryDefaults
		return &merged, nil
	}

	merged := *cfg
	if merged.MaxRetries == 0 {
		merged.MaxRetries = c.retryDefaults.MaxRetries
	}
	if merged.BaseDelay == 0 {
		merged.BaseDelay = c.retryDefaults.BaseDelay
	}
	if merged.MaxDelay == 0 {
		merged.MaxDelay = c.retryDefaults.MaxDelay
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// onBreakerTransition reacts to breaker state changes. Runs under the
// breaker lock via the OnStateChange hook.
func (c *Coordinator) onBreakerTransition(from, to CircuitState) {
	switch to {
	case CircuitOpen:
		c.logger.Warn("circuit breaker opened, upload traffic blocked",
			"from", from.String(),
		)
	case CircuitHalfOpen:
		c.logger.Info("circuit breaker half-open, probing connection",
			"from", from.String(),
		)
	case CircuitClosed:
		c.logger.Info("circuit breaker closed, resuming uploads",
			"from", from.String(),
		)
		c.queue.Kick()
	}
}

// RecoverInterruptedUploads returns the sessions a resume-prompt UI should
// offer, most important first.
func (c *Coordinator) RecoverInterruptedUploads() []*RecoverySession {
	return c.store.ListRecoverable(0)
}

// ClearRecoverySession removes every recovery session for an upload.
// Idempotent; clearing an unknown upload removes nothing and succeeds.
func (c *Coordinator) ClearRecoverySession(ctx context.Context, uploadID string) (int, error) {
	return c.store.ClearSession(ctx, uploadID)
}

// CheckNetworkHealth measures connectivity against the configured probe
// endpoint. Advisory only: the result never feeds the circuit breaker, which
// reacts to real upload traffic alone.
func (c *Coordinator) CheckNetworkHealth(ctx context.Context) (probe.Result, error) {
	if c.prober == nil {
		return probe.Result{}, ErrProbeDisabled
	}
	return c.prober.Check(ctx)
}

// Health returns a point-in-time snapshot of breaker and queue state.
func (c *Coordinator) Health() SystemHealth {
	stats := c.breaker.Stats()
	return SystemHealth{
		CircuitBreakerState: stats.State.String(),
		FailureCount:        stats.FailureCount,
		QueueLength:         c.queue.Len(),
		QueueByPriority:     c.queue.LenByPriority(),
	}
}

// BreakerStats exposes the full breaker statistics for diagnostics surfaces.
func (c *Coordinator) BreakerStats() CircuitBreakerStats {
	return c.breaker.Stats()
}

// ReliabilityStats aggregates upload reliability for dashboards. SuccessRate
// counts completed ExecuteWithRetry calls; detached background retries are
// not calls and do not move it.
func (c *Coordinator) ReliabilityStats() ReliabilityStats {
	total, avgRetries, byType := c.store.Snapshot()

	rate := 0.0
	if calls := c.totalCalls.Load(); calls > 0 {
		rate = float64(c.successes.Load()) / float64(calls)
	}

	return ReliabilityStats{
		TotalSessions:      total,
		SuccessRate:        rate,
		AverageRetryCount:  avgRetries,
		CommonErrorsByType: byType,
	}
}

// Close shuts down the sweeper, the queue, and the session store, in that
// order. Safe to call multiple times; only the first call does the work.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("resilience coordinator shutting down")
		c.sweeper.Stop()
		c.queue.Close()
		err = c.store.Close(ctx)
	})
	return err
}

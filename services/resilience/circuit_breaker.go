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
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows operations through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects operations until the cooldown elapses.
	CircuitOpen

	// CircuitHalfOpen lets probes through to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	// Default: 5
	FailureThreshold int

	// CooldownPeriod is how long the circuit stays open before the next
	// CanExecute call is allowed to probe.
	// Default: 30s
	CooldownPeriod time.Duration

	// OnStateChange, when set, is invoked after every state transition with
	// the old and new state. It runs after the breaker lock is released, so
	// it may call back into the breaker; callbacks for concurrent
	// transitions may be delivered out of order.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults for upload traffic.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for fault tolerance.
//
// The circuit breaker has three states:
// - Closed: Normal operation, operations pass through
// - Open: Failure threshold exceeded, operations are rejected immediately
// - Half-Open: Cooldown elapsed, probes allowed to test recovery
//
// Half-open does not gate the number of concurrent probes: every caller that
// asks while half-open is admitted. A single probe success closes the
// circuit; a single probe failure reopens it.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	lastStateChange time.Time

	// now is swappable so tests can step through the cooldown window.
	now func() time.Time

	mu sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
//
// Inputs:
//   - config: Thresholds, cooldown, and the optional transition hook.
//     Zero-valued fields fall back to DefaultCircuitBreakerConfig.
//
// Outputs:
//   - *CircuitBreaker: A new circuit breaker in closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = defaults.CooldownPeriod
	}

	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// CanExecute checks whether an operation may run right now.
//
// Closed always admits. Open admits once the cooldown has elapsed, flipping
// the circuit to half-open as a side effect. Half-open always admits.
//
// Outputs:
//   - bool: True if the operation may run.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) CanExecute() bool {
	var fire func()
	admit := false

	cb.mu.Lock()
	switch cb.state {
	case CircuitClosed:
		admit = true

	case CircuitOpen:
		now := cb.now()
		if !now.Before(cb.nextAttemptTime) {
			fire = cb.transitionTo(CircuitHalfOpen, now)
			admit = true
		}

	case CircuitHalfOpen:
		// No probe limit: concurrent callers all get to test the connection.
		admit = true
	}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
	return admit
}

// RecordSuccess records a successful operation.
//
// While closed, a success pays the failure count down one step instead of
// clearing it. While half-open, a success closes the circuit and resets the
// count to zero.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordSuccess() {
	var fire func()

	cb.mu.Lock()
	switch cb.state {
	case CircuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}

	case CircuitHalfOpen:
		fire = cb.transitionTo(CircuitClosed, cb.now())
	}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure records a failed operation.
//
// The count increments in every state. Reaching the threshold opens the
// circuit; failures recorded at or past the threshold refresh the cooldown,
// so a failed half-open probe reopens the circuit for a full cooldown.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordFailure() {
	var fire func()

	cb.mu.Lock()
	now := cb.now()
	cb.failureCount++
	cb.lastFailureTime = now

	if cb.failureCount >= cb.config.FailureThreshold {
		fire = cb.transitionTo(CircuitOpen, now)
	}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the current circuit state.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset returns the circuit breaker to the closed state.
//
// This is primarily for testing or manual intervention.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	fire := cb.transitionTo(CircuitClosed, cb.now())
	cb.failureCount = 0
	cb.nextAttemptTime = time.Time{}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
// The OnStateChange hook is not invoked here: the returned func, when
// non-nil, carries the pending callback for the caller to run after
// releasing the lock.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) func() {
	from := cb.state
	cb.state = newState

	switch newState {
	case CircuitOpen:
		cb.nextAttemptTime = now.Add(cb.config.CooldownPeriod)
	case CircuitClosed:
		cb.failureCount = 0
	}

	if from == newState {
		return nil
	}
	cb.lastStateChange = now
	circuitState.Set(float64(newState))
	circuitTransitionsTotal.WithLabelValues(from.String(), newState.String()).Inc()

	if cb.config.OnStateChange == nil {
		return nil
	}
	hook := cb.config.OnStateChange
	return func() { hook(from, newState) }
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State           CircuitState
	FailureCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
	LastStateChange time.Time
}

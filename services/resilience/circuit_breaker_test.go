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
	"testing"
	"time"
)

// stepClock makes the breaker's cooldown window controllable in tests.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *stepClock) {
	cb := NewCircuitBreaker(cfg)
	clock := newStepClock()
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state closed, got %v", cb.State())
	}
	if !cb.CanExecute() {
		t.Error("expected CanExecute() true while closed")
	}
}

func TestCircuitBreaker_OpensAfterFiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Fatalf("expected closed before the threshold, got %v after %d failures", cb.State(), i+1)
		}
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 5 failures, got %v", cb.State())
	}
	if cb.CanExecute() {
		t.Error("expected CanExecute() false while open inside the cooldown")
	}
}

func TestCircuitBreaker_CooldownTransitionsToHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		CooldownPeriod:   30 * time.Second,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	clock.Advance(29 * time.Second)
	if cb.CanExecute() {
		t.Error("expected CanExecute() false before the cooldown elapses")
	}

	clock.Advance(time.Second)
	if !cb.CanExecute() {
		t.Error("expected CanExecute() true once the cooldown has elapsed")
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open after the admitting CanExecute, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsEveryProbe(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   time.Second,
	})

	cb.RecordFailure()
	clock.Advance(time.Second)

	// There is no single-probe gate: every asker while half-open is admitted.
	for i := 0; i < 10; i++ {
		if !cb.CanExecute() {
			t.Fatalf("expected probe %d to be admitted while half-open", i)
		}
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected state to stay half-open, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		CooldownPeriod:   time.Second,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Second)
	if !cb.CanExecute() {
		t.Fatal("expected the probe to be admitted")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after a half-open success, got %v", cb.State())
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Errorf("expected failure count reset to 0, got %d", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		CooldownPeriod:   time.Second,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.CanExecute() // flips to half-open

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected a failed probe to reopen the circuit, got %v", cb.State())
	}

	// The cooldown restarts from the probe failure.
	if cb.CanExecute() {
		t.Error("expected CanExecute() false right after reopening")
	}
	clock.Advance(time.Second)
	if !cb.CanExecute() {
		t.Error("expected the refreshed cooldown to elapse")
	}
}

func TestCircuitBreaker_SuccessWhileClosedDecrements(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess() // pays one failure down, not all of them

	if got := cb.Stats().FailureCount; got != 2 {
		t.Errorf("expected failure count 2 after one success, got %d", got)
	}

	// Two more failures bring the count to 4: still below the threshold.
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed at 4 failures, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("expected open at the threshold, got %v", cb.State())
	}
}

func TestCircuitBreaker_SuccessAtZeroIsNoOp(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())

	cb.RecordSuccess()
	if got := cb.Stats().FailureCount; got != 0 {
		t.Errorf("expected failure count to stay 0, got %d", got)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]CircuitState

	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   time.Second,
		OnStateChange: func(from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, [2]CircuitState{from, to})
			mu.Unlock()
		},
	})

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.CanExecute()
	cb.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()

	want := [][2]CircuitState{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(transitions), transitions)
	}
	for i, tr := range want {
		if transitions[i] != tr {
			t.Errorf("transition %d = %v -> %v, want %v -> %v",
				i, transitions[i][0], transitions[i][1], tr[0], tr[1])
		}
	}
}

func TestCircuitBreaker_OnStateChangeRunsUnlocked(t *testing.T) {
	// The hook reads breaker state back, which only terminates when the
	// callback fires after the lock is released.
	var (
		cb       *CircuitBreaker
		observed []CircuitState
	)

	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   time.Second,
		OnStateChange: func(from, to CircuitState) {
			observed = append(observed, cb.State())
		},
	})

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.CanExecute()
	cb.RecordSuccess()

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(observed) != len(want) {
		t.Fatalf("expected %d callbacks, got %d: %v", len(want), len(observed), observed)
	}
	for i, state := range want {
		if observed[i] != state {
			t.Errorf("callback %d saw state %v, want %v", i, observed[i], state)
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after Reset, got %v", cb.State())
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Errorf("expected failure count 0 after Reset, got %d", got)
	}
	if !cb.CanExecute() {
		t.Error("expected CanExecute() true after Reset")
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.RecordFailure()
				cb.CanExecute()
				cb.RecordSuccess()
				cb.Stats()
			}
		}()
	}
	wg.Wait()

	// The invariant under any interleaving: a non-negative count and a
	// printable state.
	stats := cb.Stats()
	if stats.FailureCount < 0 {
		t.Errorf("failure count went negative: %d", stats.FailureCount)
	}
	if stats.State.String() == "unknown" {
		t.Errorf("breaker landed in an unknown state: %d", stats.State)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

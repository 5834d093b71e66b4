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
	"testing"
	"time"
)

func TestSweeper_RunNow(t *testing.T) {
	store, clock := newTestStore(t, &memKV{})
	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{})

	store.CreateSession(context.Background(), uploadCtx("expired", PriorityNormal), nil)
	clock.Advance(25 * time.Hour)
	store.CreateSession(context.Background(), uploadCtx("fresh", PriorityNormal), nil)

	deleted, err := sweeper.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 session deleted, got %d", deleted)
	}
	if store.Count() != 1 {
		t.Errorf("expected 1 session left, got %d", store.Count())
	}
}

func TestSweeper_StartSweepsImmediately(t *testing.T) {
	store, clock := newTestStore(t, &memKV{})

	store.CreateSession(context.Background(), uploadCtx("stale", PriorityNormal), nil)
	clock.Advance(25 * time.Hour)

	// A long interval proves it was the startup sweep, not the ticker.
	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{Interval: time.Hour})
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sweeper.Stop()

	deadline := time.After(2 * time.Second)
	for store.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("startup sweep never removed the stale session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweeper_PeriodicSweep(t *testing.T) {
	store, clock := newTestStore(t, &memKV{})

	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{Interval: 20 * time.Millisecond})
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sweeper.Stop()

	// The session expires after the startup sweep has already run, so only
	// a ticker-driven sweep can delete it.
	store.CreateSession(context.Background(), uploadCtx("doomed", PriorityNormal), nil)
	clock.Advance(25 * time.Hour)

	deadline := time.After(2 * time.Second)
	for store.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("periodic sweep never removed the expired session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweeper_DoubleStartFails(t *testing.T) {
	store, _ := newTestStore(t, &memKV{})
	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{Interval: time.Hour})

	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sweeper.Stop()

	if err := sweeper.Start(context.Background()); err == nil {
		t.Error("expected the second Start() to fail")
	}
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, &memKV{})
	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{Interval: time.Hour})

	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sweeper.Stop()
	sweeper.Stop()

	// Restart after a full stop works.
	if err := sweeper.Start(context.Background()); err != nil {
		t.Errorf("restart after Stop() error = %v", err)
	}
	sweeper.Stop()
}

func TestSweeper_SurvivesStoreErrors(t *testing.T) {
	store, _ := newTestStore(t, &memKV{})
	store.Close(context.Background())

	sweeper := NewSweeper(store, discardLogger(), SweeperConfig{Interval: 10 * time.Millisecond})
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A failing store must not kill the loop; Stop still works cleanly
	// after several error cycles.
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
}

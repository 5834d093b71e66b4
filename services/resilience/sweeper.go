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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Session Age Sweeper
// =============================================================================

// SweeperConfig holds configuration for the background session sweep.
//
// # Fields
//
//   - Interval: How often to sweep expired sessions. Default: 1 hour.
type SweeperConfig struct {
	Interval time.Duration
}

// DefaultSweeperConfig returns the production sweep cadence.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 1 * time.Hour,
	}
}

// Sweeper periodically deletes recovery sessions past their maximum age.
//
// # Description
//
// Runs the store's age sweep on a fixed interval using the ticker + done
// channel pattern for graceful shutdown. Expired sessions are deleted
// unconditionally, resolved or not; that cap on resumability is the point
// of the sweep, not a side effect.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex guards the running state.
type Sweeper struct {
	store   *SessionStore
	logger  *slog.Logger
	config  SweeperConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper bound to the given store.
//
// # Inputs
//
//   - store: The session store to sweep. Must not be nil.
//   - logger: Structured logger. Must not be nil.
//   - config: Sweep cadence. Zero interval falls back to the default.
//
// # Outputs
//
//   - *Sweeper: Ready to Start().
func NewSweeper(store *SessionStore, logger *slog.Logger, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		store:  store,
		logger: logger,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Description
//
// Starts a goroutine that sweeps once immediately and then at the
// configured interval until Stop() is called or the context is cancelled.
//
// # Inputs
//
//   - ctx: Context for cancellation. When cancelled, the sweeper stops.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	s.logger.Info("session sweeper starting",
		"interval", s.config.Interval.String(),
		"max_age", s.store.config.MaxAge.String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("session sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow triggers an immediate sweep outside the schedule.
//
// # Outputs
//
//   - int: Number of sessions deleted.
//   - error: Non-nil if the store rejected the sweep.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	return s.store.SweepExpired(ctx)
}

// runLoop is the sweeper goroutine.
func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Sweep immediately on start to clear anything stale from before the
	// last shutdown.
	s.executeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped (context cancelled)")
			return
		case <-s.done:
			s.logger.Info("session sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep runs one sweep and keeps errors from killing the loop.
func (s *Sweeper) executeSweep(ctx context.Context) {
	deleted, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return
	}

	if deleted > 0 {
		s.logger.Info("session sweep completed",
			"deleted", deleted,
			"remaining", s.store.Count(),
		)
	} else {
		s.logger.Debug("session sweep completed (nothing expired)")
	}
}

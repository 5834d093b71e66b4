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
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt,
	// so MaxRetries+1 attempts happen in total.
	// Default: 3
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	// Default: 30s
	MaxDelay time.Duration

	// ExponentialBackoff doubles the delay after each failed attempt.
	// When false every wait is BaseDelay.
	// Default: true
	ExponentialBackoff bool

	// JitterEnabled stretches each wait by a random factor in [1.0, 1.3)
	// to avoid synchronized retry storms. Jitter never shrinks a wait.
	// Default: true
	JitterEnabled bool
}

// DefaultRetryConfig returns sensible defaults for upload retry behavior.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:         3,
		BaseDelay:          1 * time.Second,
		MaxDelay:           30 * time.Second,
		ExponentialBackoff: true,
		JitterEnabled:      true,
	}
}

// Validate checks if the retry configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %v is below base delay %v", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// applyDefaults fills zero-valued numeric fields from DefaultRetryConfig.
// Boolean fields are taken as given.
func (c *RetryConfig) applyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.MaxDelay
	}
}

// normalizeRetryConfig merges a possibly partial config over the defaults.
// A nil config means "use the defaults" unchanged. The caller's config is
// never mutated.
func normalizeRetryConfig(cfg *RetryConfig) (*RetryConfig, error) {
	if cfg == nil {
		return DefaultRetryConfig(), nil
	}
	merged := *cfg
	merged.applyDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// RetryResult contains the outcome of a retry loop.
type RetryResult struct {
	// Attempts is the number of attempts made (at least 1).
	Attempts int

	// History records each failed attempt in order. Empty on first-try
	// success.
	History []RetryAttempt

	// TotalDuration is the total time spent including backoff waits.
	TotalDuration time.Duration

	// LastError is the classified error from the last failed attempt,
	// nil if the final attempt succeeded.
	LastError *NetworkError
}

// Retry executes op until it succeeds, fails non-retryably, or the retry
// budget is exhausted.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil. Cancellation is
//     honored between attempts and during backoff waits.
//   - cfg: Retry configuration. May be nil or partial; missing fields are
//     filled from DefaultRetryConfig.
//   - op: The operation to execute and potentially retry.
//
// Outputs:
//   - *RetryResult: Statistics about the attempts made.
//   - error: nil on success; an *ExhaustedRetriesError when an attempt
//     failed non-retryably or the budget ran out; the context error on
//     cancellation.
//
// Every failure is classified with Classify before the retry decision, so
// a 404 stops immediately while a refused connection keeps retrying.
//
// Example:
//
//	result, err := Retry(ctx, nil, func(ctx context.Context) error {
//	    return uploadChunk(ctx, chunk)
//	})
func Retry(ctx context.Context, cfg *RetryConfig, op Operation) (*RetryResult, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	merged, err := normalizeRetryConfig(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &RetryResult{}

	for attempt := 0; attempt <= merged.MaxRetries; attempt++ {
		// Check context before attempting
		if err := ctx.Err(); err != nil {
			result.LastError = Classify(err)
			result.TotalDuration = time.Since(start)
			return result, err
		}

		result.Attempts = attempt + 1

		opErr := op(ctx)
		if opErr == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		netErr := Classify(opErr)
		result.LastError = netErr
		retryAttemptsTotal.WithLabelValues(string(netErr.Type)).Inc()

		record := RetryAttempt{
			AttemptNumber: attempt,
			Err:           netErr,
			Timestamp:     time.Now(),
		}

		// Non-retryable failures stop immediately; they surface in the same
		// terminal shape as an exhausted budget, with Attempts telling the
		// two apart.
		if !netErr.Retryable {
			result.History = append(result.History, record)
			result.TotalDuration = time.Since(start)
			return result, &ExhaustedRetriesError{
				Attempts: result.Attempts,
				LastErr:  netErr,
			}
		}

		// Don't wait after the last attempt
		if attempt == merged.MaxRetries {
			result.History = append(result.History, record)
			break
		}

		record.Delay = backoffDelay(merged, attempt)
		result.History = append(result.History, record)
		retryBackoffSeconds.Observe(record.Delay.Seconds())

		// Wait or cancel
		select {
		case <-ctx.Done():
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(record.Delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result, &ExhaustedRetriesError{
		Attempts: result.Attempts,
		LastErr:  result.LastError,
	}
}

// backoffDelay returns the wait after failed attempt number attempt
// (counting from 0): min(BaseDelay*2^attempt, MaxDelay) under exponential
// backoff, BaseDelay otherwise, stretched by jitter when enabled.
func backoffDelay(cfg *RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	if cfg.ExponentialBackoff {
		delay = cfg.BaseDelay << uint(attempt)
		// Shift overflow shows up as a non-positive duration.
		if delay <= 0 || delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	if cfg.JitterEnabled {
		delay = time.Duration(float64(delay) * (1.0 + rand.Float64()*0.3))
	}
	return delay
}

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
	"errors"
	"fmt"
)

// Sentinel errors for the resilience core.
var (
	// ErrCircuitOpen indicates the circuit breaker is open and the operation
	// was rejected before it ran. It bypasses classification entirely.
	ErrCircuitOpen = errors.New("circuit breaker is open, upload operations blocked")

	// ErrQueueClosed indicates the priority queue has shut down; pending
	// futures are rejected with this error.
	ErrQueueClosed = errors.New("priority queue is closed")

	// ErrStoreClosed indicates the recovery session store has shut down.
	ErrStoreClosed = errors.New("recovery session store is closed")

	// ErrNilOperation indicates a nil operation was submitted.
	ErrNilOperation = errors.New("operation must not be nil")

	// ErrNotQueueable indicates an attempt to defer normal or low priority
	// work; only urgent and high priority operations may be queued.
	ErrNotQueueable = errors.New("only urgent and high priority operations can be queued")

	// ErrProbeDisabled indicates CheckNetworkHealth was called on a
	// coordinator built without a probe endpoint.
	ErrProbeDisabled = errors.New("network probe is not configured")
)

// ExhaustedRetriesError is the terminal failure of a retry loop: either the
// last attempt failed with a retryable error and the budget ran out, or an
// attempt failed with a non-retryable error.
//
// Unwrap exposes the last classified *NetworkError so callers can reach the
// underlying cause with errors.Is/errors.As.
type ExhaustedRetriesError struct {
	// Attempts is the number of attempts made, including the first.
	Attempts int

	// LastErr is the classified error from the final attempt.
	LastErr *NetworkError
}

// Error implements the error interface.
func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.LastErr)
}

// Unwrap returns the last classified error.
func (e *ExhaustedRetriesError) Unwrap() error {
	if e.LastErr == nil {
		return nil
	}
	return e.LastErr
}

// HTTPStatusError is the error shape upload transports should return when a
// request completes with a non-success status. The classifier maps it to a
// server or client NetworkError by status code.
type HTTPStatusError struct {
	// Code is the HTTP status code.
	Code int

	// Status is the status line or a short description.
	Status string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Status)
}

// StatusCode returns the HTTP status code.
func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

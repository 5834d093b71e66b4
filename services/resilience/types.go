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
	"encoding/json"
	"fmt"
	"time"
)

// Operation is a unit of fallible work executed under resilience control.
// A result value, if any, is captured by the caller's closure.
//
// Operations may run more than once (retries, deferred queue execution) and
// must therefore be safe to re-invoke.
type Operation func(ctx context.Context) error

// ErrorType categorizes a classified network failure.
type ErrorType string

const (
	// ErrorTypeConnection covers connection, DNS, and socket failures.
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeTimeout covers cancellations and deadline expiries.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeServer covers HTTP 5xx responses and 429 rate limiting.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeClient covers HTTP 4xx responses other than 429.
	ErrorTypeClient ErrorType = "client"

	// ErrorTypeUnknown covers everything else. Treated as retryable on the
	// assumption that transient faults outnumber permanent ones.
	ErrorTypeUnknown ErrorType = "unknown"
)

// NetworkError is an immutable, retry-annotated classification of a raw
// failure. Produced by Classify; never mutated afterwards.
type NetworkError struct {
	// Type is the failure category.
	Type ErrorType `json:"type"`

	// Code is a short machine-readable cause, e.g. "connection_refused",
	// "deadline_exceeded", "http_503". Empty when nothing specific is known.
	Code string `json:"code,omitempty"`

	// Message is the raw error text.
	Message string `json:"message"`

	// Retryable reports whether the retry loop may try again.
	Retryable bool `json:"retryable"`

	// StatusCode is the HTTP status when one was discovered, else 0.
	StatusCode int `json:"status_code,omitempty"`

	// Timestamp records when the failure was classified.
	Timestamp time.Time `json:"timestamp"`

	cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the raw error this classification was derived from.
func (e *NetworkError) Unwrap() error {
	return e.cause
}

// Priority orders deferred work. Lower values drain first.
type Priority int

const (
	// PriorityUrgent is drained before everything else.
	PriorityUrgent Priority = iota

	// PriorityHigh is deferred to the queue when the circuit is open.
	PriorityHigh

	// PriorityNormal fails fast when the circuit is open.
	PriorityNormal

	// PriorityLow fails fast when the circuit is open.
	PriorityLow
)

// String returns the human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// queueable reports whether work at this priority may be deferred to the
// priority queue instead of failing fast.
func (p Priority) queueable() bool {
	return p == PriorityUrgent || p == PriorityHigh
}

// MarshalJSON encodes the priority as its string name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority from its string name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name to its Priority value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// OpContext carries the upload metadata an operation is executed on behalf
// of. The zero value means "no upload context, normal priority".
type OpContext struct {
	// UploadID ties the operation to an upload. Required for recovery
	// session bookkeeping; empty means no session is ever recorded.
	UploadID string

	// ChunkIndex is the chunk this operation uploads, or negative when the
	// operation is not chunk-scoped. Note that 0 is a valid chunk.
	ChunkIndex int

	// TotalChunks is the chunk count of the whole upload, when known.
	TotalChunks int

	// ChunksCompleted lists chunk indexes already uploaded, when known.
	// Out-of-range entries are discarded by the session store.
	ChunksCompleted []int

	// FileName and FileSize describe the file for resume-prompt UIs.
	FileName string
	FileSize int64

	// Priority decides queue admission when the circuit is open.
	Priority Priority
}

// hasUploadContext reports whether a terminal failure should record a
// recovery session for this operation.
func (o OpContext) hasUploadContext() bool {
	return o.UploadID != "" && o.ChunkIndex >= 0
}

// RetryAttempt is a diagnostic record of one attempt inside a retry loop.
type RetryAttempt struct {
	// AttemptNumber counts from 0 for the initial attempt.
	AttemptNumber int `json:"attempt_number"`

	// Delay is the backoff slept before the NEXT attempt (0 on the last).
	Delay time.Duration `json:"delay"`

	// Err is the classified failure of this attempt.
	Err *NetworkError `json:"error"`

	// Timestamp records when the attempt failed.
	Timestamp time.Time `json:"timestamp"`
}

// SystemHealth is a point-in-time snapshot of the resilience core.
type SystemHealth struct {
	// CircuitBreakerState is the breaker state name: closed, open, half-open.
	CircuitBreakerState string `json:"circuit_breaker_state"`

	// FailureCount is the breaker's current consecutive-failure count.
	FailureCount int `json:"failure_count"`

	// QueueLength is the total number of deferred operations.
	QueueLength int `json:"queue_length"`

	// QueueByPriority breaks the queue length down per priority name.
	QueueByPriority map[string]int `json:"queue_by_priority"`
}

// ReliabilityStats aggregates upload reliability for dashboards.
type ReliabilityStats struct {
	// TotalSessions is the number of recovery sessions currently stored.
	TotalSessions int `json:"total_sessions"`

	// SuccessRate is successes divided by completed executions, in [0, 1].
	// Zero when nothing has executed yet.
	SuccessRate float64 `json:"success_rate"`

	// AverageRetryCount is the mean RetryCount across stored sessions.
	AverageRetryCount float64 `json:"average_retry_count"`

	// CommonErrorsByType counts stored session errors per ErrorType.
	CommonErrorsByType map[string]int `json:"common_errors_by_type"`
}

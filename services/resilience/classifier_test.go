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
	"net"
	"syscall"
	"testing"
)

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("expected nil for nil error, got %v", got)
	}
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   ErrorType
		wantRetry  bool
		wantStatus int
		wantCode   string
	}{
		{
			name:      "connection refused",
			err:       &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			wantType:  ErrorTypeConnection,
			wantRetry: true,
			wantCode:  "connection_refused",
		},
		{
			name:      "connection reset",
			err:       fmt.Errorf("write failed: %w", syscall.ECONNRESET),
			wantType:  ErrorTypeConnection,
			wantRetry: true,
			wantCode:  "connection_reset",
		},
		{
			name:      "dns failure",
			err:       &net.DNSError{Err: "no such host", Name: "uploads.example.com"},
			wantType:  ErrorTypeConnection,
			wantRetry: true,
			wantCode:  "dns_failure",
		},
		{
			name:      "dns failure from text",
			err:       errors.New("dial tcp: lookup uploads.example.com: no such host"),
			wantType:  ErrorTypeConnection,
			wantRetry: true,
			wantCode:  "dns_failure",
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			wantType:  ErrorTypeTimeout,
			wantRetry: true,
			wantCode:  "deadline_exceeded",
		},
		{
			name:      "cancellation",
			err:       context.Canceled,
			wantType:  ErrorTypeTimeout,
			wantRetry: true,
			wantCode:  "canceled",
		},
		{
			name:       "server 503",
			err:        &HTTPStatusError{Code: 503, Status: "Service Unavailable"},
			wantType:   ErrorTypeServer,
			wantRetry:  true,
			wantStatus: 503,
			wantCode:   "http_503",
		},
		{
			name:       "rate limited 429 is server",
			err:        &HTTPStatusError{Code: 429},
			wantType:   ErrorTypeServer,
			wantRetry:  true,
			wantStatus: 429,
			wantCode:   "http_429",
		},
		{
			name:       "client 404 not retryable",
			err:        &HTTPStatusError{Code: 404, Status: "Not Found"},
			wantType:   ErrorTypeClient,
			wantRetry:  false,
			wantStatus: 404,
			wantCode:   "http_404",
		},
		{
			name:       "client 400 not retryable",
			err:        &HTTPStatusError{Code: 400},
			wantType:   ErrorTypeClient,
			wantRetry:  false,
			wantStatus: 400,
			wantCode:   "http_400",
		},
		{
			name:       "status code in error text",
			err:        errors.New("upload failed with status code: 502"),
			wantType:   ErrorTypeServer,
			wantRetry:  true,
			wantStatus: 502,
			wantCode:   "http_502",
		},
		{
			name:       "wrapped status error",
			err:        fmt.Errorf("chunk 3: %w", &HTTPStatusError{Code: 410}),
			wantType:   ErrorTypeClient,
			wantRetry:  false,
			wantStatus: 410,
			wantCode:   "http_410",
		},
		{
			name:      "unknown defaults to retryable",
			err:       errors.New("something odd happened"),
			wantType:  ErrorTypeUnknown,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got == nil {
				t.Fatal("Classify returned nil for a non-nil error")
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Retryable != tt.wantRetry {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetry)
			}
			if got.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.wantStatus)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Timestamp.IsZero() {
				t.Error("Timestamp should be set")
			}
		})
	}
}

func TestClassify_TimeoutBeatsStatusCode(t *testing.T) {
	// An error that both times out and mentions a status classifies as a
	// timeout; the rules run in order and the first match wins.
	err := fmt.Errorf("GET returned status 500: %w", context.DeadlineExceeded)
	got := Classify(err)
	if got.Type != ErrorTypeTimeout {
		t.Errorf("Type = %q, want %q", got.Type, ErrorTypeTimeout)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	first := Classify(&HTTPStatusError{Code: 503})
	second := Classify(first)
	if first != second {
		t.Error("re-classifying a NetworkError should return it unchanged")
	}

	wrapped := fmt.Errorf("attempt 2: %w", first)
	third := Classify(wrapped)
	if third != first {
		t.Error("classifying a wrapped NetworkError should unwrap to the original")
	}
}

func TestClassify_PreservesCause(t *testing.T) {
	cause := &HTTPStatusError{Code: 503}
	netErr := Classify(cause)

	if !errors.Is(netErr, cause) {
		t.Error("expected errors.Is to reach the raw cause through Unwrap")
	}

	var statusErr *HTTPStatusError
	if !errors.As(netErr, &statusErr) || statusErr.Code != 503 {
		t.Error("expected errors.As to recover the HTTPStatusError")
	}
}

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
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// statusPattern extracts an HTTP status code from error text produced by
// clients that stringify responses, e.g. "status code: 503" or "HTTP 429".
var statusPattern = regexp.MustCompile(`(?i)\b(?:status(?:\s+code)?|http)[:\s]+([1-9]\d{2})\b`)

// Classify maps a raw error to its NetworkError classification.
//
// Rules are evaluated in order and the first match wins:
//
//  1. connection failures (refused, reset, DNS, unreachable) - retryable
//  2. timeouts and cancellations - retryable
//  3. HTTP status >= 500 or 429 - server, retryable
//  4. HTTP status in [400, 500) except 429 - client, NOT retryable
//  5. everything else - unknown, retryable
//
// A nil error returns nil. An error that already is a *NetworkError is
// returned unchanged so repeated classification is idempotent.
func Classify(err error) *NetworkError {
	if err == nil {
		return nil
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr
	}

	if code, ok := connectionCode(err); ok {
		return &NetworkError{
			Type:      ErrorTypeConnection,
			Code:      code,
			Message:   err.Error(),
			Retryable: true,
			Timestamp: time.Now(),
			cause:     err,
		}
	}

	if code, ok := timeoutCode(err); ok {
		return &NetworkError{
			Type:      ErrorTypeTimeout,
			Code:      code,
			Message:   err.Error(),
			Retryable: true,
			Timestamp: time.Now(),
			cause:     err,
		}
	}

	if status := statusCodeFrom(err); status > 0 {
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return &NetworkError{
				Type:       ErrorTypeServer,
				Code:       "http_" + strconv.Itoa(status),
				Message:    err.Error(),
				Retryable:  true,
				StatusCode: status,
				Timestamp:  time.Now(),
				cause:      err,
			}
		}
		if status >= http.StatusBadRequest {
			return &NetworkError{
				Type:       ErrorTypeClient,
				Code:       "http_" + strconv.Itoa(status),
				Message:    err.Error(),
				Retryable:  false,
				StatusCode: status,
				Timestamp:  time.Now(),
				cause:      err,
			}
		}
	}

	return &NetworkError{
		Type:      ErrorTypeUnknown,
		Message:   err.Error(),
		Retryable: true,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// connectionCode reports whether err is a connection-level failure and, if
// so, the short cause code for it.
func connectionCode(err error) (string, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused", true
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset", true
	case errors.Is(err, syscall.EPIPE):
		return "broken_pipe", true
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "host_unreachable", true
	case errors.Is(err, syscall.ENETUNREACH):
		return "network_unreachable", true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_failure", true
	}

	// A timed-out OpError is a timeout, not a connection failure; let the
	// timeout rule claim it.
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return "connection_failed", true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused", true
	case strings.Contains(msg, "connection reset"):
		return "connection_reset", true
	case strings.Contains(msg, "broken pipe"):
		return "broken_pipe", true
	case strings.Contains(msg, "no such host"):
		return "dns_failure", true
	case strings.Contains(msg, "network is unreachable"):
		return "network_unreachable", true
	case strings.Contains(msg, "host is unreachable"):
		return "host_unreachable", true
	}
	return "", false
}

// timeoutCode reports whether err is a timeout or cancellation and, if so,
// the short cause code for it.
func timeoutCode(err error) (string, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "deadline_exceeded", true
	case errors.Is(err, context.Canceled):
		return "canceled", true
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return "timeout", true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded"):
		return "deadline_exceeded", true
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return "timeout", true
	case strings.Contains(msg, "canceled"), strings.Contains(msg, "cancelled"):
		return "canceled", true
	}
	return "", false
}

// statusCodeFrom digs an HTTP status code out of err, first from typed
// errors, then from the error text. Returns 0 when none is found.
func statusCodeFrom(err error) int {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}

	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil {
			return status
		}
	}
	return 0
}

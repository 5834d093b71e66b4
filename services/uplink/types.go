// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uplink

import (
	"github.com/AleutianAI/uplink/services/resilience"
)

// HealthResponse is the response for GET /v1/uplink/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// SessionsResponse is the response for GET /v1/uplink/recovery/sessions.
type SessionsResponse struct {
	// Sessions lists interrupted uploads still inside the recovery window,
	// most recent activity first.
	Sessions []*resilience.RecoverySession `json:"sessions"`

	// Count is len(Sessions), kept explicit for dashboards.
	Count int `json:"count"`
}

// ClearSessionResponse is the response for
// DELETE /v1/uplink/recovery/sessions/:uploadId.
type ClearSessionResponse struct {
	// UploadID is the upload whose sessions were cleared.
	UploadID string `json:"upload_id"`

	// Cleared is how many sessions were removed. Zero when none existed;
	// clearing is idempotent and zero is not an error.
	Cleared int `json:"cleared"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/uplink/services/resilience"
	"github.com/AleutianAI/uplink/services/uplink/telemetry"
)

// ServiceVersion is the uplink service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the uplink management API.
type Handlers struct {
	coord *resilience.Coordinator
}

// NewHandlers creates handlers around the given coordinator.
func NewHandlers(coord *resilience.Coordinator) *Handlers {
	return &Handlers{coord: coord}
}

// HandleHealth handles GET /v1/uplink/health.
//
// Description:
//
//	Liveness check. Always returns 200 if the process is serving.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleSystemHealth handles GET /v1/uplink/health/system.
//
// Description:
//
//	Returns a point-in-time snapshot of the resilience core: breaker
//	state, failure count, and queue depth per priority.
//
// Response:
//
//	200 OK: resilience.SystemHealth
func (h *Handlers) HandleSystemHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Health())
}

// HandleNetworkHealth handles GET /v1/uplink/health/network.
//
// Description:
//
//	Runs an active network probe and returns the measurement. Offline is
//	a valid measurement, not an error. Concurrent requests share one
//	in-flight probe.
//
// Response:
//
//	200 OK: probe.Result (Online false when the endpoint is unreachable)
//	503 Service Unavailable: Probe not configured
//	500 Internal Server Error: Probe aborted
func (h *Handlers) HandleNetworkHealth(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleNetworkHealth")

	result, err := h.coord.CheckNetworkHealth(c.Request.Context())
	if err != nil {
		if errors.Is(err, resilience.ErrProbeDisabled) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: err.Error(),
				Code:  "PROBE_DISABLED",
			})
			return
		}

		logger.Error("Network probe failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "PROBE_FAILED",
		})
		return
	}

	logger.Info("Network probe complete",
		"online", result.Online,
		"latency_ms", result.LatencyMs,
		"quality", string(result.Quality))

	c.JSON(http.StatusOK, result)
}

// HandleListSessions handles GET /v1/uplink/recovery/sessions.
//
// Description:
//
//	Lists interrupted uploads still inside the recovery window so a
//	resume-prompt UI can offer to pick them up.
//
// Response:
//
//	200 OK: SessionsResponse (sessions may be an empty array)
func (h *Handlers) HandleListSessions(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleListSessions")

	sessions := h.coord.RecoverInterruptedUploads()
	if sessions == nil {
		sessions = []*resilience.RecoverySession{}
	}

	logger.Info("Listed recoverable sessions", "count", len(sessions))

	c.JSON(http.StatusOK, SessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// HandleClearSession handles DELETE /v1/uplink/recovery/sessions/:uploadId.
//
// Description:
//
//	Removes every recovery session recorded for the upload. Clearing an
//	upload with no sessions succeeds with a zero count; the operation is
//	idempotent by design of the session store.
//
// Path Parameters:
//
//	uploadId: Upload identifier (required)
//
// Response:
//
//	200 OK: ClearSessionResponse
//	400 Bad Request: Missing upload id
//	503 Service Unavailable: Session store shut down
func (h *Handlers) HandleClearSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleClearSession")

	uploadID := c.Param("uploadId")
	if uploadID == "" {
		logger.Warn("Missing upload id")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "upload id is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	cleared, err := h.coord.ClearRecoverySession(c.Request.Context(), uploadID)
	if err != nil {
		if errors.Is(err, resilience.ErrStoreClosed) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: err.Error(),
				Code:  "STORE_CLOSED",
			})
			return
		}

		logger.Error("Clear session failed", "upload_id", uploadID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "CLEAR_FAILED",
		})
		return
	}

	logger.Info("Cleared recovery sessions", "upload_id", uploadID, "cleared", cleared)

	c.JSON(http.StatusOK, ClearSessionResponse{
		UploadID: uploadID,
		Cleared:  cleared,
	})
}

// HandleReliabilityStats handles GET /v1/uplink/stats/reliability.
//
// Description:
//
//	Aggregates upload reliability for dashboards: stored session count,
//	success rate, mean retry count, and error type frequencies.
//
// Response:
//
//	200 OK: resilience.ReliabilityStats
func (h *Handlers) HandleReliabilityStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.ReliabilityStats())
}

// requestLogger builds the per-request logger: trace correlation from the
// active span plus the request id and handler name.
func requestLogger(c *gin.Context, requestID, handler string) *slog.Logger {
	logger := telemetry.LoggerWithRequest(c.Request.Context(), slog.Default(), requestID)
	return logger.With("handler", handler)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

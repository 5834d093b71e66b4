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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all uplink management routes with the router.
//
// Description:
//
//	Registers all /v1/uplink/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Health Endpoints:
//
//	GET /v1/uplink/health - Liveness check
//	GET /v1/uplink/health/system - Breaker and queue snapshot
//	GET /v1/uplink/health/network - Active network probe
//
// Recovery Endpoints:
//
//	GET    /v1/uplink/recovery/sessions - List recoverable uploads
//	DELETE /v1/uplink/recovery/sessions/:uploadId - Clear an upload's sessions
//
// Stats Endpoints:
//
//	GET /v1/uplink/stats/reliability - Aggregated reliability stats
//
// Example:
//
//	coordinator, _ := resilience.NewCoordinator(ctx, store, logger, cfg)
//	handlers := uplink.NewHandlers(coordinator)
//
//	v1 := router.Group("/v1")
//	uplink.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	up := rg.Group("/uplink")
	{
		// Health checks
		up.GET("/health", handlers.HandleHealth)
		up.GET("/health/system", handlers.HandleSystemHealth)
		up.GET("/health/network", handlers.HandleNetworkHealth)

		// Recovery session management
		recovery := up.Group("/recovery")
		{
			recovery.GET("/sessions", handlers.HandleListSessions)
			recovery.DELETE("/sessions/:uploadId", handlers.HandleClearSession)
		}

		// Reliability stats
		up.GET("/stats/reliability", handlers.HandleReliabilityStats)
	}
}

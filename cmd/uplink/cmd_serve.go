// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/uplink/services/resilience"
	"github.com/AleutianAI/uplink/services/uplink"
	"github.com/AleutianAI/uplink/services/uplink/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resilience daemon and its management API",
	Long: `Serve starts the upload resilience core (circuit breaker, priority
queue, recovery session store, sweeper) plus the HTTP management API under
/v1/uplink/* and Prometheus metrics under /metrics. SIGINT or SIGTERM shuts
everything down in order: HTTP server, coordinator, session store.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown incomplete", "error", err)
		}
	}()

	store, err := uplink.OpenStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	coord, err := resilience.NewCoordinator(ctx, store, logger, cfg.CoordinatorConfig())
	if err != nil {
		store.Close()
		return fmt.Errorf("build coordinator: %w", err)
	}

	gin.SetMode(ginMode(cfg.Server.Mode))
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	if cfg.Server.Mode == "debug" {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	uplink.RegisterRoutes(v1, uplink.NewHandlers(coord))
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(addr, cfg.Store.Backend)
	logger.Info("uplink server starting",
		"address", addr,
		"store_backend", cfg.Store.Backend,
		"probe_enabled", cfg.Probe.Enabled,
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		coord.Close(context.Background())
		store.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	// Teardown order matters: stop accepting requests, then stop the
	// resilience core, then release the store the core writes to.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("session store close failed", "error", err)
	}

	logger.Info("uplink server stopped")
	return nil
}

func ginMode(mode string) string {
	switch mode {
	case "debug":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}

func printBanner(addr, backend string) {
	fmt.Printf(`
  ┌─────────────────────────────────────────────┐
  │  uplink %-8s         upload resilience   │
  └─────────────────────────────────────────────┘
    listening   %s
    sessions    %s
    metrics     /metrics
    api         /v1/uplink

`, uplink.ServiceVersion, addr, backend)
}

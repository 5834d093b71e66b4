// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// uplink service.
//
// This package initializes the OTel SDK with opinionated defaults for
// tracing and metrics, while allowing backend flexibility through exporter
// configuration.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend. OpenTelemetry IS
// the abstraction layer: code uses otel.Tracer and otel.Meter directly, and
// deployments swap backends by changing exporter configuration, not code.
//
// # Trace Backend (default: OTLP)
//
// Traces export over OTLP gRPC, which Jaeger and most commercial backends
// accept natively. Use "stdout" for local debugging and "none" in tests.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are exposed for scraping via MetricsHandler, which the serve
// command mounts at /metrics. The promauto instruments registered by the
// resilience packages ride the same default registry.
//
// # Logging
//
// Uses slog for structured logging. LoggerWithTrace injects trace_id and
// span_id into log entries for correlation in Grafana/Loki.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
// # Environment Variables
//
// Standard OTel environment variables are supported:
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: otlp)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - UPLINK_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger with trace context injected.
//
// Description:
//
//	Extracts trace_id and span_id from the context and adds them as
//	structured log fields. This enables log correlation in Grafana/Loki
//	with traces in Jaeger.
//
// Inputs:
//
//	ctx - Context containing span context. May be nil or have no active span.
//	logger - Base logger to enhance. Nil falls back to slog.Default().
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id and span_id fields added if
//	              available. Returns the original logger if no valid
//	              span context.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithRequest returns a logger with trace context and request ID.
//
// Description:
//
//	Combines LoggerWithTrace with the request identifier the HTTP layer
//	assigns, so one request's log lines group together even when the
//	trace backend is down.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithRequest(ctx context.Context, logger *slog.Logger, requestID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("request_id", requestID),
	)
}

// LoggerWithUpload returns a logger with trace context and upload ID.
//
// Description:
//
//	Adds the upload identifier for tracking one upload's retries,
//	recovery sessions, and queue trips across log lines.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithUpload(ctx context.Context, logger *slog.Logger, uploadID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("upload_id", uploadID),
	)
}

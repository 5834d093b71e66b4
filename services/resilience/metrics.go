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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Note: labels stay low-cardinality on purpose. Upload IDs never appear
	// as label values; they only show up in logs.
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_operations_total",
		Help: "Coordinator call outcomes by outcome and priority",
	}, []string{"outcome", "priority"})

	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_retry_attempts_total",
		Help: "Failed attempts observed inside retry loops by error type",
	}, []string{"error_type"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uplink_retry_backoff_seconds",
		Help:    "Backoff waits slept between retry attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uplink_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_circuit_transitions_total",
		Help: "Circuit breaker state transitions by from/to state",
	}, []string{"from", "to"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uplink_queue_depth",
		Help: "Deferred operations currently queued, by priority",
	}, []string{"priority"})

	queueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_queue_items_total",
		Help: "Priority queue item events (enqueued, drained, requeued, dropped, closed)",
	}, []string{"event"})

	recoverySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uplink_recovery_sessions",
		Help: "Recovery sessions currently stored",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_session_sweep_deleted_total",
		Help: "Recovery sessions deleted by the age sweep",
	})

	persistDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uplink_session_persist_duration_seconds",
		Help:    "Time to write the session table to the key-value store",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	}, []string{"status"})
)

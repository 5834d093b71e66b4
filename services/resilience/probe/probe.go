// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe measures network health against an external endpoint:
// round-trip latency from a small GET, optional bandwidth from a timed
// sample download, and a coarse quality bucket derived from both.
//
// Probes are advisory. They never feed the circuit breaker, which reacts
// only to real upload traffic; a probe endpoint that is up says nothing
// about the upload path being up, and vice versa.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var probeTracer = otel.Tracer("resilience.probe")

var (
	probeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uplink_probe_duration_seconds",
		Help:    "Duration of network probe phases.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"phase"})

	probeOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uplink_probe_online",
		Help: "Last probe verdict: 1 when the health endpoint answered, 0 otherwise.",
	})
)

// Quality is a coarse bucket describing current network conditions.
type Quality string

const (
	QualityExcellent Quality = "excellent" // latency under 100ms
	QualityGood      Quality = "good"      // latency under 300ms
	QualityFair      Quality = "fair"      // latency under 1s
	QualityPoor      Quality = "poor"      // latency 1s or worse
	QualityOffline   Quality = "offline"   // health endpoint unreachable
)

// Result is one probe measurement.
type Result struct {
	// Online is true when the health endpoint answered with a non-error
	// status inside the probe timeout.
	Online bool `json:"online"`

	// LatencyMs is the round trip of the health GET. Zero when offline.
	LatencyMs float64 `json:"latency_ms"`

	// BandwidthMbps is derived from the sample download. Zero when no
	// sample URL is configured or the endpoint is offline.
	BandwidthMbps float64 `json:"bandwidth_mbps"`

	// Quality buckets the measurement for display and coarse decisions.
	Quality Quality `json:"quality"`

	// CheckedAt is when the probe ran.
	CheckedAt time.Time `json:"checked_at"`
}

// Config holds prober configuration.
type Config struct {
	// HealthURL is the endpoint for the latency GET. Required.
	HealthURL string `yaml:"health_url" validate:"required,url"`

	// SampleURL serves a payload for the bandwidth measurement. When
	// empty, the bandwidth phase is skipped and BandwidthMbps stays zero.
	SampleURL string `yaml:"sample_url" validate:"omitempty,url"`

	// Timeout bounds each probe phase.
	// Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// HTTPClient overrides the client used for probe requests.
	// If nil, a client with the configured timeout is built.
	HTTPClient *http.Client `yaml:"-"`

	// Logger for probe events. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns prober defaults with no endpoint set.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
	}
}

// Prober runs network health checks against the configured endpoint.
//
// Thread Safety: safe for concurrent use. Concurrent Check calls are
// collapsed into one in-flight probe whose result everyone shares.
type Prober struct {
	healthURL string
	sampleURL string
	client    *http.Client
	logger    *slog.Logger
	flight    singleflight.Group
	now       func() time.Time
}

// New creates a Prober.
//
// Inputs:
//
//	cfg - Prober configuration. HealthURL is required.
//
// Outputs:
//
//	*Prober - Ready to use.
//	error - Non-nil when HealthURL is missing.
func New(cfg Config) (*Prober, error) {
	if cfg.HealthURL == "" {
		return nil, errors.New("probe: health URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		healthURL: cfg.HealthURL,
		sampleURL: cfg.SampleURL,
		client:    client,
		logger:    logger.With(slog.String("component", "probe")),
		now:       time.Now,
	}, nil
}

// Check measures network health.
//
// Description:
//
//	Runs the latency GET, then the bandwidth sample when configured, and
//	buckets the outcome. An unreachable endpoint is a valid measurement
//	(Online false, Quality offline), not an error.
//
//	Concurrent callers share one in-flight probe; the winner's context
//	governs the shared requests.
//
// Inputs:
//
//	ctx - Context for cancellation.
//
// Outputs:
//
//	Result - The measurement.
//	error - Non-nil only when ctx was cancelled before a result landed.
func (p *Prober) Check(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	v, err, shared := p.flight.Do("check", func() (interface{}, error) {
		return p.measure(ctx), nil
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		p.logger.Debug("joined in-flight probe")
	}
	return res, nil
}

func (p *Prober) measure(ctx context.Context) Result {
	ctx, span := probeTracer.Start(ctx, "probe.Check")
	defer span.End()

	res := Result{CheckedAt: p.now()}

	latency, err := p.latency(ctx)
	if err != nil {
		res.Quality = QualityOffline
		probeOnline.Set(0)
		span.SetAttributes(attribute.String("probe.quality", string(res.Quality)))
		p.logger.Warn("health endpoint unreachable",
			slog.String("url", p.healthURL),
			slog.String("error", err.Error()))
		return res
	}

	res.Online = true
	res.LatencyMs = float64(latency) / float64(time.Millisecond)
	probeOnline.Set(1)

	if p.sampleURL != "" {
		mbps, err := p.bandwidth(ctx)
		if err != nil {
			// Latency already proved the network is up. Report what we have.
			p.logger.Warn("bandwidth sample failed",
				slog.String("url", p.sampleURL),
				slog.String("error", err.Error()))
		} else {
			res.BandwidthMbps = mbps
		}
	}

	res.Quality = qualityFor(res.LatencyMs)
	span.SetAttributes(
		attribute.Bool("probe.online", true),
		attribute.Float64("probe.latency_ms", res.LatencyMs),
		attribute.String("probe.quality", string(res.Quality)),
	)
	p.logger.Debug("probe complete",
		slog.Float64("latency_ms", res.LatencyMs),
		slog.Float64("bandwidth_mbps", res.BandwidthMbps),
		slog.String("quality", string(res.Quality)))
	return res
}

// latency times a small GET against the health URL.
func (p *Prober) latency(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// A tiny read finishes the round trip without pulling a large body.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	elapsed := time.Since(start)
	probeDuration.WithLabelValues("latency").Observe(elapsed.Seconds())

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return elapsed, nil
}

// bandwidth times a full download of the sample URL and converts to Mbps.
func (p *Prober) bandwidth(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.sampleURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build sample request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("sample endpoint returned %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read sample body: %w", err)
	}

	elapsed := time.Since(start)
	probeDuration.WithLabelValues("bandwidth").Observe(elapsed.Seconds())

	if elapsed <= 0 || n == 0 {
		return 0, errors.New("sample too small to measure")
	}
	bits := float64(n) * 8
	return bits / elapsed.Seconds() / 1e6, nil
}

// qualityFor buckets a latency measurement. Callers handle offline
// themselves; this only sees successful probes.
func qualityFor(latencyMs float64) Quality {
	switch {
	case latencyMs < 100:
		return QualityExcellent
	case latencyMs < 300:
		return QualityGood
	case latencyMs < 1000:
		return QualityFair
	default:
		return QualityPoor
	}
}

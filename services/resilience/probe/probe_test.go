// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_RequiresHealthURL(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New() without health URL should fail")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
}

func TestCheck_Online(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{HealthURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Online {
		t.Error("Online = false, want true")
	}
	if res.LatencyMs <= 0 {
		t.Errorf("LatencyMs = %v, want > 0", res.LatencyMs)
	}
	if res.Quality == QualityOffline {
		t.Errorf("Quality = %v, want a live bucket", res.Quality)
	}
	if res.CheckedAt.IsZero() {
		t.Error("CheckedAt is zero")
	}
}

func TestCheck_Offline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	p, err := New(Config{HealthURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v, offline is a measurement, not an error", err)
	}
	if res.Online {
		t.Error("Online = true, want false")
	}
	if res.Quality != QualityOffline {
		t.Errorf("Quality = %v, want %v", res.Quality, QualityOffline)
	}
	if res.LatencyMs != 0 {
		t.Errorf("LatencyMs = %v, want 0 when offline", res.LatencyMs)
	}
}

func TestCheck_ServerErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(Config{HealthURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Online {
		t.Error("Online = true, want false when health endpoint errors")
	}
	if res.Quality != QualityOffline {
		t.Errorf("Quality = %v, want %v", res.Quality, QualityOffline)
	}
}

func TestCheck_Bandwidth(t *testing.T) {
	payload := make([]byte, 256*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sample", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{
		HealthURL: srv.URL + "/health",
		SampleURL: srv.URL + "/sample",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Online {
		t.Fatal("Online = false, want true")
	}
	if res.BandwidthMbps <= 0 {
		t.Errorf("BandwidthMbps = %v, want > 0", res.BandwidthMbps)
	}
}

func TestCheck_BandwidthFailureKeepsLatency(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sample", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{
		HealthURL: srv.URL + "/health",
		SampleURL: srv.URL + "/sample",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Online {
		t.Error("Online = false, want true; a broken sample endpoint is not offline")
	}
	if res.BandwidthMbps != 0 {
		t.Errorf("BandwidthMbps = %v, want 0 when sample fails", res.BandwidthMbps)
	}
}

func TestQualityFor(t *testing.T) {
	tests := []struct {
		name      string
		latencyMs float64
		want      Quality
	}{
		{"instant", 1, QualityExcellent},
		{"just under excellent bound", 99.9, QualityExcellent},
		{"at excellent bound", 100, QualityGood},
		{"just under good bound", 299.9, QualityGood},
		{"at good bound", 300, QualityFair},
		{"just under fair bound", 999.9, QualityFair},
		{"at fair bound", 1000, QualityPoor},
		{"very slow", 5000, QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qualityFor(tt.latencyMs); got != tt.want {
				t.Errorf("qualityFor(%v) = %v, want %v", tt.latencyMs, got, tt.want)
			}
		})
	}
}

func TestCheck_DeduplicatesConcurrentCallers(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond) // hold callers in flight
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{HealthURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := p.Check(context.Background())
			if err != nil {
				t.Errorf("Check() error = %v", err)
				return
			}
			if !res.Online {
				t.Error("Online = false, want true")
			}
		}()
	}
	close(start)
	wg.Wait()

	// All callers raced into the same flight; a small overshoot would mean
	// one finished before another started, which 50ms of hold prevents.
	if got := hits.Load(); got != 1 {
		t.Errorf("health endpoint hit %d times, want 1", got)
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{HealthURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Check(ctx); err == nil {
		t.Error("Check() with cancelled context should fail")
	}
}

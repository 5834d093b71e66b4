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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/uplink/services/resilience/probe"
)

var (
	probeHealthURL string
	probeSampleURL string

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Measure network health once and print the result as JSON",
		Long: `Probe runs the same latency and bandwidth measurement the daemon
exposes under /v1/uplink/health/network, without starting the daemon. The
endpoints come from the config file or can be overridden with flags.

An unreachable endpoint is a measurement (online=false, quality=offline),
not an error; the command only fails on misconfiguration.`,
		RunE: runProbe,
	}
)

func init() {
	probeCmd.Flags().StringVar(&probeHealthURL, "health-url", "", "health endpoint to measure latency against")
	probeCmd.Flags().StringVar(&probeSampleURL, "sample-url", "", "sample download endpoint for the bandwidth estimate")
}

func runProbe(cmd *cobra.Command, args []string) error {
	healthURL := cfg.Probe.HealthURL
	if probeHealthURL != "" {
		healthURL = probeHealthURL
	}
	if healthURL == "" {
		return fmt.Errorf("no health endpoint configured: set probe.health_url or pass --health-url")
	}

	sampleURL := cfg.Probe.SampleURL
	if probeSampleURL != "" {
		sampleURL = probeSampleURL
	}

	prober, err := probe.New(probe.Config{
		HealthURL: healthURL,
		SampleURL: sampleURL,
		Timeout:   cfg.Probe.Timeout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	result, err := prober.Check(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

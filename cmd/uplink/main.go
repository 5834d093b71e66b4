// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main is the uplink binary: the upload resilience daemon and its
// operator commands.
//
// Usage:
//
//	uplink serve                 Run the resilience daemon and management API
//	uplink probe                 One-shot network health measurement
//	uplink sessions list         List recoverable interrupted uploads
//	uplink sessions clear <id>   Drop the recovery sessions for an upload
//
// Configuration resolves in priority order: UPLINK_* environment variables,
// then the --config YAML file, then compiled-in defaults. A .env file in the
// working directory is loaded first when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/uplink/pkg/logging"
	"github.com/AleutianAI/uplink/services/uplink"
)

var (
	cfgPath string

	cfg       *uplink.Config
	logger    *slog.Logger
	closeLogs func() error

	rootCmd = &cobra.Command{
		Use:           "uplink",
		Short:         "Upload resilience daemon: retries, circuit breaking, and upload recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Best effort: developers keep endpoints and secrets in .env,
			// deployments set real environment variables.
			_ = godotenv.Load()

			var err error
			cfg, err = uplink.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			logger, closeLogs, err = logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	err := rootCmd.Execute()
	if closeLogs != nil {
		if logErr := closeLogs(); logErr != nil {
			fmt.Fprintln(os.Stderr, "warning:", logErr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

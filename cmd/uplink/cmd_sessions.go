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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/uplink/services/resilience"
	"github.com/AleutianAI/uplink/services/uplink"
)

var (
	sessionsJSON bool

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clear recovery sessions for interrupted uploads",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List uploads that are still recoverable",
		RunE:  runSessionsList,
	}

	sessionsClearCmd = &cobra.Command{
		Use:   "clear <uploadId>",
		Short: "Drop every recovery session recorded for an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsClear,
	}
)

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print sessions as JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// openSessionStore opens the configured backend and loads the session table,
// without the daemon's sweeper or queue. Do not run this against the store
// of a live daemon; badger holds an exclusive lock and will refuse anyway.
func openSessionStore(ctx context.Context) (*resilience.SessionStore, func(), error) {
	backend, err := uplink.OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	store, err := resilience.NewSessionStore(ctx, backend, logger, resilience.SessionStoreConfig{
		MaxAge: cfg.Resilience.Session.MaxAge,
	})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	cleanup := func() {
		store.Close(ctx)
		backend.Close()
	}
	return store, cleanup, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, cleanup, err := openSessionStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions := store.ListRecoverable(0)

	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No recoverable uploads.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UPLOAD\tFILE\tPRIORITY\tCHUNKS\tRETRIES\tLAST ACTIVITY")
	for _, s := range sessions {
		chunks := fmt.Sprintf("%d done", len(s.ChunksCompleted))
		if s.TotalChunks > 0 {
			chunks = fmt.Sprintf("%d/%d", len(s.ChunksCompleted), s.TotalChunks)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.UploadID,
			s.FileName,
			s.Priority.String(),
			chunks,
			s.RetryCount,
			s.LastActivity.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, cleanup, err := openSessionStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	removed, err := store.ClearSession(ctx, args[0])
	if err != nil {
		return err
	}

	if removed == 0 {
		fmt.Printf("No sessions found for upload %q.\n", args[0])
		return nil
	}
	fmt.Printf("Cleared %d session(s) for upload %q.\n", removed, args[0])
	return nil
}

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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/uplink/services/resilience"
	badgerstore "github.com/AleutianAI/uplink/services/resilience/storage/badger"
	redisstore "github.com/AleutianAI/uplink/services/resilience/storage/redis"
)

// Store is the durable recovery session slot plus its lifecycle. Both the
// embedded Badger backend and the shared Redis backend satisfy it.
type Store interface {
	resilience.SessionKV

	// Close releases the backend. Call it after the coordinator is closed so
	// no write can race the teardown.
	Close() error
}

// OpenStore opens the configured recovery session backend.
//
// Description:
//
//	"badger" opens an embedded database at the configured path, creating
//	the directory when missing. "redis" connects and pings the configured
//	server. The returned store is ready for NewCoordinator.
//
// Inputs:
//
//	cfg - Backend selection and its settings.
//	logger - Structured logger passed down to the backend.
//
// Outputs:
//
//	Store - The opened backend.
//	error - Non-nil when the backend name is unknown or opening fails.
func OpenStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "badger":
		if cfg.Badger.InMemory {
			return badgerstore.OpenInMemory()
		}
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.Badger.Path
		bcfg.SyncWrites = cfg.Badger.SyncWrites
		bcfg.Logger = logger
		return badgerstore.Open(bcfg)
	case "redis":
		return redisstore.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

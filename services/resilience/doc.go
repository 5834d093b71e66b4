// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience is the network-resilience core for Aleutian upload
// pipelines.
//
// It executes arbitrary fallible operations — chiefly chunked file-upload
// calls over unreliable links — with automatic error classification, bounded
// retry with exponential backoff and jitter, a process-wide circuit breaker,
// a priority queue that defers urgent work while the circuit is open, and a
// durable recovery-session registry that lets interrupted multi-chunk uploads
// be resumed after a process restart.
//
// # Composition
//
// A single Coordinator owns one CircuitBreaker, one PriorityQueue, and one
// recovery Store for the lifetime of the process. Callers go through
// Coordinator.ExecuteWithRetry; the leaf components are exported for reuse
// but share no ambient state.
//
//	classifier ──▶ retry executor ──▶ circuit breaker
//	                     │                  │
//	                     ▼                  ▼
//	             recovery store      priority queue
//
// # What this package is not
//
// It is single-process, in-memory resilience with key-value persistence used
// only to survive a restart. It is not a distributed coordination mechanism
// and it does not guarantee exactly-once execution: an urgent operation that
// exhausts its retries is re-enqueued for a detached background attempt even
// though its caller already received the failure, so a duplicate execution is
// possible by design.
//
// # Usage
//
//	storeCfg := badger.DefaultConfig()
//	storeCfg.Path = "/var/lib/uplink"
//	kv, _ := badger.Open(storeCfg)
//	coord, err := resilience.NewCoordinator(ctx, kv, logger, resilience.CoordinatorConfig{})
//	if err != nil {
//	    return err
//	}
//	defer coord.Close(context.Background())
//
//	err = coord.ExecuteWithRetry(ctx, func(ctx context.Context) error {
//	    return transport.SendChunk(ctx, chunk)
//	}, nil, resilience.OpContext{
//	    UploadID:   upload.ID,
//	    ChunkIndex: chunk.Index,
//	    Priority:   resilience.PriorityHigh,
//	})
package resilience

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger persists the recovery session table in an embedded
// BadgerDB, so interrupted uploads survive a process restart without any
// external service.
//
// The session table is written as one value under a fixed key; BadgerDB's
// job here is durability and crash safety, not querying.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// defaultSlotKey is where the session table lives unless configured.
const defaultSlotKey = "uplink/recovery_sessions"

// Config holds configuration for the BadgerDB slot store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// SlotKey is the key the session table is stored under.
	// Default: "uplink/recovery_sessions".
	SlotKey string

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5 (GC when 50% of value log is garbage).
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
//
// Description:
//
//	Returns a Config with:
//	- SyncWrites enabled for durability
//	- 5-minute GC interval
//	- 50% discard ratio threshold
//
// Outputs:
//
//	Config - Ready-to-use production configuration
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		SlotKey:        defaultSlotKey,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
//
// Description:
//
//	Returns a Config with:
//	- InMemory mode enabled (no disk I/O)
//	- SyncWrites disabled (faster tests)
//	- GC disabled
//
// Outputs:
//
//	Config - Ready-to-use test configuration
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		SlotKey:    defaultSlotKey,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// SlotStore is a BadgerDB-backed durable slot for the session table.
//
// It satisfies the resilience package's SessionKV interface: the whole
// table is saved as one value and loaded back at startup.
type SlotStore struct {
	db       *badger.DB
	key      []byte
	gcRunner *GCRunner
	path     string
	inMemory bool
}

// Open creates and opens a BadgerDB slot store with the given configuration.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist and starts
//	a GC runner when GCInterval is configured.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*SlotStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned *SlotStore is safe for concurrent use.
func Open(cfg Config) (*SlotStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.SlotKey == "" {
		cfg.SlotKey = defaultSlotKey
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	// Configure logging
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	store := &SlotStore{
		db:       db,
		key:      []byte(cfg.SlotKey),
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}

	// Start GC runner if configured
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		store.gcRunner = runner
		runner.Start()
	}

	return store, nil
}

// OpenInMemory is a convenience function for opening an in-memory store.
//
// Description:
//
//	Opens an in-memory slot store for testing. Data is lost when closed.
//
// Outputs:
//
//	*SlotStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if database cannot be opened (unlikely for in-memory).
//
// Thread Safety: The returned *SlotStore is safe for concurrent use.
func OpenInMemory() (*SlotStore, error) {
	return Open(InMemoryConfig())
}

// Save overwrites the slot with the serialized session table.
//
// Inputs:
//
//	ctx - Context for cancellation (checked before the transaction).
//	data - Serialized session table. Stored verbatim.
//
// Outputs:
//
//	error - Non-nil if the transaction fails.
//
// Thread Safety: Safe for concurrent use.
func (s *SlotStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
	if err != nil {
		return fmt.Errorf("save session slot: %w", err)
	}
	return nil
}

// Load returns the slot contents, or (nil, nil) when the slot has never
// been written.
//
// Inputs:
//
//	ctx - Context for cancellation (checked before the transaction).
//
// Outputs:
//
//	[]byte - A copy of the stored value, nil when the slot is empty.
//	error - Non-nil if the read fails.
//
// Thread Safety: Safe for concurrent use.
func (s *SlotStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session slot: %w", err)
	}
	return data, nil
}

// Close stops the GC runner (if running) and closes the database.
//
// Outputs:
//
//	error - Non-nil if database close fails.
//
// Thread Safety: Safe for concurrent use.
func (s *SlotStore) Close() error {
	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	return s.db.Close()
}

// Path returns the database path, or empty string for in-memory stores.
func (s *SlotStore) Path() string {
	return s.path
}

// InMemory returns true if this is an in-memory store.
func (s *SlotStore) InMemory() bool {
	return s.inMemory
}

// GCRunner runs periodic garbage collection on a BadgerDB instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner.
//
// Description:
//
//	Creates a runner that periodically triggers BadgerDB value log GC.
//	Call Start() to begin GC and Stop() to halt it.
//
// Inputs:
//
//	db - The BadgerDB instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Optional logger for GC events.
//
// Outputs:
//
//	*GCRunner - The runner. Not started until Start() is called.
//	error - Non-nil if inputs are invalid.
//
// Thread Safety: Safe for concurrent use after creation.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection.
//
// Thread Safety: Safe for concurrent use.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to finish.
//
// Thread Safety: Safe for concurrent use.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	// RunValueLogGC returns nil if GC was triggered, error if not needed
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		// ErrNoRewrite means no GC was needed, not an error
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redis persists the recovery session table in Redis. Use it
// instead of the embedded BadgerDB store when several uplink instances
// need to share recovery state, or when the host has no durable disk.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultSlotKey is where the session table lives unless configured.
const defaultSlotKey = "uplink:recovery_sessions"

// Config holds Redis connection configuration for the slot store.
type Config struct {
	// URL is a redis:// connection URL. Required.
	URL string `yaml:"url"`

	// Password overrides any password embedded in the URL.
	Password string `yaml:"password"`

	// SlotKey is the key the session table is stored under.
	// Default: "uplink:recovery_sessions".
	SlotKey string `yaml:"slot_key"`

	// TTL expires the whole slot after this much inactivity. The session
	// sweeper already removes individual stale sessions, so this is a
	// backstop for abandoned deployments. Default: 0 (no expiry).
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a config pointed at a local Redis.
func DefaultConfig() Config {
	return Config{
		URL:     "redis://localhost:6379/0",
		SlotKey: defaultSlotKey,
	}
}

// SlotStore is a Redis-backed durable slot for the session table.
// It satisfies the resilience package's SessionKV interface.
type SlotStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// Open connects to Redis and verifies the connection with a ping.
func Open(cfg Config) (*SlotStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.SlotKey == "" {
		cfg.SlotKey = defaultSlotKey
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &SlotStore{rdb: rdb, key: cfg.SlotKey, ttl: cfg.TTL}, nil
}

// NewWithClient wraps an existing client, for callers that manage their
// own Redis connection pool.
func NewWithClient(rdb *redis.Client, slotKey string, ttl time.Duration) *SlotStore {
	if slotKey == "" {
		slotKey = defaultSlotKey
	}
	return &SlotStore{rdb: rdb, key: slotKey, ttl: ttl}
}

// Save overwrites the slot with the serialized session table.
func (s *SlotStore) Save(ctx context.Context, data []byte) error {
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session slot: %w", err)
	}
	return nil
}

// Load returns the slot contents, or (nil, nil) when the slot has never
// been written or has expired.
func (s *SlotStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session slot: %w", err)
	}
	return data, nil
}

// Close closes the Redis connection.
func (s *SlotStore) Close() error {
	return s.rdb.Close()
}

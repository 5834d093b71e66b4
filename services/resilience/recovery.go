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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Recovery Sessions
// =============================================================================

// RecoverySession captures an interrupted upload so a resume-prompt UI can
// offer to pick it up where it stopped.
type RecoverySession struct {
	// SessionID is synthetic: uploadID plus the creation timestamp. Multiple
	// sessions may exist for the same upload; creation never deduplicates.
	SessionID string `json:"session_id"`

	// UploadID identifies the upload this session belongs to.
	UploadID string `json:"upload_id"`

	// ChunkIndex is the chunk that was in flight when the upload failed.
	ChunkIndex int `json:"chunk_index"`

	// TotalChunks is the chunk count of the whole upload, 0 when unknown.
	TotalChunks int `json:"total_chunks,omitempty"`

	// ChunksCompleted lists chunk indexes already uploaded, sorted and
	// deduplicated, restricted to [0, TotalChunks) when TotalChunks is set.
	ChunksCompleted []int `json:"chunks_completed,omitempty"`

	// FileName and FileSize describe the file for display purposes.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	// Priority the upload was running at.
	Priority Priority `json:"priority"`

	// Errors accumulates every classified failure observed for this session,
	// oldest first. There is no cap on its growth.
	Errors []*NetworkError `json:"errors"`

	// RetryCount is the number of failures recorded after the first.
	RetryCount int `json:"retry_count"`

	// CreatedAt is when the session was recorded.
	CreatedAt time.Time `json:"created_at"`

	// LastActivity is bumped on every update and drives both the
	// recoverability window and the age sweep.
	LastActivity time.Time `json:"last_activity"`
}

// clone returns a copy whose slices are detached from the store's own.
// NetworkError values are shared; they are immutable once classified.
func (s *RecoverySession) clone() *RecoverySession {
	out := *s
	out.ChunksCompleted = append([]int(nil), s.ChunksCompleted...)
	out.Errors = append([]*NetworkError(nil), s.Errors...)
	return &out
}

// SessionKV is the durable slot the session table is persisted to. The whole
// table is written as one value after every mutation and read back once at
// startup.
//
// Implementations live under storage/; see storage/badger and storage/redis.
type SessionKV interface {
	// Save overwrites the slot with the serialized session table.
	Save(ctx context.Context, data []byte) error

	// Load returns the slot contents, or (nil, nil) when the slot has never
	// been written.
	Load(ctx context.Context) ([]byte, error)
}

// sessionTable is the persisted wire shape of the store.
type sessionTable struct {
	Version  int                         `json:"version"`
	Sessions map[string]*RecoverySession `json:"sessions"`
}

// sessionTableVersion guards against reading a future incompatible layout.
const sessionTableVersion = 1

// SessionStoreConfig configures the recovery session store.
//
// # Fields
//
//   - MaxAge: How long a session stays recoverable after its last activity.
//     Both ListRecoverable and the age sweep use this bound. Default: 24h.
type SessionStoreConfig struct {
	MaxAge time.Duration
}

// DefaultSessionStoreConfig returns sensible defaults for the session store.
func DefaultSessionStoreConfig() SessionStoreConfig {
	return SessionStoreConfig{
		MaxAge: 24 * time.Hour,
	}
}

// SessionStore keeps recovery sessions in memory and writes every mutation
// through to a durable key-value slot.
//
// # Description
//
// The store is the bookkeeping side of upload recovery: terminal failures
// insert sessions, later successes clear them, and a periodic sweep deletes
// whatever is older than MaxAge regardless of resolution. The in-memory
// table is authoritative between restarts; the KV slot exists solely so a
// process restart does not lose interrupted uploads.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The sweep and request-path
// mutations share the same mutex, so no update is ever lost between them.
type SessionStore struct {
	kv     SessionKV
	logger *slog.Logger
	config SessionStoreConfig

	// now is swappable so tests can control the recoverability window.
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*RecoverySession
	closed   bool
}

// NewSessionStore creates a session store and reloads any persisted table.
//
// # Inputs
//
//   - ctx: Context for the initial load.
//   - kv: Durable slot implementation. Must not be nil.
//   - logger: Structured logger. Must not be nil.
//   - config: Store tuning. Zero-valued fields fall back to
//     DefaultSessionStoreConfig.
//
// # Outputs
//
//   - *SessionStore: Ready for use, seeded with whatever the slot held.
//   - error: Non-nil when the slot could not be read or parsed.
func NewSessionStore(ctx context.Context, kv SessionKV, logger *slog.Logger, config SessionStoreConfig) (*SessionStore, error) {
	if kv == nil {
		return nil, fmt.Errorf("session store requires a key-value slot")
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultSessionStoreConfig().MaxAge
	}

	store := &SessionStore{
		kv:       kv,
		logger:   logger,
		config:   config,
		now:      time.Now,
		sessions: make(map[string]*RecoverySession),
	}

	if err := store.load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load recovery sessions: %w", err)
	}

	recoverySessions.Set(float64(len(store.sessions)))
	if len(store.sessions) > 0 {
		logger.Info("recovery sessions restored from storage",
			"count", len(store.sessions),
		)
	}
	return store, nil
}

// CreateSession records a new recovery session for a failed upload.
//
// # Description
//
// Every call inserts a fresh session under a synthetic id derived from the
// upload id and the current timestamp. Repeated failures of the same upload
// therefore coexist as separate sessions; nothing deduplicates them. The
// classified attempt errors seed the session's error history.
//
// # Inputs
//
//   - ctx: Context for the write-through persist.
//   - opCtx: Upload metadata. UploadID must be non-empty.
//   - attemptErrors: Classified failures from the attempts that led here,
//     oldest first. May be empty.
//
// # Outputs
//
//   - *RecoverySession: A detached copy of the stored session.
//   - error: Non-nil when the store is closed, the upload id is missing, or
//     the persist failed (the in-memory insert still happened in that case).
func (s *SessionStore) CreateSession(ctx context.Context, opCtx OpContext, attemptErrors []*NetworkError) (*RecoverySession, error) {
	if opCtx.UploadID == "" {
		return nil, fmt.Errorf("cannot create recovery session without an upload id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.now()
	id := fmt.Sprintf("%s-%d", opCtx.UploadID, now.UnixNano())
	for i := 1; ; i++ {
		if _, taken := s.sessions[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s-%d-%d", opCtx.UploadID, now.UnixNano(), i)
	}

	session := &RecoverySession{
		SessionID:       id,
		UploadID:        opCtx.UploadID,
		ChunkIndex:      opCtx.ChunkIndex,
		TotalChunks:     opCtx.TotalChunks,
		ChunksCompleted: sanitizeChunks(opCtx.ChunksCompleted, opCtx.TotalChunks),
		FileName:        opCtx.FileName,
		FileSize:        opCtx.FileSize,
		Priority:        opCtx.Priority,
		Errors:          append([]*NetworkError(nil), attemptErrors...),
		RetryCount:      max(len(attemptErrors)-1, 0),
		CreatedAt:       now,
		LastActivity:    now,
	}
	s.sessions[id] = session

	err := s.persistLocked(ctx)

	s.logger.Info("recovery session created",
		"session_id", session.SessionID,
		"upload_id", session.UploadID,
		"chunk_index", session.ChunkIndex,
		"priority", session.Priority.String(),
		"errors", len(session.Errors),
	)
	return session.clone(), err
}

// AppendError records another failure against every session of an upload.
//
// # Description
//
// Background queue retries keep failing after the original session was
// created; each failure lands here. All sessions matching the upload id get
// the error appended, their retry count incremented, and their activity
// timestamp refreshed (which also extends their recoverability window).
//
// # Outputs
//
//   - int: Number of sessions updated. Zero when none matched.
//   - error: Non-nil when the store is closed or the persist failed.
func (s *SessionStore) AppendError(ctx context.Context, uploadID string, netErr *NetworkError) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	updated := 0
	for _, session := range s.sessions {
		if session.UploadID != uploadID {
			continue
		}
		session.Errors = append(session.Errors, netErr)
		session.RetryCount++
		session.LastActivity = now
		updated++
	}

	if updated == 0 {
		return 0, nil
	}
	return updated, s.persistLocked(ctx)
}

// ListRecoverable returns sessions still inside the recoverability window,
// most important first.
//
// # Description
//
// A session is recoverable while now-LastActivity < maxAge. Results are
// ordered by priority rank (urgent first) and, within a rank, by most
// recent activity. Returned sessions are detached copies.
//
// # Inputs
//
//   - maxAge: Window override. Zero or negative means the configured MaxAge.
func (s *SessionStore) ListRecoverable(maxAge time.Duration) []*RecoverySession {
	if maxAge <= 0 {
		maxAge = s.config.MaxAge
	}

	s.mu.Lock()
	now := s.now()
	out := make([]*RecoverySession, 0, len(s.sessions))
	for _, session := range s.sessions {
		if now.Sub(session.LastActivity) < maxAge {
			out = append(out, session.clone())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// ClearSession removes every session recorded for an upload.
//
// # Description
//
// Called when an upload finally succeeds. Removing nothing is not an error;
// clearing is idempotent.
//
// # Outputs
//
//   - int: Number of sessions removed.
//   - error: Non-nil when the store is closed or the persist failed.
func (s *SessionStore) ClearSession(ctx context.Context, uploadID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for id, session := range s.sessions {
		if session.UploadID == uploadID {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	recoverySessions.Set(float64(len(s.sessions)))
	err := s.persistLocked(ctx)

	s.logger.Info("recovery sessions cleared",
		"upload_id", uploadID,
		"removed", removed,
	)
	return removed, err
}

// SweepExpired deletes every session older than MaxAge, resolved or not.
//
// # Description
//
// This is the deliberate cap on how long an interrupted upload stays
// resumable. The sweep shares the store mutex with request-path mutations,
// so no concurrent update is lost.
//
// # Outputs
//
//   - int: Number of sessions deleted.
//   - error: Non-nil when the store is closed or the persist failed.
func (s *SessionStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	deleted := 0
	for id, session := range s.sessions {
		if now.Sub(session.LastActivity) >= s.config.MaxAge {
			delete(s.sessions, id)
			deleted++
		}
	}

	if deleted == 0 {
		return 0, nil
	}

	recoverySessions.Set(float64(len(s.sessions)))
	sweepDeletedTotal.Add(float64(deleted))
	return deleted, s.persistLocked(ctx)
}

// Count returns the number of stored sessions, recoverable or not.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot aggregates the stored sessions for reliability reporting.
//
// # Outputs
//
//   - total: Stored session count.
//   - avgRetries: Mean RetryCount across sessions, 0 when empty.
//   - errorsByType: Stored error counts keyed by ErrorType name.
func (s *SessionStore) Snapshot() (total int, avgRetries float64, errorsByType map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsByType = make(map[string]int)
	retries := 0
	for _, session := range s.sessions {
		retries += session.RetryCount
		for _, e := range session.Errors {
			errorsByType[string(e.Type)]++
		}
	}

	total = len(s.sessions)
	if total > 0 {
		avgRetries = float64(retries) / float64(total)
	}
	return total, avgRetries, errorsByType
}

// Close flushes the table one last time and rejects further mutations.
// Safe to call multiple times. The underlying KV is left open; its owner
// closes it.
func (s *SessionStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.persistLocked(ctx)
}

// load seeds the in-memory table from the KV slot.
func (s *SessionStore) load(ctx context.Context) error {
	data, err := s.kv.Load(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var table sessionTable
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("corrupt session table: %w", err)
	}
	if table.Version > sessionTableVersion {
		return fmt.Errorf("session table version %d is newer than supported %d", table.Version, sessionTableVersion)
	}
	if table.Sessions != nil {
		s.sessions = table.Sessions
	}
	return nil
}

// persistLocked writes the whole table through to the KV slot.
// Must be called with lock held.
func (s *SessionStore) persistLocked(ctx context.Context) error {
	start := time.Now()

	data, err := json.Marshal(sessionTable{
		Version:  sessionTableVersion,
		Sessions: s.sessions,
	})
	if err == nil {
		err = s.kv.Save(ctx, data)
	}

	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Error("failed to persist recovery sessions",
			"count", len(s.sessions),
			"error", err,
		)
	}
	persistDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	recoverySessions.Set(float64(len(s.sessions)))

	if err != nil {
		return fmt.Errorf("failed to persist recovery sessions: %w", err)
	}
	return nil
}

// sanitizeChunks sorts, deduplicates, and bounds the completed chunk list.
// totalChunks <= 0 means the bound is unknown and only negatives drop out.
func sanitizeChunks(chunks []int, totalChunks int) []int {
	if len(chunks) == 0 {
		return nil
	}

	seen := make(map[int]struct{}, len(chunks))
	out := make([]int, 0, len(chunks))
	for _, c := range chunks {
		if c < 0 {
			continue
		}
		if totalChunks > 0 && c >= totalChunks {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Ints(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

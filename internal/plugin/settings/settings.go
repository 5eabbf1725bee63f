// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package settings persists per-plugin configuration, schema and enabled
// flag on top of a kvstore.Store. An in-memory cache mirrors the persisted
// records and answers IsEnabled without a storage round trip.
package settings

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/pkg/errutil"
)

const (
	// Section is the kvstore section holding plugin records.
	Section = "plugins"
	// indexKey lists the stored plugin ids; the store cannot enumerate keys.
	indexKey = "__index__"
)

// Record is the persisted state of one plugin.
type Record struct {
	PluginID  string         `json:"plugin_id"`
	Config    map[string]any `json:"config"`
	Schema    map[string]any `json:"schema,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Config = cloneMap(r.Config)
	r.Schema = cloneMap(r.Schema)
	return r
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBackoff overrides the retry policy for writes.
func WithBackoff(newBackoff func() retry.Backoff) Option {
	return func(s *Store) { s.backoff = newBackoff }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is the plugin configuration store.
type Store struct {
	kv      kvstore.Store
	now     func() time.Time
	backoff func() retry.Backoff
	logger  *slog.Logger

	// writeMu serializes read-modify-write of the index key.
	writeMu sync.Mutex
	mu      sync.RWMutex
	cache   map[string]Record
	loaded  bool
}

// New creates a Store over kv. Call Load before use.
func New(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:  kv,
		now: time.Now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(100*time.Millisecond))
		},
		logger: slog.Default(),
		cache:  make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load populates the cache from the persisted records. Records listed in the
// index but missing from storage are skipped.
func (s *Store) Load(ctx context.Context) error {
	var ids []string
	if _, err := s.kv.Get(ctx, Section, indexKey, &ids); err != nil {
		return oops.Code(errutil.CodeStorageFailed).In("settings").Wrapf(err, "load index")
	}

	cache := make(map[string]Record, len(ids))
	for _, id := range ids {
		var rec Record
		found, err := s.kv.Get(ctx, Section, id, &rec)
		if err != nil {
			return oops.Code(errutil.CodeStorageFailed).In("settings").With("plugin", id).Wrapf(err, "load record")
		}
		if !found {
			s.logger.Warn("plugin settings listed but missing", "plugin", id)
			continue
		}
		rec.PluginID = id
		cache[id] = rec
	}

	s.mu.Lock()
	s.cache = cache
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Loaded reports whether Load has completed.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Save persists cfg and schema for pluginID, preserving the enabled flag
// and creation time of an existing record.
func (s *Store) Save(ctx context.Context, pluginID string, cfg, schema map[string]any) error {
	return s.mutate(ctx, pluginID, func(rec *Record) {
		rec.Config = cloneMap(cfg)
		rec.Schema = cloneMap(schema)
	})
}

// Get returns the stored record for pluginID.
func (s *Store) Get(pluginID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[pluginID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Config returns the stored configuration for pluginID.
func (s *Store) Config(pluginID string) (map[string]any, bool) {
	rec, ok := s.Get(pluginID)
	if !ok {
		return nil, false
	}
	return rec.Config, true
}

// Schema returns the JSON schema last stored for pluginID.
func (s *Store) Schema(pluginID string) (map[string]any, bool) {
	rec, ok := s.Get(pluginID)
	if !ok || rec.Schema == nil {
		return nil, false
	}
	return rec.Schema, true
}

// Enable sets the persisted enabled flag, creating the record if needed.
func (s *Store) Enable(ctx context.Context, pluginID string) error {
	return s.mutate(ctx, pluginID, func(rec *Record) { rec.Enabled = true })
}

// Disable clears the persisted enabled flag, creating the record if needed.
func (s *Store) Disable(ctx context.Context, pluginID string) error {
	return s.mutate(ctx, pluginID, func(rec *Record) { rec.Enabled = false })
}

// IsEnabled answers from the cache only.
func (s *Store) IsEnabled(pluginID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[pluginID].Enabled
}

// Delete removes the record for pluginID. Deleting an unknown id succeeds.
func (s *Store) Delete(ctx context.Context, pluginID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.retry(ctx, "delete", func(ctx context.Context) error {
		return s.kv.Delete(ctx, Section, pluginID)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, pluginID)
	ids := s.idsLocked()
	s.mu.Unlock()

	return s.retry(ctx, "index", func(ctx context.Context) error {
		return s.kv.Set(ctx, Section, indexKey, ids)
	})
}

// All returns every cached record keyed by plugin id.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.cache))
	for id, rec := range s.cache {
		out[id] = rec.clone()
	}
	return out
}

// EnabledIDs returns the sorted ids whose enabled flag is set.
func (s *Store) EnabledIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.cache {
		if rec.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// mutate applies change to the record for pluginID, persists it, and only
// then updates the cache so a failed write leaves the cache consistent with
// storage.
func (s *Store) mutate(ctx context.Context, pluginID string, change func(*Record)) error {
	if pluginID == "" {
		return oops.Code(errutil.CodeInvalidArgument).In("settings").Errorf("plugin id is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	rec, existed := s.cache[pluginID]
	s.mu.RUnlock()

	now := s.now()
	rec = rec.clone()
	if !existed {
		rec = Record{PluginID: pluginID, Config: map[string]any{}, CreatedAt: now}
	}
	change(&rec)
	rec.UpdatedAt = now

	if err := s.retry(ctx, "save", func(ctx context.Context) error {
		return s.kv.Set(ctx, Section, pluginID, rec)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[pluginID] = rec
	ids := s.idsLocked()
	s.mu.Unlock()

	if existed {
		return nil
	}
	return s.retry(ctx, "index", func(ctx context.Context) error {
		return s.kv.Set(ctx, Section, indexKey, ids)
	})
}

func (s *Store) idsLocked() []string {
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			if kvstore.IsRetryable(err) {
				s.logger.Warn("plugin settings write failed, retrying",
					"operation", op, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return oops.Code(errutil.CodeStorageFailed).
			In("settings").
			With("operation", op).
			With("attempts", attempt).
			Wrap(err)
	}
	return nil
}

// Copyright 2024 Telemetry Insights Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache memoizes analysis results keyed by the telemetry they were
// computed from.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

// DefaultTTL is how long a stored result stays fresh
const DefaultTTL = 5 * time.Minute

// Cache is the lookup surface the orchestrator depends on
type Cache interface {
	Get(ctx context.Context, key string) (*analysis.Result, bool)
	Set(ctx context.Context, key string, result *analysis.Result)
	Evict(ctx context.Context, key string)
}

// Stats reports cache effectiveness
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
}

// Option configures a ResultCache
type Option func(*ResultCache)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(c *ResultCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source used for freshness checks
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		c.now = now
	}
}

// ResultCache applies TTL semantics on top of a Store. Stale entries are
// treated as absent and removed on lookup; there is no background sweep.
// Store failures degrade to misses and are never returned to callers.
type ResultCache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	errors    atomic.Int64
}

// New creates a ResultCache over store
func New(store Store, logger *zap.Logger, opts ...Option) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ResultCache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the fresh result stored under key
func (c *ResultCache) Get(ctx context.Context, key string) (*analysis.Result, bool) {
	entry, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok || entry.Result == nil {
		c.misses.Add(1)
		return nil, false
	}

	if c.now().Sub(entry.StoredAt) >= c.ttl {
		c.misses.Add(1)
		c.Evict(ctx, key)
		c.logger.Debug("Cache entry expired",
			zap.String("key", key),
			zap.Time("stored_at", entry.StoredAt))
		return nil, false
	}

	c.hits.Add(1)
	return entry.Result.Clone(), true
}

// Set stores a copy of result under key
func (c *ResultCache) Set(ctx context.Context, key string, result *analysis.Result) {
	if result == nil {
		return
	}
	entry := &Entry{Key: key, Result: result.Clone(), StoredAt: c.now()}
	if err := c.store.Save(ctx, entry, c.ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.logger.Debug("Cached analysis result", zap.String("key", key), zap.Duration("ttl", c.ttl))
}

// Evict removes key
func (c *ResultCache) Evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cache eviction failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.evictions.Add(1)
}

// Ping checks the underlying store
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Stats returns a snapshot of the counters
func (c *ResultCache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Errors:    c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Package cache implements the TTL result cache for tool invocations.
//
// The cache has two tiers: a fast in-process map and an optional durable
// Store (Redis in production, see RedisStore). The fast tier is authoritative
// within the process; the durable tier survives restarts and feeds the fast
// tier on promotion. Durable-tier failures are logged and degrade to cache
// misses — the cache is an optimization, never a source of truth.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Record is one durable-tier cache entry. Expiry is authoritative: a record
// whose expiry has passed is a miss even if the store still holds it.
type Record struct {
	Value   json.RawMessage `json:"value"`
	Expiry  time.Time       `json:"expiry"`
	Created time.Time       `json:"created"`
}

// Store is the durable cache tier.
//
// Get returns (nil, nil) on a miss. Implementations report I/O failures as
// errors; the Cache contains them (logs, treats as miss) so callers never
// see a storage failure.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) (int, error)
	CleanExpired(ctx context.Context, now time.Time) (int, error)
}

type entry struct {
	value   any
	expiry  time.Time
	created time.Time
}

// Cache is the two-tier TTL cache. Safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	fast       map[string]entry
	durable    Store // nil = fast tier only
	defaultTTL time.Duration
	logger     *slog.Logger

	now func() time.Time // injectable for tests
}

// New creates a cache over an optional durable store. A nil store leaves the
// cache purely in-process. defaultTTL applies when Set is called with a
// non-positive TTL.
func New(durable Store, defaultTTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fast:       make(map[string]entry),
		durable:    durable,
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Get looks up the result for (tool, args). The fast tier is checked first;
// on miss the durable tier is consulted and a still-valid record is promoted
// into the fast tier. Expired entries encountered along the way are removed.
func (c *Cache) Get(ctx context.Context, tool string, args map[string]any) (any, bool) {
	key := CanonicalKey(tool, args)
	now := c.now()

	c.mu.RLock()
	e, ok := c.fast[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(e.expiry) {
			return e.value, true
		}
		// Lazy removal of the expired fast-tier entry.
		c.mu.Lock()
		if cur, still := c.fast[key]; still && !now.Before(cur.expiry) {
			delete(c.fast, key)
		}
		c.mu.Unlock()
	}

	if c.durable == nil {
		return nil, false
	}

	rec, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("durable cache read failed", "key", key, "error", err)
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	if !now.Before(rec.Expiry) {
		if err := c.durable.Delete(ctx, key); err != nil {
			c.logger.Warn("removing expired durable entry", "key", key, "error", err)
		}
		return nil, false
	}

	var value any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		c.logger.Warn("corrupt durable cache entry", "key", key, "error", err)
		if err := c.durable.Delete(ctx, key); err != nil {
			c.logger.Warn("removing corrupt durable entry", "key", key, "error", err)
		}
		return nil, false
	}

	// Promote into the fast tier with the remaining lifetime.
	c.mu.Lock()
	c.fast[key] = entry{value: value, expiry: rec.Expiry, created: rec.Created}
	c.mu.Unlock()

	return value, true
}

// Set stores value for (tool, args) in both tiers with the given TTL
// (defaultTTL when ttl <= 0). The fast-tier write always succeeds; a
// durable-tier failure is logged and does not fail the call.
func (c *Cache) Set(ctx context.Context, tool string, args map[string]any, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := CanonicalKey(tool, args)
	now := c.now()
	expiry := now.Add(ttl)

	c.mu.Lock()
	c.fast[key] = entry{value: value, expiry: expiry, created: now}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable, durable tier skipped", "key", key, "error", err)
		return
	}
	rec := Record{Value: data, Expiry: expiry, Created: now}
	if err := c.durable.Set(ctx, key, rec, ttl); err != nil {
		c.logger.Warn("durable cache write failed", "key", key, "error", err)
	}
}

// Delete removes the entry for (tool, args) from both tiers.
func (c *Cache) Delete(ctx context.Context, tool string, args map[string]any) {
	key := CanonicalKey(tool, args)

	c.mu.Lock()
	delete(c.fast, key)
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.Delete(ctx, key); err != nil {
			c.logger.Warn("durable cache delete failed", "key", key, "error", err)
		}
	}
}

// Clear drops every entry from both tiers.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.fast = make(map[string]entry)
	c.mu.Unlock()

	if c.durable != nil {
		if _, err := c.durable.Clear(ctx); err != nil {
			c.logger.Warn("durable cache clear failed", "error", err)
		}
	}
}

// CleanExpired removes entries whose expiry has passed from both tiers and
// returns the number removed. Run periodically via Maintainer.
func (c *Cache) CleanExpired(ctx context.Context) int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, e := range c.fast {
		if !now.Before(e.expiry) {
			delete(c.fast, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.durable != nil {
		n, err := c.durable.CleanExpired(ctx, now)
		if err != nil {
			c.logger.Warn("durable cache sweep failed", "error", err)
		}
		removed += n
	}

	return removed
}

// Stats reports cache occupancy for the /health endpoint.
type Stats struct {
	FastEntries int  `json:"fast_entries"`
	DurableTier bool `json:"durable_tier"`
}

// Stats returns current occupancy of the fast tier.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{FastEntries: len(c.fast), DurableTier: c.durable != nil}
}

// Func is the shape of a cacheable capability: structured arguments in,
// structured result or failure out.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// Memoize wraps fn so that successful results are cache-backed under the
// given name with the given TTL. Errors are returned unwrapped and never
// cached.
func (c *Cache) Memoize(name string, ttl time.Duration, fn Func) Func {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if v, ok := c.Get(ctx, name, args); ok {
			if m, ok := v.(map[string]any); ok {
				return m, nil
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, name, args, result, ttl)
		return result, nil
	}
}

// Package cache implements a process-local TTL+LRU cache that shields
// the database from repeated reads of preferences and tokens during
// request bursts. It is not shared across instances; a multi-instance
// deployment needs an external key-value store behind the same interface.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"
)

// DefaultCapacity bounds the number of live entries before LRU eviction.
const DefaultCapacity = 1000

// ErrNotFound is returned by Get when the key misses and no fetcher
// result is available.
var ErrNotFound = errors.New("cache entry not found")

// Fetcher loads a value on cache miss.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	data         any
	expiresAt    time.Time
	hitCount     int64
	lastAccessed time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	StaleServes int64 `json:"stale_serves"`
}

// Cache is a TTL+LRU cache. All methods are safe for concurrent use.
// The fetcher runs outside the lock, so concurrent misses on the same
// key may fetch more than once; last write wins.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	staleServes int64
}

// New creates a Cache with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the cached value for key if it is still live, otherwise
// invokes fetch. A fetch failure falls back to a stale entry when one
// exists; the error propagates only when there is nothing to serve.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, fetch Fetcher) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Before(e.expiresAt) {
		e.hitCount++
		e.lastAccessed = c.now()
		c.hits++
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.misses++
	c.mu.Unlock()

	data, err := fetch(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.entries[key]; ok {
			c.staleServes++
			c.logger.Warn("serving stale cache entry after fetch failure",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return e.data, nil
		}
		return nil, fmt.Errorf("cache fetch for %q failed: %w", key, err)
	}

	c.Set(key, data, ttl)
	return data, nil
}

// Set stores data under key with the given TTL, evicting the least
// recently accessed entry if the cache is full.
func (c *Cache) Set(key string, data any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLRULocked()
	}

	now := c.now()
	c.entries[key] = &entry{
		data:         data,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePattern removes every key matching the glob pattern, returning
// the number of entries removed.
func (c *Cache) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		StaleServes: c.staleServes,
	}
}

// StartSweeper launches a goroutine that removes expired entries every
// interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.sweep(); n > 0 {
					c.logger.Debug("swept expired cache entries", slog.Int("removed", n))
				}
			}
		}
	}()
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// evictLRULocked removes the least recently accessed entry. Caller must
// hold the lock.
func (c *Cache) evictLRULocked() {
	var oldestKey string
	var oldest time.Time
	first := true

	for key, e := range c.entries {
		if first || e.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = e.lastAccessed
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

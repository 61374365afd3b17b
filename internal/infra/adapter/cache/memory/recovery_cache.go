// Package memory is an in-process recovery cache for single-worker runs.
// Entries do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

// DefaultCapacity bounds the number of entries when none is configured.
const DefaultCapacity = 10000

type cacheKey struct {
	urlHash  string
	provider string
}

// RecoveryCache keeps entries in a bounded LRU list. The list capacity is a
// hard limit; EvictLRU applies the configured limits below it.
type RecoveryCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[cacheKey, entity.RecoveryCacheEntry]
	bytes int64
}

// NewRecoveryCache creates a cache holding at most capacity entries.
func NewRecoveryCache(capacity int) (*RecoveryCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &RecoveryCache{}
	l, err := lru.NewWithEvict(capacity, func(_ cacheKey, e entity.RecoveryCacheEntry) {
		c.bytes -= e.SizeBytes
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

var _ repository.RecoveryCache = (*RecoveryCache)(nil)

func (c *RecoveryCache) Get(_ context.Context, urlHash, provider string, now time.Time) (*entity.RecoveryCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{urlHash, provider}
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if e.Expired(now) {
		c.lru.Remove(key)
		return nil, nil
	}
	e.LastAccessedAt = now
	c.lru.Add(key, e)
	return clone(e), nil
}

func (c *RecoveryCache) Put(_ context.Context, entry *entity.RecoveryCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{entry.URLHash, entry.Provider}
	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.SizeBytes
	}
	e := *clone(*entry)
	if e.SizeBytes <= 0 {
		e.SizeBytes = e.EstimatedSize()
	}
	c.bytes += e.SizeBytes
	c.lru.Add(key, e)
	return nil
}

func (c *RecoveryCache) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.Expired(now) {
			c.lru.Remove(key)
			n++
		}
	}
	return n, nil
}

func (c *RecoveryCache) EvictLRU(_ context.Context, maxEntries int, maxBytes int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for c.lru.Len() > 0 &&
		((maxEntries > 0 && c.lru.Len() > maxEntries) || (maxBytes > 0 && c.bytes > maxBytes)) {
		c.lru.RemoveOldest()
		n++
	}
	return n, nil
}

func (c *RecoveryCache) Stats(_ context.Context, now time.Time) (*entity.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &entity.CacheStats{SizeBytes: c.bytes}
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		stats.Entries++
		if e.Negative() {
			stats.Negative++
		}
		if e.Expired(now) {
			stats.Expired++
		}
	}
	return stats, nil
}

func clone(e entity.RecoveryCacheEntry) *entity.RecoveryCacheEntry {
	if e.RecoveredURL != nil {
		u := *e.RecoveredURL
		e.RecoveredURL = &u
	}
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return &e
}

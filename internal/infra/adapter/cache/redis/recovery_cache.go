// Package redis stores the recovery cache in Redis so several workers share
// provider outcomes. Entry TTLs are native key expirations; a sorted set
// indexes keys by last access for LRU eviction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

const defaultPrefix = "recovery_cache"

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Prefix namespaces every key; defaults to "recovery_cache".
	Prefix string `yaml:"prefix"`
}

// RecoveryCache implements repository.RecoveryCache on Redis.
type RecoveryCache struct {
	rdb    *redis.Client
	prefix string
}

var _ repository.RecoveryCache = (*RecoveryCache)(nil)

// NewClient parses cfg.URL and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRecoveryCache wraps an open client.
func NewRecoveryCache(rdb *redis.Client, prefix string) *RecoveryCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RecoveryCache{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *RecoveryCache) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *RecoveryCache) entryKey(urlHash, provider string) string {
	return fmt.Sprintf("%s:entry:%s:%s", c.prefix, urlHash, provider)
}

func (c *RecoveryCache) accessKey() string { return c.prefix + ":access" }

func (c *RecoveryCache) sizeKey() string { return c.prefix + ":size" }

func (c *RecoveryCache) Get(ctx context.Context, urlHash, provider string, now time.Time) (*entity.RecoveryCacheEntry, error) {
	key := c.entryKey(urlHash, provider)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var e entity.RecoveryCacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if e.Expired(now) {
		if err := c.remove(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	e.LastAccessedAt = now
	if err := c.rdb.ZAddXX(ctx, c.accessKey(), redis.Z{Score: score(now), Member: key}).Err(); err != nil {
		return nil, fmt.Errorf("zadd failed: %w", err)
	}
	return &e, nil
}

func (c *RecoveryCache) Put(ctx context.Context, entry *entity.RecoveryCacheEntry) error {
	e := *entry
	if e.SizeBytes <= 0 {
		e.SizeBytes = e.EstimatedSize()
	}
	ttl := e.ExpiresAt.Sub(e.CachedAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	key := c.entryKey(e.URLHash, e.Provider)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, raw, ttl)
		p.ZAdd(ctx, c.accessKey(), redis.Z{Score: score(e.LastAccessedAt), Member: key})
		p.HSet(ctx, c.sizeKey(), key, e.SizeBytes)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	return nil
}

// DeleteExpired drops index entries whose key Redis has already expired.
func (c *RecoveryCache) DeleteExpired(ctx context.Context, _ time.Time) (int64, error) {
	keys, err := c.rdb.ZRange(ctx, c.accessKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange failed: %w", err)
	}
	var n int64
	for _, key := range keys {
		exists, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return n, fmt.Errorf("exists failed: %w", err)
		}
		if exists == 0 {
			if err := c.remove(ctx, key); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (c *RecoveryCache) EvictLRU(ctx context.Context, maxEntries int, maxBytes int64) (int64, error) {
	if maxEntries <= 0 && maxBytes <= 0 {
		return 0, nil
	}
	// newest first
	keys, err := c.rdb.ZRevRange(ctx, c.accessKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrevrange failed: %w", err)
	}
	sizes, err := c.sizes(ctx)
	if err != nil {
		return 0, err
	}

	var (
		n       int64
		running int64
	)
	for i, key := range keys {
		running += sizes[key]
		if (maxEntries > 0 && i+1 > maxEntries) || (maxBytes > 0 && running > maxBytes) {
			if err := c.remove(ctx, key); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (c *RecoveryCache) Stats(ctx context.Context, now time.Time) (*entity.CacheStats, error) {
	keys, err := c.rdb.ZRange(ctx, c.accessKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	stats := &entity.CacheStats{}
	if len(keys) == 0 {
		return stats, nil
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e entity.RecoveryCacheEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		stats.Entries++
		stats.SizeBytes += e.SizeBytes
		if e.Negative() {
			stats.Negative++
		}
		if e.Expired(now) {
			stats.Expired++
		}
	}
	return stats, nil
}

func (c *RecoveryCache) sizes(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, c.sizeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

func (c *RecoveryCache) remove(ctx context.Context, key string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.ZRem(ctx, c.accessKey(), key)
		p.HDel(ctx, c.sizeKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove failed: %w", err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

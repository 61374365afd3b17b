package repository

import (
	"context"
	"time"

	"media-rescue/internal/domain/entity"
)

// RecoveryCache stores provider outcomes keyed by (url hash, provider).
type RecoveryCache interface {
	// Get returns the live entry for key and refreshes its last access time.
	// Missing or expired entries return nil, nil.
	Get(ctx context.Context, urlHash, provider string, now time.Time) (*entity.RecoveryCacheEntry, error)
	// Put inserts or replaces the entry for (URLHash, Provider).
	Put(ctx context.Context, entry *entity.RecoveryCacheEntry) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// EvictLRU removes the least recently accessed entries until at most
	// maxEntries remain and their total size is at most maxBytes. Zero limits
	// are ignored.
	EvictLRU(ctx context.Context, maxEntries int, maxBytes int64) (int64, error)
	Stats(ctx context.Context, now time.Time) (*entity.CacheStats, error)
}

// RecoveryAttemptRepository records every provider call for analytics.
type RecoveryAttemptRepository interface {
	Record(ctx context.Context, attempt *entity.RecoveryAttempt) error
	// ListByURL returns the attempts made for url, oldest first.
	ListByURL(ctx context.Context, url string) ([]*entity.RecoveryAttempt, error)
	ProviderStats(ctx context.Context, since time.Time) (map[string]entity.ProviderStats, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

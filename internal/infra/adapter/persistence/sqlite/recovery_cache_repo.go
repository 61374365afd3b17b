package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

type RecoveryCacheRepo struct{ db *sql.DB }

func NewRecoveryCacheRepo(db *sql.DB) repository.RecoveryCache {
	return &RecoveryCacheRepo{db: db}
}

func (repo *RecoveryCacheRepo) Get(ctx context.Context, urlHash, provider string, now time.Time) (*entity.RecoveryCacheEntry, error) {
	const query = `
UPDATE recovery_cache
SET last_accessed_at = ?
WHERE url_hash = ? AND provider = ? AND expires_at > ?
RETURNING url_hash, provider, url, recovered_url, quality, cached_at,
          last_accessed_at, expires_at, metadata, size_bytes`
	var (
		entry     entity.RecoveryCacheEntry
		recovered sql.NullString
		quality   string
		metadata  string
	)
	err := repo.db.QueryRowContext(ctx, query, utc(now), urlHash, provider, utc(now)).Scan(
		&entry.URLHash, &entry.Provider, &entry.URL, &recovered, &quality, &entry.CachedAt,
		&entry.LastAccessedAt, &entry.ExpiresAt, &metadata, &entry.SizeBytes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if recovered.Valid {
		entry.RecoveredURL = &recovered.String
	}
	entry.Quality = entity.QualityTier(quality)
	if entry.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &entry, nil
}

func (repo *RecoveryCacheRepo) Put(ctx context.Context, entry *entity.RecoveryCacheEntry) error {
	md, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	var recovered sql.NullString
	if entry.RecoveredURL != nil {
		recovered = sql.NullString{String: *entry.RecoveredURL, Valid: true}
	}
	const query = `
INSERT INTO recovery_cache (url_hash, provider, url, recovered_url, quality, cached_at,
                            last_accessed_at, expires_at, metadata, size_bytes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url_hash, provider) DO UPDATE SET
       url              = excluded.url,
       recovered_url    = excluded.recovered_url,
       quality          = excluded.quality,
       cached_at        = excluded.cached_at,
       last_accessed_at = excluded.last_accessed_at,
       expires_at       = excluded.expires_at,
       metadata         = excluded.metadata,
       size_bytes       = excluded.size_bytes`
	_, err = repo.db.ExecContext(ctx, query,
		entry.URLHash, entry.Provider, entry.URL, recovered, string(entry.Quality), utc(entry.CachedAt),
		utc(entry.LastAccessedAt), utc(entry.ExpiresAt), md, entry.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

func (repo *RecoveryCacheRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM recovery_cache WHERE expires_at <= ?`, utc(now))
	if err != nil {
		return 0, fmt.Errorf("DeleteExpired: %w", err)
	}
	return res.RowsAffected()
}

// EvictLRU ranks entries by last access, newest first, and deletes every
// entry whose rank or running size exceeds the limits.
func (repo *RecoveryCacheRepo) EvictLRU(ctx context.Context, maxEntries int, maxBytes int64) (int64, error) {
	if maxEntries <= 0 && maxBytes <= 0 {
		return 0, nil
	}
	const query = `
DELETE FROM recovery_cache
WHERE (url_hash, provider) IN (
    SELECT url_hash, provider FROM (
        SELECT url_hash, provider,
               ROW_NUMBER() OVER (ORDER BY last_accessed_at DESC, cached_at DESC) AS rank,
               SUM(size_bytes) OVER (ORDER BY last_accessed_at DESC, cached_at DESC
                                     ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS running
        FROM recovery_cache
    )
    WHERE (? > 0 AND rank > ?) OR (? > 0 AND running > ?)
)`
	res, err := repo.db.ExecContext(ctx, query, maxEntries, maxEntries, maxBytes, maxBytes)
	if err != nil {
		return 0, fmt.Errorf("EvictLRU: %w", err)
	}
	return res.RowsAffected()
}

func (repo *RecoveryCacheRepo) Stats(ctx context.Context, now time.Time) (*entity.CacheStats, error) {
	const query = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN recovered_url IS NULL THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(size_bytes), 0)
FROM recovery_cache`
	var stats entity.CacheStats
	if err := repo.db.QueryRowContext(ctx, query, utc(now)).Scan(
		&stats.Entries, &stats.Negative, &stats.Expired, &stats.SizeBytes,
	); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	return &stats, nil
}

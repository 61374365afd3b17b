package postgres

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
SET last_accessed_at = $3
WHERE url_hash = $1 AND provider = $2 AND expires_at > $3
RETURNING url_hash, provider, url, recovered_url, quality, cached_at,
          last_accessed_at, expires_at, metadata, size_bytes`
	var (
		entry     entity.RecoveryCacheEntry
		recovered sql.NullString
		quality   string
		metadata  []byte
	)
	err := repo.db.QueryRowContext(ctx, query, urlHash, provider, now).Scan(
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (url_hash, provider) DO UPDATE SET
       url              = EXCLUDED.url,
       recovered_url    = EXCLUDED.recovered_url,
       quality          = EXCLUDED.quality,
       cached_at        = EXCLUDED.cached_at,
       last_accessed_at = EXCLUDED.last_accessed_at,
       expires_at       = EXCLUDED.expires_at,
       metadata         = EXCLUDED.metadata,
       size_bytes       = EXCLUDED.size_bytes`
	_, err = repo.db.ExecContext(ctx, query,
		entry.URLHash, entry.Provider, entry.URL, recovered, string(entry.Quality), entry.CachedAt,
		entry.LastAccessedAt, entry.ExpiresAt, md, entry.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

func (repo *RecoveryCacheRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM recovery_cache WHERE expires_at <= $1`, now)
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
DELETE FROM recovery_cache rc
USING (
    SELECT url_hash, provider,
           ROW_NUMBER() OVER (ORDER BY last_accessed_at DESC, cached_at DESC) AS rank,
           SUM(size_bytes) OVER (ORDER BY last_accessed_at DESC, cached_at DESC
                                 ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS running
    FROM recovery_cache
) ranked
WHERE rc.url_hash = ranked.url_hash
  AND rc.provider = ranked.provider
  AND (($1 > 0 AND ranked.rank > $1) OR ($2 > 0 AND ranked.running > $2))`
	res, err := repo.db.ExecContext(ctx, query, maxEntries, maxBytes)
	if err != nil {
		return 0, fmt.Errorf("EvictLRU: %w", err)
	}
	return res.RowsAffected()
}

func (repo *RecoveryCacheRepo) Stats(ctx context.Context, now time.Time) (*entity.CacheStats, error) {
	const query = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE recovered_url IS NULL),
       COUNT(*) FILTER (WHERE expires_at <= $1),
       COALESCE(SUM(size_bytes), 0)
FROM recovery_cache`
	var stats entity.CacheStats
	if err := repo.db.QueryRowContext(ctx, query, now).Scan(
		&stats.Entries, &stats.Negative, &stats.Expired, &stats.SizeBytes,
	); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	return &stats, nil
}

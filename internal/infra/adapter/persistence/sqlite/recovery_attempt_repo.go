package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

type RecoveryAttemptRepo struct{ db *sql.DB }

func NewRecoveryAttemptRepo(db *sql.DB) repository.RecoveryAttemptRepository {
	return &RecoveryAttemptRepo{db: db}
}

func (repo *RecoveryAttemptRepo) Record(ctx context.Context, attempt *entity.RecoveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	const query = `
INSERT INTO recovery_attempts (id, url, url_hash, provider, success, recovered_url, quality,
                               error_message, failure_reason, duration_ms, attempted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := repo.db.ExecContext(ctx, query,
		attempt.ID, attempt.URL, attempt.URLHash, attempt.Provider, attempt.Success,
		attempt.RecoveredURL, string(attempt.Quality), attempt.ErrorMessage, attempt.FailureReason,
		attempt.Duration.Milliseconds(), utc(attempt.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

func (repo *RecoveryAttemptRepo) ListByURL(ctx context.Context, url string) ([]*entity.RecoveryAttempt, error) {
	const query = `
SELECT id, url, url_hash, provider, success, recovered_url, quality,
       error_message, failure_reason, duration_ms, attempted_at
FROM recovery_attempts
WHERE url = ?
ORDER BY attempted_at ASC, rowid ASC`
	rows, err := repo.db.QueryContext(ctx, query, url)
	if err != nil {
		return nil, fmt.Errorf("ListByURL: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*entity.RecoveryAttempt
	for rows.Next() {
		var (
			a          entity.RecoveryAttempt
			quality    string
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.URL, &a.URLHash, &a.Provider, &a.Success, &a.RecoveredURL,
			&quality, &a.ErrorMessage, &a.FailureReason, &durationMS, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("ListByURL: %w", err)
		}
		a.Quality = entity.QualityTier(quality)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (repo *RecoveryAttemptRepo) ProviderStats(ctx context.Context, since time.Time) (map[string]entity.ProviderStats, error) {
	const query = `
SELECT provider,
       COUNT(*),
       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
       COALESCE(AVG(duration_ms), 0)
FROM recovery_attempts
WHERE attempted_at >= ?
GROUP BY provider`
	rows, err := repo.db.QueryContext(ctx, query, utc(since))
	if err != nil {
		return nil, fmt.Errorf("ProviderStats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]entity.ProviderStats)
	for rows.Next() {
		var (
			provider       string
			total, success int
			avgMS          float64
		)
		if err := rows.Scan(&provider, &total, &success, &avgMS); err != nil {
			return nil, fmt.Errorf("ProviderStats: %w", err)
		}
		stats[provider] = entity.ProviderStats{
			Attempts:    total,
			Successes:   success,
			Failures:    total - success,
			AvgDuration: time.Duration(avgMS * float64(time.Millisecond)),
		}
	}
	return stats, rows.Err()
}

func (repo *RecoveryAttemptRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM recovery_attempts WHERE attempted_at < ?`, utc(before))
	if err != nil {
		return 0, fmt.Errorf("Purge: %w", err)
	}
	return res.RowsAffected()
}

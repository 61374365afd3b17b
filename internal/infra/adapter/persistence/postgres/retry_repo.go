package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

type RetryRepo struct{ db *sql.DB }

func NewRetryRepo(db *sql.DB) repository.RetryRepository {
	return &RetryRepo{db: db}
}

const retryColumns = `url, service_name, error_message, retry_count, max_retries, priority,
       created_at, next_retry_at, last_attempt_at, status, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetryItem(row rowScanner) (*entity.RetryItem, error) {
	var (
		item        entity.RetryItem
		lastAttempt sql.NullTime
		status      string
		metadata    []byte
	)
	if err := row.Scan(
		&item.URL, &item.ServiceName, &item.ErrorMessage, &item.RetryCount, &item.MaxRetries,
		&item.Priority, &item.CreatedAt, &item.NextRetryAt, &lastAttempt, &status, &metadata,
	); err != nil {
		return nil, err
	}
	item.Status = entity.RetryStatus(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttemptAt = &t
	}
	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	item.Metadata = md
	return &item, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (repo *RetryRepo) Upsert(ctx context.Context, item *entity.RetryItem) error {
	md, err := encodeMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	const query = `
INSERT INTO retry_queue (url, service_name, error_message, retry_count, max_retries, priority,
                         created_at, next_retry_at, last_attempt_at, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (url, service_name) DO UPDATE SET
       error_message = EXCLUDED.error_message,
       priority      = LEAST(retry_queue.priority, EXCLUDED.priority),
       next_retry_at = GREATEST(retry_queue.next_retry_at, EXCLUDED.next_retry_at),
       metadata      = EXCLUDED.metadata
WHERE retry_queue.status <> 'in_progress'`
	_, err = repo.db.ExecContext(ctx, query,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount, item.MaxRetries, int(item.Priority),
		item.CreatedAt, item.NextRetryAt, nullTime(item.LastAttemptAt), string(item.Status), md,
	)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (repo *RetryRepo) Get(ctx context.Context, url, service string) (*entity.RetryItem, error) {
	const query = `
SELECT ` + retryColumns + `
FROM retry_queue
WHERE url = $1 AND service_name = $2
LIMIT 1`
	item, err := scanRetryItem(repo.db.QueryRowContext(ctx, query, url, service))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return item, nil
}

func (repo *RetryRepo) ListReady(ctx context.Context, service string, now time.Time, limit int) ([]*entity.RetryItem, error) {
	const query = `
SELECT ` + retryColumns + `
FROM retry_queue
WHERE status = 'pending'
  AND next_retry_at <= $1
  AND ($2 = '' OR service_name = $2)
ORDER BY priority ASC, next_retry_at ASC
LIMIT $3`
	rows, err := repo.db.QueryContext(ctx, query, now, service, limit)
	if err != nil {
		return nil, fmt.Errorf("ListReady: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]*entity.RetryItem, 0, limit)
	for rows.Next() {
		item, err := scanRetryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ListReady: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (repo *RetryRepo) MarkStarted(ctx context.Context, url, service string, at time.Time) (bool, error) {
	const query = `
UPDATE retry_queue
SET status = 'in_progress', last_attempt_at = $3
WHERE url = $1 AND service_name = $2 AND status = 'pending'`
	res, err := repo.db.ExecContext(ctx, query, url, service, at)
	if err != nil {
		return false, fmt.Errorf("MarkStarted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("MarkStarted: %w", err)
	}
	return n > 0, nil
}

func (repo *RetryRepo) Reschedule(ctx context.Context, item *entity.RetryItem) error {
	md, err := encodeMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("Reschedule: %w", err)
	}
	const query = `
UPDATE retry_queue SET
       error_message   = $3,
       retry_count     = $4,
       next_retry_at   = $5,
       last_attempt_at = $6,
       status          = 'pending',
       metadata        = $7
WHERE url = $1 AND service_name = $2`
	res, err := repo.db.ExecContext(ctx, query,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount,
		item.NextRetryAt, nullTime(item.LastAttemptAt), md,
	)
	if err != nil {
		return fmt.Errorf("Reschedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Reschedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("Reschedule: %w", entity.ErrNotFound)
	}
	return nil
}

func (repo *RetryRepo) Delete(ctx context.Context, url, service string) (bool, error) {
	const query = `DELETE FROM retry_queue WHERE url = $1 AND service_name = $2`
	res, err := repo.db.ExecContext(ctx, query, url, service)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return n > 0, nil
}

func (repo *RetryRepo) MoveToDeadLetter(ctx context.Context, item *entity.RetryItem, movedAt time.Time) (err error) {
	md, err := encodeMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("MoveToDeadLetter: %w", err)
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("MoveToDeadLetter: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insert = `
INSERT INTO dead_letter_queue (url, service_name, error_message, retry_count, created_at, moved_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err = tx.ExecContext(ctx, insert,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount, item.CreatedAt, movedAt, md,
	); err != nil {
		return fmt.Errorf("MoveToDeadLetter: insert: %w", err)
	}

	const del = `DELETE FROM retry_queue WHERE url = $1 AND service_name = $2`
	if _, err = tx.ExecContext(ctx, del, item.URL, item.ServiceName); err != nil {
		return fmt.Errorf("MoveToDeadLetter: delete: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("MoveToDeadLetter: commit: %w", err)
	}
	return nil
}

func (repo *RetryRepo) ListExpired(ctx context.Context, cutoff time.Time) ([]*entity.RetryItem, error) {
	const query = `
SELECT ` + retryColumns + `
FROM retry_queue
WHERE created_at < $1 AND status <> 'in_progress'
ORDER BY created_at ASC`
	rows, err := repo.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("ListExpired: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*entity.RetryItem
	for rows.Next() {
		item, err := scanRetryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ListExpired: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (repo *RetryRepo) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
UPDATE retry_queue
SET status = 'pending'
WHERE status = 'in_progress' AND (last_attempt_at IS NULL OR last_attempt_at < $1)`
	res, err := repo.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ResetStale: %w", err)
	}
	return res.RowsAffected()
}

func (repo *RetryRepo) Stats(ctx context.Context, now time.Time) (*entity.QueueStats, error) {
	stats := &entity.QueueStats{
		ByStatus:         make(map[entity.RetryStatus]int),
		PendingByService: make(map[string]int),
	}

	rows, err := repo.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM retry_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("Stats: by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("Stats: by status: %w", err)
		}
		stats.ByStatus[entity.RetryStatus(status)] = n
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("Stats: by status: %w", err)
	}

	rows, err = repo.db.QueryContext(ctx, `
SELECT service_name, COUNT(*) FROM retry_queue
WHERE status = 'pending'
GROUP BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("Stats: by service: %w", err)
	}
	for rows.Next() {
		var service string
		var n int
		if err := rows.Scan(&service, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("Stats: by service: %w", err)
		}
		stats.PendingByService[service] = n
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("Stats: by service: %w", err)
	}

	if err := repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_queue WHERE status = 'pending' AND next_retry_at <= $1`, now,
	).Scan(&stats.ReadyCount); err != nil {
		return nil, fmt.Errorf("Stats: ready: %w", err)
	}
	if err := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).
		Scan(&stats.DeadLetterCount); err != nil {
		return nil, fmt.Errorf("Stats: dead letter: %w", err)
	}
	return stats, nil
}

func (repo *RetryRepo) ListDeadLetters(ctx context.Context, limit int) ([]*entity.DeadLetterItem, error) {
	const query = `
SELECT id, url, service_name, error_message, retry_count, created_at, moved_at, metadata
FROM dead_letter_queue
ORDER BY moved_at DESC
LIMIT $1`
	rows, err := repo.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ListDeadLetters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]*entity.DeadLetterItem, 0, limit)
	for rows.Next() {
		var (
			item     entity.DeadLetterItem
			metadata []byte
		)
		if err := rows.Scan(&item.ID, &item.URL, &item.ServiceName, &item.ErrorMessage,
			&item.RetryCount, &item.CreatedAt, &item.MovedAt, &metadata); err != nil {
			return nil, fmt.Errorf("ListDeadLetters: %w", err)
		}
		if item.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, fmt.Errorf("ListDeadLetters: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (repo *RetryRepo) Requeue(ctx context.Context, item *entity.RetryItem) (ok bool, err error) {
	md, err := encodeMetadata(item.Metadata)
	if err != nil {
		return false, fmt.Errorf("Requeue: %w", err)
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("Requeue: begin: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM dead_letter_queue WHERE url = $1 AND service_name = $2`,
		item.URL, item.ServiceName)
	if err != nil {
		return false, fmt.Errorf("Requeue: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Requeue: delete: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	const insert = `
INSERT INTO retry_queue (url, service_name, error_message, retry_count, max_retries, priority,
                         created_at, next_retry_at, last_attempt_at, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, 'pending', $9)
ON CONFLICT (url, service_name) DO UPDATE SET
       error_message   = EXCLUDED.error_message,
       retry_count     = EXCLUDED.retry_count,
       max_retries     = EXCLUDED.max_retries,
       priority        = EXCLUDED.priority,
       created_at      = EXCLUDED.created_at,
       next_retry_at   = EXCLUDED.next_retry_at,
       last_attempt_at = NULL,
       status          = 'pending',
       metadata        = EXCLUDED.metadata`
	if _, err = tx.ExecContext(ctx, insert,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount, item.MaxRetries,
		int(item.Priority), item.CreatedAt, item.NextRetryAt, md,
	); err != nil {
		return false, fmt.Errorf("Requeue: insert: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("Requeue: commit: %w", err)
	}
	return true, nil
}

func (repo *RetryRepo) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE moved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("PurgeDeadLetters: %w", err)
	}
	return res.RowsAffected()
}

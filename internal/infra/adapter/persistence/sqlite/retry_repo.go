// Package sqlite implements the repositories on SQLite. Timestamps are
// written in UTC so that their text form orders chronologically.
package sqlite

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

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
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

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" || s == "null" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}

func scanRetryItem(row rowScanner) (*entity.RetryItem, error) {
	var (
		item        entity.RetryItem
		lastAttempt sql.NullTime
		status      string
		metadata    string
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

// mergeRetry inserts a new item or folds a repeated failure into the existing
// row. The retry budget and age of the row are kept, next_retry_at never moves
// backwards, and a row claimed by a worker is left untouched.
const mergeRetry = `
INSERT INTO retry_queue (url, service_name, error_message, retry_count, max_retries, priority,
                         created_at, next_retry_at, last_attempt_at, status, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url, service_name) DO UPDATE SET
       error_message = excluded.error_message,
       priority      = MIN(retry_queue.priority, excluded.priority),
       next_retry_at = MAX(retry_queue.next_retry_at, excluded.next_retry_at),
       metadata      = excluded.metadata
WHERE retry_queue.status <> 'in_progress'`

// replaceRetry overwrites the row with the same key, resetting its budget.
const replaceRetry = `
INSERT INTO retry_queue (url, service_name, error_message, retry_count, max_retries, priority,
                         created_at, next_retry_at, last_attempt_at, status, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url, service_name) DO UPDATE SET
       error_message   = excluded.error_message,
       retry_count     = excluded.retry_count,
       max_retries     = excluded.max_retries,
       priority        = excluded.priority,
       created_at      = excluded.created_at,
       next_retry_at   = excluded.next_retry_at,
       last_attempt_at = excluded.last_attempt_at,
       status          = excluded.status,
       metadata        = excluded.metadata`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func write(ctx context.Context, ex execer, query string, item *entity.RetryItem) error {
	md, err := encodeMetadata(item.Metadata)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, query,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount, item.MaxRetries, int(item.Priority),
		utc(item.CreatedAt), utc(item.NextRetryAt), nullTime(item.LastAttemptAt), string(item.Status), md,
	)
	return err
}

func (repo *RetryRepo) Upsert(ctx context.Context, item *entity.RetryItem) error {
	if err := write(ctx, repo.db, mergeRetry, item); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (repo *RetryRepo) Get(ctx context.Context, url, service string) (*entity.RetryItem, error) {
	const query = `
SELECT ` + retryColumns + `
FROM retry_queue
WHERE url = ? AND service_name = ?
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
  AND next_retry_at <= ?
  AND (? = '' OR service_name = ?)
ORDER BY priority ASC, next_retry_at ASC
LIMIT ?`
	rows, err := repo.db.QueryContext(ctx, query, utc(now), service, service, limit)
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
SET status = 'in_progress', last_attempt_at = ?
WHERE url = ? AND service_name = ? AND status = 'pending'`
	res, err := repo.db.ExecContext(ctx, query, utc(at), url, service)
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
       error_message   = ?,
       retry_count     = ?,
       next_retry_at   = ?,
       last_attempt_at = ?,
       status          = 'pending',
       metadata        = ?
WHERE url = ? AND service_name = ?`
	res, err := repo.db.ExecContext(ctx, query,
		item.ErrorMessage, item.RetryCount, utc(item.NextRetryAt), nullTime(item.LastAttemptAt), md,
		item.URL, item.ServiceName,
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
	res, err := repo.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE url = ? AND service_name = ?`, url, service)
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
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insert,
		item.URL, item.ServiceName, item.ErrorMessage, item.RetryCount, utc(item.CreatedAt), utc(movedAt), md,
	); err != nil {
		return fmt.Errorf("MoveToDeadLetter: insert: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM retry_queue WHERE url = ? AND service_name = ?`, item.URL, item.ServiceName,
	); err != nil {
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
WHERE created_at < ? AND status <> 'in_progress'
ORDER BY created_at ASC`
	rows, err := repo.db.QueryContext(ctx, query, utc(cutoff))
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
WHERE status = 'in_progress' AND (last_attempt_at IS NULL OR last_attempt_at < ?)`
	res, err := repo.db.ExecContext(ctx, query, utc(cutoff))
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

	counts := func(query string, args []any, put func(key string, n int)) error {
		rows, err := repo.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			put(key, n)
		}
		return rows.Err()
	}

	if err := counts(`SELECT status, COUNT(*) FROM retry_queue GROUP BY status`, nil,
		func(k string, n int) { stats.ByStatus[entity.RetryStatus(k)] = n }); err != nil {
		return nil, fmt.Errorf("Stats: by status: %w", err)
	}
	if err := counts(`SELECT service_name, COUNT(*) FROM retry_queue WHERE status = 'pending' GROUP BY service_name`, nil,
		func(k string, n int) { stats.PendingByService[k] = n }); err != nil {
		return nil, fmt.Errorf("Stats: by service: %w", err)
	}
	if err := repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_queue WHERE status = 'pending' AND next_retry_at <= ?`, utc(now),
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
LIMIT ?`
	rows, err := repo.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ListDeadLetters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]*entity.DeadLetterItem, 0, limit)
	for rows.Next() {
		var (
			item     entity.DeadLetterItem
			metadata string
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
		`DELETE FROM dead_letter_queue WHERE url = ? AND service_name = ?`, item.URL, item.ServiceName)
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

	requeued := *item
	requeued.Status = entity.RetryPending
	requeued.LastAttemptAt = nil
	if err = write(ctx, tx, replaceRetry, &requeued); err != nil {
		return false, fmt.Errorf("Requeue: insert: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("Requeue: commit: %w", err)
	}
	return true, nil
}

func (repo *RetryRepo) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE moved_at < ?`, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("PurgeDeadLetters: %w", err)
	}
	return res.RowsAffected()
}

package repository

import (
	"context"
	"time"

	"media-rescue/internal/domain/entity"
)

// RetryRepository persists the retry ledger and its dead-letter table.
// (url, service_name) is unique in the ledger; every method must be safe for
// concurrent use by several workers.
type RetryRepository interface {
	// Upsert inserts item. When the (url, service) row exists it only takes
	// the new error and metadata, the more urgent priority and the later
	// next_retry_at; retry_count, max_retries and created_at are kept. A row
	// in progress is not modified.
	Upsert(ctx context.Context, item *entity.RetryItem) error
	Get(ctx context.Context, url, service string) (*entity.RetryItem, error)
	// ListReady returns pending items due at now ordered by (priority, next_retry_at).
	// An empty service matches every service.
	ListReady(ctx context.Context, service string, now time.Time, limit int) ([]*entity.RetryItem, error)
	// MarkStarted moves a pending item to in_progress. It reports false when
	// the item is missing or not pending.
	MarkStarted(ctx context.Context, url, service string, at time.Time) (bool, error)
	// Reschedule writes back the retry bookkeeping of an in-progress item and
	// returns it to pending.
	Reschedule(ctx context.Context, item *entity.RetryItem) error
	Delete(ctx context.Context, url, service string) (bool, error)
	// MoveToDeadLetter inserts item into the dead-letter table and deletes it
	// from the ledger in one transaction.
	MoveToDeadLetter(ctx context.Context, item *entity.RetryItem, movedAt time.Time) error
	// ListExpired returns items created before cutoff that are not in progress.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*entity.RetryItem, error)
	// ResetStale returns in-progress items whose last attempt is before cutoff
	// to pending.
	ResetStale(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (*entity.QueueStats, error)

	ListDeadLetters(ctx context.Context, limit int) ([]*entity.DeadLetterItem, error)
	// Requeue inserts item into the ledger and removes the matching
	// dead-letter rows in one transaction. It reports false when no
	// dead-letter row matched.
	Requeue(ctx context.Context, item *entity.RetryItem) (bool, error)
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)
}

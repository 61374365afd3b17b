// Package ledger implements the durable retry ledger: failed downloads are
// scheduled with exponential backoff, retried by a worker, and demoted to the
// dead-letter table once their budget or age limit is exhausted.
package ledger

import "errors"

var (
	// ErrNotInProgress is returned by MarkCompleted when the item was not
	// claimed with MarkStarted first.
	ErrNotInProgress = errors.New("retry item is not in progress")
)

package entity

import (
	"fmt"
	"time"
)

// RetryPriority orders ledger items. Lower values are retried first.
type RetryPriority int

const (
	PriorityHigh   RetryPriority = 1
	PriorityMedium RetryPriority = 2
	PriorityLow    RetryPriority = 3
)

// Valid reports whether p is one of the known priority classes.
func (p RetryPriority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// String returns the lowercase priority name.
func (p RetryPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// RetryStatus is the ledger state of a RetryItem.
type RetryStatus string

const (
	RetryPending         RetryStatus = "pending"
	RetryInProgress      RetryStatus = "in_progress"
	RetryCompleted       RetryStatus = "completed"
	RetryFailedPermanent RetryStatus = "failed_permanent"
	RetryDeadLetter      RetryStatus = "dead_letter"
)

// RetryItem is a durable record of a failed download waiting to be retried.
// (URL, ServiceName) is unique across the ledger.
type RetryItem struct {
	URL           string
	ServiceName   string
	ErrorMessage  string
	RetryCount    int
	MaxRetries    int
	Priority      RetryPriority
	CreatedAt     time.Time
	NextRetryAt   time.Time
	LastAttemptAt *time.Time
	Status        RetryStatus
	Metadata      map[string]string
}

// Validate checks the fields required to persist the item.
func (r *RetryItem) Validate() error {
	if r.URL == "" {
		return &ValidationError{Field: "url", Message: "url is required"}
	}
	if r.ServiceName == "" {
		return &ValidationError{Field: "service_name", Message: "service name is required"}
	}
	if !r.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %d", int(r.Priority))}
	}
	if r.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "max retries must not be negative"}
	}
	return nil
}

// Exhausted reports whether the item has used its retry budget.
func (r *RetryItem) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// Age returns how long the item has been in the ledger at now.
func (r *RetryItem) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// DeadLetterItem preserves the history of a RetryItem that exhausted its budget.
type DeadLetterItem struct {
	ID           int64             `json:"id"`
	URL          string            `json:"url"`
	ServiceName  string            `json:"service_name"`
	ErrorMessage string            `json:"error_message"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	MovedAt      time.Time         `json:"moved_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// QueueStats summarizes the ledger.
type QueueStats struct {
	ByStatus         map[RetryStatus]int `json:"by_status"`
	PendingByService map[string]int      `json:"pending_by_service"`
	DeadLetterCount  int                 `json:"dead_letter_count"`
	ReadyCount       int                 `json:"ready_count"`
}

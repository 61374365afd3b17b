package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/repository"
)

const (
	defaultReadyLimit      = 50
	defaultDeadLetterLimit = 100
)

// Config holds the retry schedule.
type Config struct {
	MaxRetries int
	// BaseDelay is the delay after the first failed retry; it doubles with
	// every further failure.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// DeadLetterAge demotes items older than this on their next failure.
	DeadLetterAge time.Duration
	// DeadLetterRetention bounds how long dead-letter rows are kept.
	DeadLetterRetention time.Duration

	HighPriorityDelay   time.Duration
	MediumPriorityDelay time.Duration
	LowPriorityDelay    time.Duration
}

// DefaultConfig returns the production schedule: 60s, 120s, 240s ... capped
// at 24h, five retries, dead letter after seven days.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          5,
		BaseDelay:           60 * time.Second,
		MaxDelay:            24 * time.Hour,
		DeadLetterAge:       7 * 24 * time.Hour,
		DeadLetterRetention: 90 * 24 * time.Hour,
		HighPriorityDelay:   5 * time.Second,
		MediumPriorityDelay: 10 * time.Second,
		LowPriorityDelay:    15 * time.Second,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.DeadLetterAge <= 0 {
		c.DeadLetterAge = d.DeadLetterAge
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = d.DeadLetterRetention
	}
	if c.HighPriorityDelay <= 0 {
		c.HighPriorityDelay = d.HighPriorityDelay
	}
	if c.MediumPriorityDelay <= 0 {
		c.MediumPriorityDelay = d.MediumPriorityDelay
	}
	if c.LowPriorityDelay <= 0 {
		c.LowPriorityDelay = d.LowPriorityDelay
	}
}

func (c Config) initialDelay(p entity.RetryPriority) time.Duration {
	switch p {
	case entity.PriorityHigh:
		return c.HighPriorityDelay
	case entity.PriorityLow:
		return c.LowPriorityDelay
	default:
		return c.MediumPriorityDelay
	}
}

// Disposition is what MarkCompleted did with an item.
type Disposition string

const (
	Completed    Disposition = "completed"
	Rescheduled  Disposition = "rescheduled"
	DeadLettered Disposition = "dead_lettered"
)

// Metrics records ledger activity.
type Metrics interface {
	RecordLedgerOperation(op string, result string)
	RecordQueueDepth(stats *entity.QueueStats)
}

type noopMetrics struct{}

func (noopMetrics) RecordLedgerOperation(string, string) {}
func (noopMetrics) RecordQueueDepth(*entity.QueueStats)  {}

// Service is the retry ledger. It is safe for concurrent use; all state lives
// in the repository.
type Service struct {
	repo    repository.RetryRepository
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
	jitter  func() float64
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithJitter replaces the backoff jitter source. fn must return a factor in
// [0.75, 1.25].
func WithJitter(fn func() float64) Option {
	return func(s *Service) { s.jitter = fn }
}

// NewService creates a ledger over repo.
func NewService(repo repository.RetryRepository, cfg Config, opts ...Option) *Service {
	cfg.ApplyDefaults()
	s := &Service{
		repo:    repo,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  slog.Default(),
		metrics: noopMetrics{},
		jitter:  defaultJitter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective schedule.
func (s *Service) Config() Config { return s.cfg }

func defaultJitter() float64 {
	// #nosec G404 -- backoff jitter does not need cryptographic randomness.
	return 0.75 + rand.Float64()*0.5
}

// Backoff returns the delay scheduled after the retryCount-th failure:
// BaseDelay * 2^(retryCount-1) * jitter, capped at MaxDelay.
func (s *Service) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	exp := math.Pow(2, float64(retryCount-1))
	d := float64(s.cfg.BaseDelay) * exp * s.jitter()
	if d >= float64(s.cfg.MaxDelay) || math.IsInf(d, 0) {
		return s.cfg.MaxDelay
	}
	return time.Duration(d)
}

// AddFailed records a failed download. A repeated failure of an item already
// in the ledger keeps its retry count and age, so a URL offered again on every
// run still reaches dead letter; an item a worker holds in progress is left
// alone. A zero priority means medium; a non-positive maxRetries uses the
// configured budget.
func (s *Service) AddFailed(ctx context.Context, url, service, errMsg string,
	priority entity.RetryPriority, maxRetries int, metadata map[string]string) error {
	if priority == 0 {
		priority = entity.PriorityMedium
	}
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	now := s.clock.Now()
	item := &entity.RetryItem{
		URL:          url,
		ServiceName:  service,
		ErrorMessage: errMsg,
		MaxRetries:   maxRetries,
		Priority:     priority,
		CreatedAt:    now,
		NextRetryAt:  now.Add(s.cfg.initialDelay(priority)),
		Status:       entity.RetryPending,
		Metadata:     metadata,
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("add failed download: %w", err)
	}
	if err := s.repo.Upsert(ctx, item); err != nil {
		s.metrics.RecordLedgerOperation("add", "error")
		return fmt.Errorf("add failed download: %w", err)
	}
	s.metrics.RecordLedgerOperation("add", "ok")
	s.logger.Warn("download queued for retry",
		slog.String("url", url),
		slog.String("service", service),
		slog.String("priority", priority.String()),
		slog.Time("next_retry_at", item.NextRetryAt),
		slog.String("error", errMsg))
	return nil
}

// GetReady returns pending items due now, highest priority first. An empty
// service matches all services.
func (s *Service) GetReady(ctx context.Context, service string, limit int) ([]*entity.RetryItem, error) {
	if limit <= 0 {
		limit = defaultReadyLimit
	}
	items, err := s.repo.ListReady(ctx, service, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("get ready retries: %w", err)
	}
	return items, nil
}

// MarkStarted claims a pending item. It reports false when another worker
// already claimed it or the item is gone.
func (s *Service) MarkStarted(ctx context.Context, url, service string) (bool, error) {
	ok, err := s.repo.MarkStarted(ctx, url, service, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark retry started: %w", err)
	}
	return ok, nil
}

// MarkCompleted finishes a claimed item. Success deletes it. Failure bumps
// the retry count and either reschedules the item or moves it to the dead
// letter table when the budget or the age limit is exhausted.
func (s *Service) MarkCompleted(ctx context.Context, url, service string, success bool, errMsg string) (Disposition, error) {
	if success {
		if _, err := s.repo.Delete(ctx, url, service); err != nil {
			s.metrics.RecordLedgerOperation("complete", "error")
			return "", fmt.Errorf("mark retry completed: %w", err)
		}
		s.metrics.RecordLedgerOperation("complete", "ok")
		s.logger.Info("retry succeeded, removed from ledger",
			slog.String("url", url), slog.String("service", service))
		return Completed, nil
	}

	item, err := s.repo.Get(ctx, url, service)
	if err != nil {
		return "", fmt.Errorf("mark retry completed: %w", err)
	}
	if item == nil {
		return "", fmt.Errorf("mark retry completed: %w", entity.ErrNotFound)
	}
	if item.Status != entity.RetryInProgress {
		return "", fmt.Errorf("mark retry completed: %w", ErrNotInProgress)
	}

	now := s.clock.Now()
	item.RetryCount++
	item.LastAttemptAt = &now
	if errMsg != "" {
		item.ErrorMessage = errMsg
	}

	if item.Exhausted() || item.Age(now) > s.cfg.DeadLetterAge {
		if err := s.repo.MoveToDeadLetter(ctx, item, now); err != nil {
			s.metrics.RecordLedgerOperation("dead_letter", "error")
			return "", fmt.Errorf("mark retry completed: %w", err)
		}
		s.metrics.RecordLedgerOperation("dead_letter", "ok")
		s.logger.Warn("retry budget exhausted, moved to dead letter",
			slog.String("url", url),
			slog.String("service", service),
			slog.Int("retry_count", item.RetryCount),
			slog.Duration("age", item.Age(now)),
			slog.String("error", item.ErrorMessage))
		return DeadLettered, nil
	}

	next := now.Add(s.Backoff(item.RetryCount))
	if next.Before(item.NextRetryAt) {
		next = item.NextRetryAt
	}
	item.NextRetryAt = next
	if err := s.repo.Reschedule(ctx, item); err != nil {
		s.metrics.RecordLedgerOperation("reschedule", "error")
		return "", fmt.Errorf("mark retry completed: %w", err)
	}
	s.metrics.RecordLedgerOperation("reschedule", "ok")
	s.logger.Warn("retry failed, rescheduled",
		slog.String("url", url),
		slog.String("service", service),
		slog.Int("retry_count", item.RetryCount),
		slog.Int("max_retries", item.MaxRetries),
		slog.Time("next_retry_at", item.NextRetryAt),
		slog.String("error", item.ErrorMessage))
	return Rescheduled, nil
}

// Abandon moves an item straight to the dead-letter table without spending
// its remaining budget. It is used when a retry fails in a way no further
// retry can fix, such as the content being deleted at the source.
func (s *Service) Abandon(ctx context.Context, url, service, errMsg string) error {
	item, err := s.repo.Get(ctx, url, service)
	if err != nil {
		return fmt.Errorf("abandon retry: %w", err)
	}
	if item == nil {
		return fmt.Errorf("abandon retry: %w", entity.ErrNotFound)
	}

	now := s.clock.Now()
	item.LastAttemptAt = &now
	if errMsg != "" {
		item.ErrorMessage = errMsg
	}
	if err := s.repo.MoveToDeadLetter(ctx, item, now); err != nil {
		s.metrics.RecordLedgerOperation("abandon", "error")
		return fmt.Errorf("abandon retry: %w", err)
	}
	s.metrics.RecordLedgerOperation("abandon", "ok")
	s.logger.Warn("permanent failure, moved to dead letter",
		slog.String("url", url),
		slog.String("service", service),
		slog.Int("retry_count", item.RetryCount),
		slog.String("error", item.ErrorMessage))
	return nil
}

// Requeue moves a dead-letter item back into the ledger with a fresh budget
// and high priority. It reports false when no dead-letter row matched.
func (s *Service) Requeue(ctx context.Context, url, service string) (bool, error) {
	now := s.clock.Now()
	item := &entity.RetryItem{
		URL:          url,
		ServiceName:  service,
		ErrorMessage: "requeued from dead letter",
		MaxRetries:   s.cfg.MaxRetries,
		Priority:     entity.PriorityHigh,
		CreatedAt:    now,
		NextRetryAt:  now.Add(s.cfg.initialDelay(entity.PriorityHigh)),
		Status:       entity.RetryPending,
	}
	ok, err := s.repo.Requeue(ctx, item)
	if err != nil {
		s.metrics.RecordLedgerOperation("requeue", "error")
		return false, fmt.Errorf("requeue: %w", err)
	}
	if ok {
		s.metrics.RecordLedgerOperation("requeue", "ok")
		s.logger.Info("dead letter item requeued",
			slog.String("url", url), slog.String("service", service))
	}
	return ok, nil
}

// DeadLetters lists dead-letter items, most recently moved first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*entity.DeadLetterItem, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	items, err := s.repo.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return items, nil
}

// ExportDeadLetters writes up to limit dead-letter items to w as JSON lines
// and returns how many were written.
func (s *Service) ExportDeadLetters(ctx context.Context, w io.Writer, limit int) (int, error) {
	items, err := s.DeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return i, fmt.Errorf("export dead letters: %w", err)
		}
	}
	return len(items), nil
}

// CleanupExpired moves items older than maxAge that are not in progress to
// the dead-letter table and purges dead-letter rows past retention. It
// returns the number of items moved and purged.
func (s *Service) CleanupExpired(ctx context.Context, maxAge time.Duration) (moved int, purged int64, err error) {
	now := s.clock.Now()
	items, err := s.repo.ListExpired(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup expired: %w", err)
	}
	days := int(maxAge.Hours() / 24)
	for _, item := range items {
		item.ErrorMessage = fmt.Sprintf("expired after %d days: %s", days, item.ErrorMessage)
		if err := s.repo.MoveToDeadLetter(ctx, item, now); err != nil {
			return moved, 0, fmt.Errorf("cleanup expired: %w", err)
		}
		moved++
	}

	purged, err = s.repo.PurgeDeadLetters(ctx, now.Add(-s.cfg.DeadLetterRetention))
	if err != nil {
		return moved, 0, fmt.Errorf("cleanup expired: purge: %w", err)
	}
	if moved > 0 || purged > 0 {
		s.logger.Info("ledger cleanup completed",
			slog.Int("moved_to_dead_letter", moved),
			slog.Int64("dead_letters_purged", purged))
	}
	s.metrics.RecordLedgerOperation("cleanup", "ok")
	return moved, purged, nil
}

// ResetStale returns items a crashed worker left in progress for longer than
// olderThan to pending.
func (s *Service) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.ResetStale(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale retries: %w", err)
	}
	if n > 0 {
		s.logger.Warn("stale in-progress retries reset", slog.Int64("count", n))
	}
	return n, nil
}

// Stats summarizes the ledger and updates the queue depth gauges.
func (s *Service) Stats(ctx context.Context) (*entity.QueueStats, error) {
	stats, err := s.repo.Stats(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	s.metrics.RecordQueueDepth(stats)
	return stats, nil
}

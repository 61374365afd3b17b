package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/observability/tracing"
	"media-rescue/internal/repository"
	"media-rescue/internal/resilience/retry"
)

// errRecovered stops the parallel cascade once a provider succeeded.
var errRecovered = errors.New("recovered")

// Config controls the cascade and its cache.
type Config struct {
	// Parallel runs applicable providers concurrently and takes the first success.
	Parallel bool
	// Timeout bounds a parallel cascade.
	Timeout time.Duration
	// MaxWorkers bounds concurrent provider calls in parallel mode.
	MaxWorkers int
	// AcquireTimeout bounds the wait for a provider's rate limiter.
	AcquireTimeout time.Duration

	CacheTTL      time.Duration
	MaxEntries    int
	MaxSizeBytes  int64
	SweepInterval time.Duration
	// AttemptRetention bounds how long attempt analytics are kept.
	AttemptRetention time.Duration
}

// DefaultConfig returns sequential mode with a 24h cache of at most 10000
// entries or 100MB.
func DefaultConfig() Config {
	return Config{
		Parallel:         false,
		Timeout:          30 * time.Second,
		MaxWorkers:       4,
		AcquireTimeout:   30 * time.Second,
		CacheTTL:         24 * time.Hour,
		MaxEntries:       10000,
		MaxSizeBytes:     100 * 1024 * 1024,
		SweepInterval:    time.Hour,
		AttemptRetention: 30 * 24 * time.Hour,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = d.MaxSizeBytes
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = d.AttemptRetention
	}
}

// Metrics records cascade activity.
type Metrics interface {
	RecordRecoveryAttempt(provider string, success bool, d time.Duration)
	RecordCacheLookup(provider string, hit bool)
	RecordCacheSweep(expired, evicted int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordRecoveryAttempt(string, bool, time.Duration) {}
func (noopMetrics) RecordCacheLookup(string, bool)                    {}
func (noopMetrics) RecordCacheSweep(int64, int64)                     {}

// Service runs the recovery cascade. It is safe for concurrent use.
type Service struct {
	providers []Provider
	cache     repository.RecoveryCache
	attempts  repository.RecoveryAttemptRepository
	admission Admission
	breakers  Breakers
	cfg       Config

	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
	newID   func() string

	mu       sync.Mutex
	counters counters
}

type counters struct {
	total     int
	cacheHits int
	successes int
	failures  int
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

// NewService creates a cascade over providers, consulted in the given order.
func NewService(
	providers []Provider,
	cache repository.RecoveryCache,
	attempts repository.RecoveryAttemptRepository,
	admission Admission,
	breakers Breakers,
	cfg Config,
	opts ...Option,
) *Service {
	cfg.ApplyDefaults()
	s := &Service{
		providers: providers,
		cache:     cache,
		attempts:  attempts,
		admission: admission,
		breakers:  breakers,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    slog.Default(),
		metrics:   noopMetrics{},
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Providers returns the names of the configured providers in cascade order.
func (s *Service) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// AttemptRecovery looks for a copy of rawURL. failureReason describes why the
// original fetch failed and is kept with every attempt.
//
// Cached answers are consulted first: a positive entry for any applicable
// provider is returned at once, and providers with a fresh negative entry are
// skipped. The result is never an error; a failed cascade is a RecoveryResult
// with Success false.
func (s *Service) AttemptRecovery(ctx context.Context, rawURL, failureReason string) (res entity.RecoveryResult) {
	ctx, span := tracing.StartSpan(ctx, "recovery.AttemptRecovery",
		attribute.String("url", rawURL),
		attribute.String("failure_reason", failureReason),
		attribute.Bool("parallel", s.cfg.Parallel))
	start := s.clock.Now()
	defer func() {
		res.Duration = s.clock.Since(start)
		span.SetAttributes(
			attribute.Bool("success", res.Success),
			attribute.String("provider", res.Provider),
			attribute.Bool("from_cache", res.FromCache))
		tracing.EndSpan(span, nil)
	}()

	s.count(func(c *counters) { c.total++ })

	applicable := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.CanHandle(rawURL) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		s.count(func(c *counters) { c.failures++ })
		return entity.RecoveryResult{ErrorMessage: "no recovery provider handles this URL"}
	}

	urlHash := entity.HashURL(rawURL)
	remaining := make([]Provider, 0, len(applicable))
	for _, p := range applicable {
		entry := s.cached(ctx, urlHash, p.Name())
		if entry == nil {
			remaining = append(remaining, p)
			continue
		}
		if !entry.Negative() {
			s.count(func(c *counters) { c.cacheHits++; c.successes++ })
			s.logger.Info("recovery served from cache",
				slog.String("url", rawURL),
				slog.String("provider", entry.Provider),
				slog.String("recovered_url", entry.Result().RecoveredURL))
			return entry.Result()
		}
	}
	if len(remaining) == 0 {
		s.count(func(c *counters) { c.cacheHits++; c.failures++ })
		return entity.RecoveryResult{
			ErrorMessage: "every provider has a cached negative result",
			FromCache:    true,
		}
	}

	var failures []string
	if s.cfg.Parallel && len(remaining) > 1 {
		res, failures = s.runParallel(ctx, remaining, rawURL, failureReason)
	} else {
		res, failures = s.runSequential(ctx, remaining, rawURL, failureReason)
	}

	if res.Success {
		s.count(func(c *counters) { c.successes++ })
		s.logger.Info("content recovered",
			slog.String("url", rawURL),
			slog.String("provider", res.Provider),
			slog.String("quality", string(res.Quality)),
			slog.String("recovered_url", res.RecoveredURL))
		return res
	}

	s.count(func(c *counters) { c.failures++ })
	s.logger.Warn("recovery failed",
		slog.String("url", rawURL),
		slog.String("failure_reason", failureReason),
		slog.Int("providers", len(remaining)))
	return entity.RecoveryResult{ErrorMessage: "all providers failed: " + strings.Join(failures, "; ")}
}

func (s *Service) runSequential(ctx context.Context, providers []Provider, rawURL, reason string) (entity.RecoveryResult, []string) {
	var failures []string
	for _, p := range providers {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err().Error())
			break
		}
		res := s.try(ctx, p, rawURL, reason)
		if res.Success {
			return res, nil
		}
		failures = append(failures, p.Name()+": "+res.ErrorMessage)
	}
	return entity.RecoveryResult{}, failures
}

// runParallel runs providers on at most MaxWorkers goroutines. The first
// success cancels the rest; results arriving after that are discarded.
func (s *Service) runParallel(ctx context.Context, providers []Provider, rawURL, reason string) (entity.RecoveryResult, []string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	workers := min(s.cfg.MaxWorkers, len(providers))
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu       sync.Mutex
		winner   *entity.RecoveryResult
		failures []string
	)
	for _, p := range providers {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			res := s.try(gctx, p, rawURL, reason)

			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				if winner == nil {
					winner = &res
				}
				return errRecovered
			}
			failures = append(failures, p.Name()+": "+res.ErrorMessage)
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if winner != nil {
		return *winner, nil
	}
	if ctx.Err() != nil {
		failures = append(failures, "cascade timed out after "+s.cfg.Timeout.String())
	}
	return entity.RecoveryResult{}, failures
}

// try calls one provider through its limiter and breaker, records the attempt
// and caches a definitive answer.
func (s *Service) try(ctx context.Context, p Provider, rawURL, reason string) entity.RecoveryResult {
	name := p.Name()
	start := s.clock.Now()

	if !s.admission.Acquire(ctx, name, s.cfg.AcquireTimeout) {
		if ctx.Err() != nil {
			return entity.RecoveryResult{Provider: name, ErrorMessage: "aborted"}
		}
		res := entity.RecoveryResult{Provider: name, ErrorMessage: "rate limit wait exceeded"}
		s.record(ctx, rawURL, reason, res, s.clock.Since(start))
		return res
	}

	var res entity.RecoveryResult
	err := s.breakers.Execute(ctx, name, func(ctx context.Context) error {
		var err error
		res, err = p.Recover(ctx, rawURL)
		return err
	})
	elapsed := s.clock.Since(start)
	s.report(name, err)

	// A loser of the parallel cascade: its outcome says nothing about the URL.
	if err != nil && ctx.Err() != nil {
		return entity.RecoveryResult{Provider: name, ErrorMessage: "aborted"}
	}

	res.Provider = name
	res.Duration = elapsed
	if err != nil {
		res = entity.RecoveryResult{Provider: name, Duration: elapsed, ErrorMessage: err.Error()}
	} else if !res.Success || res.RecoveredURL == "" {
		res.Success = false
		err = fmt.Errorf("%s returned no URL: %w", name, entity.ErrNotRecovered)
		res.ErrorMessage = err.Error()
	}

	s.metrics.RecordRecoveryAttempt(name, res.Success, elapsed)
	s.record(ctx, rawURL, reason, res, elapsed)
	if res.Success || definitiveMiss(err) {
		s.store(ctx, rawURL, res)
	}
	if err != nil {
		s.logger.Debug("recovery provider failed",
			slog.String("provider", name),
			slog.String("url", rawURL),
			slog.Any("error", err))
	}
	return res
}

// definitiveMiss reports whether err is an answer worth caching: the archive
// has no copy, or the content is permanently gone there too.
func definitiveMiss(err error) bool {
	if errors.Is(err, entity.ErrNotRecovered) {
		return true
	}
	code, ok := retry.StatusCode(err)
	return ok && (code == http.StatusNotFound || code == http.StatusGone)
}

func (s *Service) report(service string, err error) {
	switch {
	case err == nil, errors.Is(err, entity.ErrNotRecovered):
		s.admission.ReportResponse(service, http.StatusOK, 0)
	default:
		var httpErr *retry.HTTPError
		if errors.As(err, &httpErr) {
			s.admission.ReportResponse(service, httpErr.StatusCode, httpErr.RetryAfter)
		}
	}
}

func (s *Service) cached(ctx context.Context, urlHash, provider string) *entity.RecoveryCacheEntry {
	entry, err := s.cache.Get(ctx, urlHash, provider, s.clock.Now())
	if err != nil {
		s.logger.Warn("recovery cache lookup failed",
			slog.String("provider", provider),
			slog.Any("error", err))
		s.metrics.RecordCacheLookup(provider, false)
		return nil
	}
	s.metrics.RecordCacheLookup(provider, entry != nil)
	return entry
}

func (s *Service) store(ctx context.Context, rawURL string, res entity.RecoveryResult) {
	now := s.clock.Now()
	entry := &entity.RecoveryCacheEntry{
		URLHash:        entity.HashURL(rawURL),
		URL:            rawURL,
		Provider:       res.Provider,
		Quality:        res.Quality,
		CachedAt:       now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.cfg.CacheTTL),
		Metadata:       res.Metadata,
	}
	if res.Success {
		recovered := res.RecoveredURL
		entry.RecoveredURL = &recovered
	}
	entry.SizeBytes = entry.EstimatedSize()

	if err := s.cache.Put(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("recovery cache write failed",
			slog.String("provider", res.Provider),
			slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, rawURL, reason string, res entity.RecoveryResult, d time.Duration) {
	attempt := &entity.RecoveryAttempt{
		ID:            s.newID(),
		URL:           rawURL,
		URLHash:       entity.HashURL(rawURL),
		Provider:      res.Provider,
		Success:       res.Success,
		RecoveredURL:  res.RecoveredURL,
		Quality:       res.Quality,
		ErrorMessage:  res.ErrorMessage,
		FailureReason: reason,
		Duration:      d,
		AttemptedAt:   s.clock.Now(),
	}
	if err := s.attempts.Record(context.WithoutCancel(ctx), attempt); err != nil {
		s.logger.Warn("failed to record recovery attempt",
			slog.String("provider", res.Provider),
			slog.Any("error", err))
	}
}

func (s *Service) count(fn func(*counters)) {
	s.mu.Lock()
	fn(&s.counters)
	s.mu.Unlock()
}

// Stats returns cascade counters of this process together with per-provider
// analytics recorded since the given time.
func (s *Service) Stats(ctx context.Context, since time.Time) (*entity.RecoveryStats, error) {
	providers, err := s.attempts.ProviderStats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("Stats: ProviderStats: %w", err)
	}
	s.mu.Lock()
	c := s.counters
	s.mu.Unlock()
	return &entity.RecoveryStats{
		TotalAttempts: c.total,
		CacheHits:     c.cacheHits,
		Successes:     c.successes,
		Failures:      c.failures,
		Providers:     providers,
	}, nil
}

// CacheStats summarizes the result cache.
func (s *Service) CacheStats(ctx context.Context) (*entity.CacheStats, error) {
	stats, err := s.cache.Stats(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("CacheStats: %w", err)
	}
	return stats, nil
}

// Sweep deletes expired cache entries, then evicts the least recently
// accessed entries while the cache is over MaxEntries or MaxSizeBytes.
// Attempt analytics older than AttemptRetention are purged as well.
func (s *Service) Sweep(ctx context.Context) (expired, evicted int64, err error) {
	now := s.clock.Now()
	expired, err = s.cache.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("Sweep: DeleteExpired: %w", err)
	}
	evicted, err = s.cache.EvictLRU(ctx, s.cfg.MaxEntries, s.cfg.MaxSizeBytes)
	if err != nil {
		return expired, 0, fmt.Errorf("Sweep: EvictLRU: %w", err)
	}
	purged, err := s.attempts.Purge(ctx, now.Add(-s.cfg.AttemptRetention))
	if err != nil {
		return expired, evicted, fmt.Errorf("Sweep: Purge attempts: %w", err)
	}

	s.metrics.RecordCacheSweep(expired, evicted)
	if expired > 0 || evicted > 0 || purged > 0 {
		s.logger.Info("recovery cache swept",
			slog.Int64("expired", expired),
			slog.Int64("evicted", evicted),
			slog.Int64("attempts_purged", purged))
	}
	return expired, evicted, nil
}

package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// maxSleepSlice bounds a single wait so Acquire notices its deadline quickly.
	maxSleepSlice = time.Second
	// minSleepSlice avoids spinning when the computed wait rounds to zero.
	minSleepSlice = 10 * time.Millisecond
	// jitterFraction spreads concurrent waiters by ±25%.
	jitterFraction = 0.25
)

// Metrics records admission decisions.
type Metrics interface {
	RecordDecision(service string, allowed bool)
	RecordBackoff(service string, statusCode int, backoff time.Duration)
	RecordWait(service string, waited time.Duration, acquired bool)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordDecision(string, bool) {}
func (NoopMetrics) RecordBackoff(string, int, time.Duration) {}
func (NoopMetrics) RecordWait(string, time.Duration, bool) {}

// Manager owns one limiter per service. The map lock is held only to look up
// or register a limiter; admission decisions lock the individual limiter, so
// unrelated services never contend.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*limiter

	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger used for admission events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Metrics) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates an empty Manager. Services must be registered before
// they are limited; unknown services are always admitted.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		limiters: make(map[string]*limiter),
		clock:    clock.New(),
		logger:   slog.Default(),
		metrics:  NoopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDefaultManager creates a Manager with the built-in service budgets.
func NewDefaultManager(opts ...Option) *Manager {
	m := NewManager(opts...)
	for name, cfg := range DefaultServiceConfigs() {
		m.Register(name, cfg)
	}
	return m
}

// Register installs or replaces the budget of service. Replacing a budget
// discards the service's accumulated state.
func (m *Manager) Register(service string, cfg Config) {
	cfg.ApplyDefaults()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = cfg.Burst
	}
	m.mu.Lock()
	m.limiters[service] = newLimiter(cfg)
	m.mu.Unlock()

	m.logger.Debug("rate limiter registered",
		slog.String("service", service),
		slog.Int("requests_per_window", cfg.RequestsPerWindow),
		slog.Duration("window", cfg.Window),
		slog.Int("burst", cfg.Burst))
}

// Registered reports whether service has a budget.
func (m *Manager) Registered(service string) bool {
	return m.get(service) != nil
}

func (m *Manager) get(service string) *limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[service]
}

// CanProceed reports whether a request to service would be admitted now.
// It does not consume any budget.
func (m *Manager) CanProceed(service string) bool {
	l := m.get(service)
	if l == nil {
		return true
	}
	return l.canProceed(m.clock.Now())
}

// TryAcquire admits a request without waiting. It consumes budget on success.
func (m *Manager) TryAcquire(service string) bool {
	l := m.get(service)
	if l == nil {
		m.logger.Debug("rate limiter not registered, allowing request", slog.String("service", service))
		return true
	}
	ok, _ := l.tryGrant(m.clock.Now())
	m.metrics.RecordDecision(service, ok)
	return ok
}

// Acquire waits until a request to service is admitted, timeout elapses or
// ctx is done. Waits are jittered and sliced so that the deadline is honored
// within one slice. A non-positive timeout makes a single attempt.
func (m *Manager) Acquire(ctx context.Context, service string, timeout time.Duration) bool {
	l := m.get(service)
	if l == nil {
		m.logger.Debug("rate limiter not registered, allowing request", slog.String("service", service))
		return true
	}

	start := m.clock.Now()
	deadline := start.Add(timeout)
	for {
		now := m.clock.Now()
		ok, wait := l.tryGrant(now)
		if ok {
			m.metrics.RecordDecision(service, true)
			m.metrics.RecordWait(service, now.Sub(start), true)
			return true
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			m.metrics.RecordDecision(service, false)
			m.metrics.RecordWait(service, now.Sub(start), false)
			m.logger.Warn("rate limit acquire timed out",
				slog.String("service", service),
				slog.Duration("timeout", timeout))
			return false
		}

		sleep := jitter(wait)
		if sleep > maxSleepSlice {
			sleep = maxSleepSlice
		}
		if sleep < minSleepSlice {
			sleep = minSleepSlice
		}
		if sleep > remaining {
			sleep = remaining
		}

		timer := m.clock.Timer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.metrics.RecordDecision(service, false)
			m.metrics.RecordWait(service, m.clock.Now().Sub(start), false)
			return false
		case <-timer.C:
		}
	}
}

// ReportResponse feeds a response status back into the service's backoff.
// retryAfter is the server supplied delay for a 429, zero when absent.
func (m *Manager) ReportResponse(service string, statusCode int, retryAfter time.Duration) {
	l := m.get(service)
	if l == nil {
		return
	}
	backoff := l.report(m.clock.Now(), statusCode, retryAfter)
	if backoff <= 0 {
		return
	}
	m.metrics.RecordBackoff(service, statusCode, backoff)
	m.logger.Warn("backing off service",
		slog.String("service", service),
		slog.Int("status", statusCode),
		slog.Duration("backoff", backoff))
}

// Stats returns the admission state of service. ok is false for an
// unregistered service.
func (m *Manager) Stats(service string) (Stats, bool) {
	l := m.get(service)
	if l == nil {
		return Stats{}, false
	}
	return l.stats(m.clock.Now()), true
}

// Services lists the registered service names.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.limiters))
	for name := range m.limiters {
		names = append(names, name)
	}
	return names
}

// jitter spreads d by ±jitterFraction.
func jitter(d time.Duration) time.Duration {
	// #nosec G404 -- jitter does not need cryptographic randomness.
	f := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * f)
}

package ratelimit

import (
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter holds the admission state of a single service.
// Every field is guarded by mu.
type limiter struct {
	mu  sync.Mutex
	cfg Config

	bucket *rate.Limiter
	// window holds grant timestamps inside the current sliding window, oldest first.
	window []time.Time

	consecutiveFailures int
	backoffUntil        time.Time
}

func newLimiter(cfg Config) *limiter {
	perSecond := float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()
	return &limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(perSecond), cfg.Burst),
		window: make([]time.Time, 0, cfg.RequestsPerWindow),
	}
}

// prune drops window entries that fell out of the window at now.
func (l *limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// waitLocked returns how long the caller must wait before a grant is possible.
// Zero means a grant is possible at now.
func (l *limiter) waitLocked(now time.Time) time.Duration {
	l.prune(now)

	var wait time.Duration
	if now.Before(l.backoffUntil) {
		wait = l.backoffUntil.Sub(now)
	}

	if len(l.window) >= l.cfg.RequestsPerWindow {
		reset := l.window[0].Add(l.cfg.Window).Sub(now)
		if reset > wait {
			wait = reset
		}
	}

	if tokens := l.bucket.TokensAt(now); tokens < 1 {
		deficit := time.Duration((1 - tokens) / float64(l.bucket.Limit()) * float64(time.Second))
		if deficit > wait {
			wait = deficit
		}
	}
	return wait
}

// tryGrant consumes a token and records the grant when possible.
// It returns the remaining wait otherwise.
func (l *limiter) tryGrant(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.waitLocked(now); wait > 0 {
		return false, wait
	}
	if !l.bucket.AllowN(now, 1) {
		// Rounding in TokensAt can disagree with AllowN by a hair.
		return false, time.Millisecond * 10
	}
	l.window = append(l.window, now)
	return true, 0
}

func (l *limiter) canProceed(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(now) == 0
}

// report updates the adaptive backoff from a response status code.
// It returns the backoff applied, zero when none.
func (l *limiter) report(now time.Time, status int, retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case status == http.StatusTooManyRequests:
		l.consecutiveFailures++
		backoff := retryAfter
		if backoff <= 0 {
			factor := math.Pow(l.cfg.BackoffMultiplier, float64(l.consecutiveFailures))
			backoff = time.Duration(float64(l.cfg.RetryAfter) * factor)
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
		}
		l.extendBackoff(now.Add(backoff))
		return backoff

	case status >= 200 && status < 300:
		l.consecutiveFailures = 0
		l.backoffUntil = time.Time{}
		return 0

	case status >= 500 && status < 600:
		l.consecutiveFailures++
		factor := math.Pow(l.cfg.BackoffMultiplier, float64(l.consecutiveFailures))
		backoff := time.Duration(float64(serverErrorBaseBackoff) * factor)
		if backoff > serverErrorMaxBackoff {
			backoff = serverErrorMaxBackoff
		}
		l.extendBackoff(now.Add(backoff))
		return backoff
	}
	return 0
}

// extendBackoff never shortens an active backoff.
func (l *limiter) extendBackoff(until time.Time) {
	if until.After(l.backoffUntil) {
		l.backoffUntil = until
	}
}

func (l *limiter) stats(now time.Time) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)

	s := Stats{
		Tokens:              l.bucket.TokensAt(now),
		WindowCount:         len(l.window),
		RequestsPerWindow:   l.cfg.RequestsPerWindow,
		Burst:               l.cfg.Burst,
		ConsecutiveFailures: l.consecutiveFailures,
	}
	if now.Before(l.backoffUntil) {
		s.BackoffRemaining = l.backoffUntil.Sub(now)
	}
	return s
}

// Stats is a point-in-time view of one service's admission state.
type Stats struct {
	Tokens              float64
	WindowCount         int
	RequestsPerWindow   int
	Burst               int
	ConsecutiveFailures int
	BackoffRemaining    time.Duration
}

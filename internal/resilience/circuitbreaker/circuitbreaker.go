// Package circuitbreaker provides per-service circuit breakers for outbound calls.
// It uses the github.com/sony/gobreaker library to keep one failing host from
// consuming the budget of every caller.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrServiceUnavailable is returned without invoking the operation while
	// the breaker is open, or while a half-open breaker already has its quota
	// of trial calls in flight.
	ErrServiceUnavailable = errors.New("service unavailable: circuit open")

	// ErrOperationTimeout is returned when an operation overran its
	// OperationTimeout. It counts as a failure.
	ErrOperationTimeout = errors.New("operation timed out")
)

// Config holds the configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial call
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// SuccessThreshold is the number of consecutive half-open successes that close the circuit
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// OperationTimeout bounds every call made through the breaker
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// DefaultConfig returns a default configuration for circuit breakers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		OperationTimeout: 30 * time.Second,
	}
}

// VideoHostConfig returns configuration for video CDNs.
// Large transfers need a longer operation timeout.
func VideoHostConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  120 * time.Second,
		SuccessThreshold: 2,
		OperationTimeout: 5 * time.Minute,
	}
}

// ArchiveProviderConfig returns configuration for recovery providers.
// Archives are slow and flaky, so they trip earlier and rest longer.
func ArchiveProviderConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Minute,
		SuccessThreshold: 1,
		OperationTimeout: 30 * time.Second,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with an operation deadline.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
	cfg     Config
}

// New creates a new circuit breaker named name.
//
// isFailure decides which errors count against the breaker; nil counts every
// non-nil error. onChange, when set, is called on every state transition.
func New(name string, cfg Config, isFailure func(error) bool, onChange func(name string, from, to gobreaker.State)) *CircuitBreaker {
	cfg.ApplyDefaults()
	if isFailure == nil {
		isFailure = DefaultIsFailure
	}

	settings := gobreaker.Settings{
		Name: name,
		// In half-open state gobreaker admits MaxRequests trial calls and
		// closes after MaxRequests consecutive successes.
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !isFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}

	return &CircuitBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    name,
		cfg:     cfg,
	}
}

// DefaultIsFailure counts every error except a cancellation by the caller.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Execute runs op through the circuit breaker under OperationTimeout.
// While the circuit is open it returns ErrServiceUnavailable immediately
// without calling op. An op that outlives its deadline fails with
// ErrOperationTimeout even if it eventually returns nil.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, cb.cfg.OperationTimeout)
		defer cancel()

		err := op(opCtx)
		if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s after %s: %w", cb.name, cb.cfg.OperationTimeout, ErrOperationTimeout)
			}
		}
		return nil, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", cb.name, ErrServiceUnavailable)
	}
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current counters of the circuit breaker.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.cfg
}

// IsOpen returns true if the circuit breaker is in the open state.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}

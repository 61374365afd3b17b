// Package worker provides the long-running side of media-rescue: cron
// scheduling of ledger and cache maintenance, and the HTTP endpoint serving
// health probes and Prometheus metrics.
package worker

import (
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"media-rescue/internal/pkg/config"
)

// WorkerConfig holds the worker settings read from the environment.
//
// Loading is fail-open: an invalid value is replaced by its default, logged
// and counted, so a typo in one variable never keeps the worker down.
type WorkerConfig struct {
	// RetrySchedule drives ProcessPendingRetries. Env: RETRY_CRON.
	RetrySchedule string
	// CleanupSchedule drives dead-letter promotion and purging. Env: SWEEP_CRON.
	CleanupSchedule string
	// StaleResetSchedule drives the reset of abandoned in-progress items.
	// Env: STALE_RESET_CRON.
	StaleResetSchedule string
	// StaleAfter is how long an item may stay in progress. Env: STALE_AFTER.
	StaleAfter time.Duration
	// Timezone used to interpret the schedules. Env: WORKER_TIMEZONE.
	Timezone string
	// RetryTimeout bounds one retry pass. Env: RETRY_TIMEOUT.
	RetryTimeout time.Duration
	// RetryBatch caps the items claimed per pass. Env: RETRY_BATCH.
	RetryBatch int
	// MetricsPort serves /metrics and /health. Env: METRICS_PORT.
	MetricsPort int
}

// DefaultConfig retries every five minutes, cleans up hourly and resets
// stale items every fifteen minutes.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		RetrySchedule:      "*/5 * * * *",
		CleanupSchedule:    "@hourly",
		StaleResetSchedule: "*/15 * * * *",
		StaleAfter:         30 * time.Minute,
		Timezone:           "UTC",
		RetryTimeout:       30 * time.Minute,
		RetryBatch:         50,
		MetricsPort:        9091,
	}
}

// Validate reports every invalid field.
func (c *WorkerConfig) Validate() error {
	var err error
	if e := config.ValidateCronSchedule(c.RetrySchedule); e != nil {
		err = multierr.Append(err, fmt.Errorf("retry schedule: %w", e))
	}
	if e := config.ValidateCronSchedule(c.CleanupSchedule); e != nil {
		err = multierr.Append(err, fmt.Errorf("cleanup schedule: %w", e))
	}
	if e := config.ValidateCronSchedule(c.StaleResetSchedule); e != nil {
		err = multierr.Append(err, fmt.Errorf("stale reset schedule: %w", e))
	}
	if e := config.ValidatePositiveDuration(c.StaleAfter); e != nil {
		err = multierr.Append(err, fmt.Errorf("stale after: %w", e))
	}
	if e := config.ValidateTimezone(c.Timezone); e != nil {
		err = multierr.Append(err, fmt.Errorf("timezone: %w", e))
	}
	if e := config.ValidatePositiveDuration(c.RetryTimeout); e != nil {
		err = multierr.Append(err, fmt.Errorf("retry timeout: %w", e))
	}
	if e := config.ValidateIntRange(c.RetryBatch, 1, 1000); e != nil {
		err = multierr.Append(err, fmt.Errorf("retry batch: %w", e))
	}
	if e := config.ValidatePort(c.MetricsPort); e != nil {
		err = multierr.Append(err, fmt.Errorf("metrics port: %w", e))
	}
	return err
}

// LoadConfigFromEnv loads the worker configuration. It never fails: each
// invalid variable falls back to its default with a warning and a
// worker_config_fallbacks_total increment.
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) *WorkerConfig {
	cfg := DefaultConfig()
	fallback := false

	apply := func(field string, applied bool, warning string) {
		if !applied {
			return
		}
		fallback = true
		metrics.RecordFallback(field)
		logger.Warn("configuration fallback applied",
			slog.String("field", field),
			slog.String("warning", warning))
	}

	cron := func(envKey string, target *string) {
		r := config.LoadEnvWithFallback(envKey, *target, config.ValidateCronSchedule)
		*target = r.Value
		apply(envKey, r.FallbackApplied, r.Warning)
	}
	cron("RETRY_CRON", &cfg.RetrySchedule)
	cron("SWEEP_CRON", &cfg.CleanupSchedule)
	cron("STALE_RESET_CRON", &cfg.StaleResetSchedule)

	tz := config.LoadEnvWithFallback("WORKER_TIMEZONE", cfg.Timezone, config.ValidateTimezone)
	cfg.Timezone = tz.Value
	apply("WORKER_TIMEZONE", tz.FallbackApplied, tz.Warning)

	stale := config.LoadEnvDuration("STALE_AFTER", cfg.StaleAfter, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Minute, 24*time.Hour)
	})
	cfg.StaleAfter = stale.Value
	apply("STALE_AFTER", stale.FallbackApplied, stale.Warning)

	timeout := config.LoadEnvDuration("RETRY_TIMEOUT", cfg.RetryTimeout, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Minute, 4*time.Hour)
	})
	cfg.RetryTimeout = timeout.Value
	apply("RETRY_TIMEOUT", timeout.FallbackApplied, timeout.Warning)

	batch := config.LoadEnvInt("RETRY_BATCH", cfg.RetryBatch, func(v int) error {
		return config.ValidateIntRange(v, 1, 1000)
	})
	cfg.RetryBatch = batch.Value
	apply("RETRY_BATCH", batch.FallbackApplied, batch.Warning)

	port := config.LoadEnvInt("METRICS_PORT", cfg.MetricsPort, config.ValidatePort)
	cfg.MetricsPort = port.Value
	apply("METRICS_PORT", port.FallbackApplied, port.Warning)

	metrics.RecordLoad(fallback)
	return &cfg
}

// Command worker runs the scheduled side of media-rescue: retrying ledger
// items when they come due, dead-lettering and purging old items, resetting
// items abandoned in progress, and sweeping the recovery cache. It serves
// health probes and Prometheus metrics on METRICS_PORT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"media-rescue/internal/app"
	"media-rescue/internal/config"
	"media-rescue/internal/infra/worker"
	"media-rescue/internal/observability/logging"
	"media-rescue/internal/observability/slo"
	"media-rescue/internal/usecase/recovery"
)

const (
	shutdownTimeout = 30 * time.Second
	sloWindow       = 24 * time.Hour
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", slog.Any("error", err))
	}
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	workerMetrics := worker.NewWorkerMetrics(nil)
	wcfg := worker.LoadConfigFromEnv(logger, workerMetrics)
	logger.Info("worker configuration loaded",
		slog.String("retry_schedule", wcfg.RetrySchedule),
		slog.String("cleanup_schedule", wcfg.CleanupSchedule),
		slog.String("stale_reset_schedule", wcfg.StaleResetSchedule),
		slog.String("timezone", wcfg.Timezone),
		slog.Int("retry_batch", wcfg.RetryBatch),
		slog.Int("metrics_port", wcfg.MetricsPort),
		slog.String("download_dir", cfg.Download.Dir))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close resources", slog.Any("error", err))
		}
	}()

	health := worker.NewHealthServer(fmt.Sprintf(":%d", wcfg.MetricsPort), logger, a.Breakers, a.Ledger)
	go func() {
		if err := health.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", slog.Any("error", err))
		}
	}()

	loc, err := time.LoadLocation(wcfg.Timezone)
	if err != nil {
		logger.Error("invalid timezone, using UTC", slog.String("timezone", wcfg.Timezone), slog.Any("error", err))
		loc = time.UTC
	}
	sched := worker.NewScheduler(ctx, loc, logger, workerMetrics)
	if err := scheduleJobs(sched, a, wcfg); err != nil {
		return err
	}
	sched.Start()

	maintainerDone := make(chan struct{})
	go func() {
		defer close(maintainerDone)
		_ = recovery.NewMaintainer(a.Recovery).Run(ctx)
	}()

	health.SetReady(true)
	logger.Info("worker started")

	<-ctx.Done()
	health.SetReady(false)
	logger.Info("shutdown signal received, waiting for running jobs")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("jobs still running at shutdown", slog.Any("error", err))
	}
	<-maintainerDone
	logger.Info("worker stopped")
	return nil
}

func scheduleJobs(sched *worker.Scheduler, a *app.App, wcfg *worker.WorkerConfig) error {
	deadLetterAge := a.Config.LedgerConfig().DeadLetterAge

	jobs := []struct {
		name     string
		schedule string
		timeout  time.Duration
		job      worker.Job
	}{
		{"retry", wcfg.RetrySchedule, wcfg.RetryTimeout, retryJob(a, wcfg.RetryBatch)},
		{"cleanup", wcfg.CleanupSchedule, 10 * time.Minute, cleanupJob(a, deadLetterAge)},
		{"stale_reset", wcfg.StaleResetSchedule, time.Minute, staleResetJob(a, wcfg.StaleAfter)},
		{"stats", "@every 1m", 30 * time.Second, statsJob(a)},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.schedule, j.timeout, j.job); err != nil {
			return err
		}
	}
	return nil
}

// retryJob drains due ledger items through a fresh coordinator so session
// refusals never leak between passes.
func retryJob(a *app.App, batch int) worker.Job {
	return func(ctx context.Context) error {
		stats, err := a.NewCoordinator().ProcessPendingRetries(ctx, a.Config.Download.Dir, batch)
		if err != nil {
			return err
		}
		if stats.Processed > 0 || stats.Skipped > 0 {
			logging.FromContext(ctx).Info("retry pass completed",
				slog.Int("processed", stats.Processed),
				slog.Int("successful", stats.Successful),
				slog.Int("failed", stats.Failed),
				slog.Int("skipped", stats.Skipped))
		}
		return nil
	}
}

func cleanupJob(a *app.App, maxAge time.Duration) worker.Job {
	return func(ctx context.Context) error {
		_, _, err := a.Ledger.CleanupExpired(ctx, maxAge)
		return err
	}
}

func staleResetJob(a *app.App, olderThan time.Duration) worker.Job {
	return func(ctx context.Context) error {
		_, err := a.Ledger.ResetStale(ctx, olderThan)
		return err
	}
}

// statsJob refreshes the pool, queue depth and objective gauges.
func statsJob(a *app.App) worker.Job {
	return func(ctx context.Context) error {
		a.RecordPoolStats()
		queue, err := a.Ledger.Stats(ctx)
		if err != nil {
			return err
		}
		rec, err := a.Recovery.Stats(ctx, time.Now().Add(-sloWindow))
		if err != nil {
			return err
		}
		ratios := slo.Compute(rec, queue)
		slo.Update(ratios)
		if !ratios.Met() {
			logging.FromContext(ctx).Warn("service objectives not met",
				slog.Float64("recovery_success", ratios.RecoverySuccess),
				slog.Float64("cache_hit", ratios.CacheHit),
				slog.Float64("dead_letter", ratios.DeadLetter))
		}
		return nil
	}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"media-rescue/internal/observability/logging"
)

// Job is one unit of scheduled work. The context carries the run deadline
// and a run-scoped logger.
type Job func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules. A run still in progress when
// its next tick arrives is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *WorkerMetrics
	base    context.Context
}

// NewScheduler creates a scheduler interpreting schedules in loc. Job
// contexts derive from base, so cancelling base aborts running jobs.
func NewScheduler(base context.Context, loc *time.Location, logger *slog.Logger, metrics *WorkerMetrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		logger:  logger,
		metrics: metrics,
		base:    base,
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return s
}

// Add registers job under name. Each run is bounded by timeout.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, job Job) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.Run(name, timeout, job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("schedule", schedule))
	return nil
}

// Run executes job once, outside the schedule, with the same logging and
// metrics as a scheduled run.
func (s *Scheduler) Run(name string, timeout time.Duration, job Job) {
	ctx, cancel := context.WithTimeout(s.base, timeout)
	defer cancel()

	ctx = logging.ContextWithRunID(ctx, uuid.NewString())
	logger := logging.WithRunID(ctx, s.logger.With(slog.String("job", name)))
	ctx = logging.WithLogger(ctx, logger)

	start := time.Now()
	s.metrics.RecordJobRun(name, "started")
	logger.Debug("job started")

	err := job(ctx)
	elapsed := time.Since(start)
	s.metrics.RecordJobDuration(name, elapsed)
	if err != nil {
		s.metrics.RecordJobRun(name, "failure")
		logger.Error("job failed", slog.Any("error", err), slog.Duration("duration", elapsed))
		return
	}
	s.metrics.RecordJobRun(name, "success")
	s.metrics.RecordLastSuccess(name)
	logger.Debug("job completed", slog.Duration("duration", elapsed))
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

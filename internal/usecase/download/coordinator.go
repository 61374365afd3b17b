package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/fetcher"
	"media-rescue/internal/infra/media"
	"media-rescue/internal/observability/tracing"
	"media-rescue/internal/resilience/retry"
)

// Config controls the coordinator.
type Config struct {
	// TransientThreshold is how many transient failures of one URL a run
	// tolerates before refusing it.
	TransientThreshold int
	// AcquireTimeout bounds the wait for a service's rate limiter.
	AcquireTimeout time.Duration
	// DisableRecovery skips the recovery cascade on terminal failures.
	DisableRecovery bool
	// RetryBatchSize caps one ProcessPendingRetries pass when no limit is given.
	RetryBatchSize int
}

// DefaultConfig returns a threshold of two transient failures and a 90s
// limiter wait.
func DefaultConfig() Config {
	return Config{
		TransientThreshold: 2,
		AcquireTimeout:     90 * time.Second,
		RetryBatchSize:     50,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.TransientThreshold <= 0 {
		c.TransientThreshold = d.TransientThreshold
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = d.RetryBatchSize
	}
}

// Coordinator downloads URLs through admission, breakers, recovery and the
// retry ledger. It is safe for concurrent use; one Coordinator is one run.
type Coordinator struct {
	checker    URLChecker
	dispatcher Dispatcher
	admission  Admission
	breakers   Breakers
	recoverer  Recoverer
	ledger     Ledger
	cfg        Config

	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
	session *session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// NewCoordinator wires a coordinator. recoverer may be nil, which disables
// the recovery cascade.
func NewCoordinator(
	checker URLChecker,
	dispatcher Dispatcher,
	admission Admission,
	breakers Breakers,
	recoverer Recoverer,
	ledger Ledger,
	cfg Config,
	opts ...Option,
) *Coordinator {
	cfg.ApplyDefaults()
	c := &Coordinator{
		checker:    checker,
		dispatcher: dispatcher,
		admission:  admission,
		breakers:   breakers,
		recoverer:  recoverer,
		ledger:     ledger,
		cfg:        cfg,
		clock:      clock.New(),
		logger:     slog.Default(),
		metrics:    noopMetrics{},
		session:    newSession(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the session counters.
func (c *Coordinator) Stats() Stats { return c.session.snapshot() }

// Download fetches rawURL into destDir. A URL already downloaded in this run
// is answered from session state; a URL that failed permanently, or
// transiently TransientThreshold times, is refused without a network call.
// Terminal failures other than invalid, rejected or removed content are
// written to the retry ledger.
func (c *Coordinator) Download(ctx context.Context, rawURL, destDir string) (out entity.DownloadOutcome) {
	ctx, span := tracing.StartSpan(ctx, "download.Download", attribute.String("url", rawURL))
	defer func() {
		span.SetAttributes(
			attribute.String("status", string(out.Status)),
			attribute.String("service", out.Service),
			attribute.Bool("cached", out.Cached),
			attribute.String("recovered_from", out.RecoveredFrom))
		tracing.EndSpan(span, nil)
	}()

	out = c.download(ctx, rawURL, destDir)
	if out.Failure != entity.FailureNone && !out.Failure.IsPermanent() && !out.Cached && out.Service != "" {
		c.enqueue(ctx, rawURL, out)
	}
	return out
}

// download runs one attempt without touching the ledger.
func (c *Coordinator) download(ctx context.Context, rawURL, destDir string) entity.DownloadOutcome {
	c.session.count(func(s *Stats) { s.Requests++ })
	unlock := c.session.lock(rawURL)
	defer unlock()

	if path, ok := c.session.localPath(rawURL); ok {
		if _, err := os.Stat(path); err == nil {
			c.session.count(func(s *Stats) { s.Deduplicated++ })
			return entity.DownloadOutcome{Status: entity.DownloadSuccess, LocalPath: path, Cached: true}
		}
		c.session.forget(rawURL)
	}

	if kind, refused := c.session.refusal(rawURL, c.cfg.TransientThreshold); refused {
		c.session.count(func(s *Stats) { s.Refused++ })
		c.logger.Debug("download refused for this run",
			slog.String("url", rawURL),
			slog.String("failure_kind", string(kind)))
		return entity.DownloadOutcome{
			Status:       statusFor(kind),
			Failure:      kind,
			ErrorMessage: "previously failed in this run: " + string(kind),
			Cached:       true,
		}
	}

	start := c.clock.Now()
	res, service, err := c.fetch(ctx, rawURL, destDir)
	if err == nil {
		c.session.succeeded(rawURL, res.LocalPath, res.Bytes, false)
		c.metrics.RecordDownload(service, entity.DownloadSuccess, entity.FailureNone, res.Bytes, c.clock.Since(start))
		c.logger.Info("download completed",
			slog.String("url", rawURL),
			slog.String("service", service),
			slog.String("path", res.LocalPath),
			slog.Int64("bytes", res.Bytes),
			slog.String("sha256", res.SHA256))
		return entity.DownloadOutcome{
			Status:           entity.DownloadSuccess,
			LocalPath:        res.LocalPath,
			BytesTransferred: res.Bytes,
			Service:          service,
		}
	}

	kind := Classify(err)
	errMsg := err.Error()
	if kind != entity.FailureInvalidURL && kind != entity.FailureSecurityRejected {
		if out, ok := c.recover(ctx, rawURL, destDir, service, err); ok {
			c.session.succeeded(rawURL, out.LocalPath, out.BytesTransferred, true)
			c.metrics.RecordDownload(out.Service, entity.DownloadSuccess, entity.FailureNone,
				out.BytesTransferred, c.clock.Since(start))
			return out
		} else if out.ErrorMessage != "" {
			errMsg += "; " + out.ErrorMessage
		}
	}

	status := statusFor(kind)
	c.metrics.RecordDownload(service, status, kind, 0, c.clock.Since(start))
	if c.session.failed(rawURL, kind) {
		c.logger.Warn("download failed permanently",
			slog.String("url", rawURL),
			slog.String("service", service),
			slog.String("failure_kind", string(kind)),
			slog.String("error", errMsg))
	} else if !kind.IsPermanent() {
		c.logger.Warn("download failed",
			slog.String("url", rawURL),
			slog.String("service", service),
			slog.String("failure_kind", string(kind)),
			slog.String("error", errMsg))
	}
	return entity.DownloadOutcome{
		Status:       status,
		ErrorMessage: errMsg,
		Service:      service,
		Failure:      kind,
	}
}

// fetch normalizes, checks and downloads one URL through its service's
// limiter and breaker. service is empty when the URL never got that far.
func (c *Coordinator) fetch(ctx context.Context, rawURL, destDir string) (media.FetchResult, string, error) {
	norm := fetcher.Normalize(rawURL)
	if norm.Transformed {
		c.logger.Debug("url normalized",
			slog.String("url", rawURL),
			slog.String("direct_url", norm.URL),
			slog.String("platform", norm.Platform))
	}

	u, err := c.checker.Check(ctx, norm.URL)
	if err != nil {
		return media.FetchResult{}, "", err
	}
	h := c.dispatcher.Select(u)
	service := h.Service()

	if !c.admission.Acquire(ctx, service, c.cfg.AcquireTimeout) {
		if err := ctx.Err(); err != nil {
			return media.FetchResult{}, service, err
		}
		return media.FetchResult{}, service, fmt.Errorf("%s: %w", service, ErrAdmissionTimeout)
	}

	var res media.FetchResult
	err = c.breakers.Execute(ctx, service, func(ctx context.Context) error {
		var err error
		res, err = h.Fetch(ctx, u.String(), destDir)
		return err
	})
	c.report(service, err)
	return res, service, err
}

func (c *Coordinator) report(service string, err error) {
	if err == nil {
		c.admission.ReportResponse(service, http.StatusOK, 0)
		return
	}
	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		c.admission.ReportResponse(service, httpErr.StatusCode, httpErr.RetryAfter)
	}
}

// recover runs the cascade once and downloads the recovered copy once. On
// failure the returned outcome only carries an error message.
func (c *Coordinator) recover(ctx context.Context, rawURL, destDir, service string, cause error) (entity.DownloadOutcome, bool) {
	if c.recoverer == nil || c.cfg.DisableRecovery {
		return entity.DownloadOutcome{}, false
	}

	rec := c.recoverer.AttemptRecovery(ctx, rawURL, cause.Error())
	if !rec.Success {
		return entity.DownloadOutcome{ErrorMessage: "recovery: " + rec.ErrorMessage}, false
	}
	if rec.Quality == entity.QualityMetadataOnly {
		c.logger.Info("recovery found metadata only",
			slog.String("url", rawURL),
			slog.String("provider", rec.Provider),
			slog.String("recovered_url", rec.RecoveredURL))
		return entity.DownloadOutcome{ErrorMessage: "recovery: " + rec.Provider + " has metadata only"}, false
	}

	res, recService, err := c.fetch(ctx, rec.FetchURL(), destDir)
	if err != nil {
		c.logger.Warn("recovered copy could not be downloaded",
			slog.String("url", rawURL),
			slog.String("provider", rec.Provider),
			slog.String("recovered_url", rec.FetchURL()),
			slog.Any("error", err))
		return entity.DownloadOutcome{ErrorMessage: "recovered copy: " + err.Error()}, false
	}

	c.logger.Info("download completed from recovered copy",
		slog.String("url", rawURL),
		slog.String("service", service),
		slog.String("provider", rec.Provider),
		slog.String("quality", string(rec.Quality)),
		slog.String("path", res.LocalPath),
		slog.Int64("bytes", res.Bytes))
	return entity.DownloadOutcome{
		Status:           entity.DownloadSuccess,
		LocalPath:        res.LocalPath,
		BytesTransferred: res.Bytes,
		Service:          recService,
		RecoveredFrom:    rec.Provider,
		Quality:          rec.Quality,
	}, true
}

// enqueue writes a retryable failure to the ledger. The write outlives a
// cancelled caller so an interrupted run still leaves its failures behind.
func (c *Coordinator) enqueue(ctx context.Context, rawURL string, out entity.DownloadOutcome) {
	meta := map[string]string{"failure_kind": string(out.Failure)}
	if norm := fetcher.Normalize(rawURL); norm.Transformed {
		meta["normalized_url"] = norm.URL
	}
	err := c.ledger.AddFailed(context.WithoutCancel(ctx), rawURL, out.Service, out.ErrorMessage,
		priorityFor(out.Failure), 0, meta)
	if err != nil {
		c.logger.Error("failed to record download in retry ledger",
			slog.String("url", rawURL),
			slog.String("service", out.Service),
			slog.Any("error", err))
		return
	}
	c.session.count(func(s *Stats) { s.LedgerWrites++ })
}

// ProcessPendingRetries drains up to limit ready ledger items (RetryBatchSize
// when limit is zero) through the download path. Items refused by this run's
// session state or claimed by another worker are skipped.
func (c *Coordinator) ProcessPendingRetries(ctx context.Context, destDir string, limit int) (entity.RetryRunStats, error) {
	var stats entity.RetryRunStats
	if limit <= 0 {
		limit = c.cfg.RetryBatchSize
	}

	items, err := c.ledger.GetReady(ctx, "", limit)
	if err != nil {
		return stats, fmt.Errorf("ProcessPendingRetries: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("ProcessPendingRetries: %w", err)
		}
		if _, refused := c.session.refusal(item.URL, c.cfg.TransientThreshold); refused {
			stats.Skipped++
			continue
		}
		claimed, err := c.ledger.MarkStarted(ctx, item.URL, item.ServiceName)
		if err != nil {
			return stats, fmt.Errorf("ProcessPendingRetries: %w", err)
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		stats.Processed++
		out := c.download(ctx, item.URL, destDir)
		switch {
		case out.OK():
			stats.Successful++
			_, err = c.ledger.MarkCompleted(ctx, item.URL, item.ServiceName, true, "")
		case out.Failure.IsPermanent():
			stats.Failed++
			err = c.ledger.Abandon(ctx, item.URL, item.ServiceName, out.ErrorMessage)
		default:
			stats.Failed++
			_, err = c.ledger.MarkCompleted(ctx, item.URL, item.ServiceName, false, out.ErrorMessage)
		}
		if err != nil {
			c.logger.Error("failed to update retry ledger",
				slog.String("url", item.URL),
				slog.String("service", item.ServiceName),
				slog.Any("error", err))
		}
	}

	c.logger.Info("retry pass finished",
		slog.Int("ready", len(items)),
		slog.Int("processed", stats.Processed),
		slog.Int("successful", stats.Successful),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped))
	return stats, nil
}

// Package app assembles the media-rescue components from a loaded
// configuration. Both binaries build one App at startup and share it for
// the lifetime of the process.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"media-rescue/internal/config"
	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/adapter/cache/memory"
	rdsCache "media-rescue/internal/infra/adapter/cache/redis"
	pgRepo "media-rescue/internal/infra/adapter/persistence/postgres"
	sqliteRepo "media-rescue/internal/infra/adapter/persistence/sqlite"
	"media-rescue/internal/infra/db"
	"media-rescue/internal/infra/fetcher"
	"media-rescue/internal/infra/media"
	archive "media-rescue/internal/infra/recovery"
	"media-rescue/internal/observability/metrics"
	"media-rescue/internal/repository"
	"media-rescue/internal/resilience/circuitbreaker"
	"media-rescue/internal/resilience/ratelimit"
	"media-rescue/internal/usecase/download"
	"media-rescue/internal/usecase/ledger"
	"media-rescue/internal/usecase/recovery"
)

// App holds the long-lived components. Coordinators are per run and are
// created with NewCoordinator.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Driver     string
	Limiter    *ratelimit.Manager
	Breakers   *circuitbreaker.Registry
	Ledger     *ledger.Service
	Recovery   *recovery.Service
	Validator  *fetcher.Validator
	Dispatcher *media.Dispatcher

	logger   *slog.Logger
	recorder metrics.Recorder
	closers  []func() error
}

// New opens the database, applies migrations and wires every component.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	opts := db.ResolveOptions(cfg.Database.Driver, cfg.Database.URL)
	a.Driver = opts.Driver
	a.DB, err = db.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)
	if err = db.MigrateUp(a.DB, opts.Driver); err != nil {
		return nil, err
	}

	a.Limiter = ratelimit.NewDefaultManager(
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(a.recorder),
	)
	for service, rl := range cfg.RateLimits {
		a.Limiter.Register(service, rl)
	}

	a.Breakers = circuitbreaker.NewRegistry(cfg.DefaultBreaker(),
		circuitbreaker.WithFailurePredicate(circuitbreaker.HostFailure),
		circuitbreaker.WithRecorder(a.recorder),
	)
	for service, b := range cfg.ServiceBreakers() {
		a.Breakers.Configure(service, b)
	}

	fc := cfg.FetcherConfig()
	if err = fc.Validate(); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	a.Validator = fetcher.NewValidator(fc, nil)

	// Media bodies can take minutes; the breaker operation timeout bounds them.
	dlCfg := fc
	dlCfg.Timeout = 0
	downloader := media.NewDownloader(fetcher.NewHTTPClient(dlCfg, a.Validator), fc.UserAgent, cfg.MaxFileSize(), logger)
	a.Dispatcher = media.NewDispatcher(downloader)

	retries, attempts, cache, err := a.repositories(ctx)
	if err != nil {
		return nil, err
	}

	a.Ledger = ledger.NewService(retries, cfg.LedgerConfig(),
		ledger.WithLogger(logger),
		ledger.WithMetrics(a.recorder),
	)

	providers, err := buildProviders(cfg.Recovery.Providers, archive.Options{
		Client:      fetcher.NewHTTPClient(fc, a.Validator),
		UserAgent:   fc.UserAgent,
		MaxBodySize: fc.MaxBodySize,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.Recovery = recovery.NewService(providers, cache, attempts, a.Limiter, a.Breakers, cfg.RecoveryConfig(),
		recovery.WithLogger(logger),
		recovery.WithMetrics(a.recorder),
	)

	logger.Info("components initialized",
		slog.String("database", opts.Driver),
		slog.String("cache", cfg.Cache.Backend),
		slog.Any("providers", a.Recovery.Providers()),
		slog.Bool("parallel_recovery", cfg.Recovery.Parallel))
	return a, nil
}

// repositories picks the SQL adapters for the driver and the cache backend.
func (a *App) repositories(ctx context.Context) (repository.RetryRepository, repository.RecoveryAttemptRepository, repository.RecoveryCache, error) {
	var (
		retries  repository.RetryRepository
		attempts repository.RecoveryAttemptRepository
		sqlCache repository.RecoveryCache
	)
	switch a.Driver {
	case db.DriverPostgres:
		retries = pgRepo.NewRetryRepo(a.DB)
		attempts = pgRepo.NewRecoveryAttemptRepo(a.DB)
		sqlCache = pgRepo.NewRecoveryCacheRepo(a.DB)
	default:
		retries = sqliteRepo.NewRetryRepo(a.DB)
		attempts = sqliteRepo.NewRecoveryAttemptRepo(a.DB)
		sqlCache = sqliteRepo.NewRecoveryCacheRepo(a.DB)
	}

	switch a.Config.Cache.Backend {
	case config.CacheBackendMemory:
		cache, err := memory.NewRecoveryCache(a.Config.Cache.MaxEntries)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memory cache: %w", err)
		}
		return retries, attempts, cache, nil
	case config.CacheBackendRedis:
		rdb, err := rdsCache.NewClient(ctx, rdsCache.Config{
			URL:      a.Config.Redis.URL,
			Password: a.Config.Redis.Password,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		return retries, attempts, rdsCache.NewRecoveryCache(rdb, a.Config.Redis.Prefix), nil
	default:
		return retries, attempts, sqlCache, nil
	}
}

// buildProviders instantiates the named providers in order.
func buildProviders(names []string, opts archive.Options) ([]recovery.Provider, error) {
	out := make([]recovery.Provider, 0, len(names))
	for _, name := range names {
		switch name {
		case entity.ProviderWayback:
			out = append(out, archive.NewWayback(opts))
		case entity.ProviderPullPush:
			out = append(out, archive.NewPullPush(opts))
		case entity.ProviderRedditPreviews:
			out = append(out, archive.NewPreviews(opts))
		case entity.ProviderReveddit:
			out = append(out, archive.NewReveddit(opts))
		default:
			return nil, fmt.Errorf("unknown recovery provider %q", name)
		}
	}
	return out, nil
}

// NewCoordinator starts a download run with fresh session state.
func (a *App) NewCoordinator() *download.Coordinator {
	return download.NewCoordinator(a.Validator, a.Dispatcher, a.Limiter, a.Breakers, a.Recovery, a.Ledger,
		a.Config.DownloadConfig(),
		download.WithLogger(a.logger),
		download.WithMetrics(a.recorder),
	)
}

// RecordPoolStats publishes the database pool gauges.
func (a *App) RecordPoolStats() {
	st := a.DB.Stats()
	metrics.UpdateDBConnectionStats(st.InUse, st.Idle)
}

// Close releases the database and cache connections in reverse order.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

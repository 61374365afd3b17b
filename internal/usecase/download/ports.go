// Package download is the coordinator that turns a URL into a local file. It
// composes the URL security check, per-host handlers, the admission
// controller, the per-service breakers, the recovery cascade and the retry
// ledger, and it alone decides how a failure is classified.
package download

import (
	"context"
	"net/url"
	"time"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/media"
	"media-rescue/internal/usecase/ledger"
)

// URLChecker validates a URL before any request is made. Satisfied by
// *fetcher.Validator.
type URLChecker interface {
	Check(ctx context.Context, rawURL string) (*url.URL, error)
}

// Dispatcher selects the host handler for a URL. Satisfied by
// *media.Dispatcher.
type Dispatcher interface {
	Select(u *url.URL) media.Handler
}

// Admission grants permission to call a service. Satisfied by
// *ratelimit.Manager.
type Admission interface {
	Acquire(ctx context.Context, service string, timeout time.Duration) bool
	ReportResponse(service string, statusCode int, retryAfter time.Duration)
}

// Breakers guards calls to a service. Satisfied by *circuitbreaker.Registry.
type Breakers interface {
	Execute(ctx context.Context, service string, op func(ctx context.Context) error) error
}

// Recoverer looks for a copy of vanished content. Satisfied by
// *recovery.Service.
type Recoverer interface {
	AttemptRecovery(ctx context.Context, rawURL, failureReason string) entity.RecoveryResult
}

// Ledger is the durable retry ledger. Satisfied by *ledger.Service.
type Ledger interface {
	AddFailed(ctx context.Context, url, service, errMsg string,
		priority entity.RetryPriority, maxRetries int, metadata map[string]string) error
	GetReady(ctx context.Context, service string, limit int) ([]*entity.RetryItem, error)
	MarkStarted(ctx context.Context, url, service string) (bool, error)
	MarkCompleted(ctx context.Context, url, service string, success bool, errMsg string) (ledger.Disposition, error)
	Abandon(ctx context.Context, url, service, errMsg string) error
}

// Metrics records download outcomes.
type Metrics interface {
	RecordDownload(service string, status entity.DownloadStatus, failure entity.FailureKind, bytes int64, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordDownload(string, entity.DownloadStatus, entity.FailureKind, int64, time.Duration) {
}

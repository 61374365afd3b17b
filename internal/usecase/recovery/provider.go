// Package recovery runs the recovery cascade: when content is gone from its
// original host, archive providers are consulted in reliability order and the
// first copy found wins. Provider outcomes are cached so the same URL is not
// looked up again while the answer is fresh.
package recovery

import (
	"context"
	"time"

	"media-rescue/internal/domain/entity"
)

// Provider is one archive that may hold a copy of vanished content.
//
// Recover returns an error wrapping entity.ErrNotRecovered when the archive
// answered and holds no copy. Any other error is a failure of the archive
// itself and is not cached.
type Provider interface {
	Name() string
	CanHandle(rawURL string) bool
	Recover(ctx context.Context, rawURL string) (entity.RecoveryResult, error)
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

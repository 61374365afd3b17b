package download

import (
	"errors"
	"net/http"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/resilience/circuitbreaker"
	"media-rescue/internal/resilience/retry"
)

// ErrAdmissionTimeout is returned when the rate limiter did not admit a
// request within the acquire timeout.
var ErrAdmissionTimeout = errors.New("rate limit wait exceeded")

// Classify maps an error from the fetch path onto the failure taxonomy.
func Classify(err error) entity.FailureKind {
	switch {
	case err == nil:
		return entity.FailureNone
	case errors.Is(err, entity.ErrInvalidURL):
		return entity.FailureInvalidURL
	case errors.Is(err, entity.ErrSecurityRejected):
		return entity.FailureSecurityRejected
	case circuitbreaker.IsUnavailable(err):
		return entity.FailureServiceUnavailable
	case errors.Is(err, ErrAdmissionTimeout):
		return entity.FailureRateLimited
	}

	if code, ok := retry.StatusCode(err); ok {
		switch code {
		case http.StatusTooManyRequests:
			return entity.FailureRateLimited
		case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
			return entity.FailurePermanentRemote
		}
	}
	return entity.FailureTransient
}

func statusFor(kind entity.FailureKind) entity.DownloadStatus {
	switch kind {
	case entity.FailureNone:
		return entity.DownloadSuccess
	case entity.FailureInvalidURL, entity.FailureSecurityRejected:
		return entity.DownloadInvalidURL
	case entity.FailureRateLimited:
		return entity.DownloadRateLimited
	default:
		return entity.DownloadFailed
	}
}

// priorityFor ranks ledger entries: failures caused by our own throttling
// wait behind genuine transient errors.
func priorityFor(kind entity.FailureKind) entity.RetryPriority {
	switch kind {
	case entity.FailureRateLimited, entity.FailureServiceUnavailable:
		return entity.PriorityLow
	default:
		return entity.PriorityMedium
	}
}

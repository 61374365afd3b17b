package circuitbreaker

import (
	"errors"
	"net/http"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/resilience/retry"
)

// HostFailure counts only errors that say something about the health of the
// remote host. Missing content (404/403/410), a provider with no copy and
// requests refused locally before leaving the process are not failures.
func HostFailure(err error) bool {
	if !DefaultIsFailure(err) {
		return false
	}
	if errors.Is(err, entity.ErrNotRecovered) ||
		errors.Is(err, entity.ErrInvalidURL) ||
		errors.Is(err, entity.ErrSecurityRejected) {
		return false
	}
	if code, ok := retry.StatusCode(err); ok {
		switch code {
		case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
			return false
		}
	}
	return true
}

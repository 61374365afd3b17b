package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain layer operations.
var (
	// ErrNotFound indicates that a requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrValidationFailed indicates that validation checks have failed
	ErrValidationFailed = errors.New("validation failed")

	// ErrInvalidURL indicates a malformed or unsupported URL.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrSecurityRejected indicates a URL refused by the security check:
	// blocked host, private address or a suspicious pattern.
	ErrSecurityRejected = errors.New("URL rejected by security check")

	// ErrIntegrity indicates a download whose body failed validation, such as
	// an HTML page served in place of media or a size outside bounds.
	ErrIntegrity = errors.New("download integrity check failed")

	// ErrNotRecovered indicates a recovery provider holds no copy of the
	// content. It is an answer, not a provider fault.
	ErrNotRecovered = errors.New("no recoverable copy")
)

// ValidationError represents a validation error with detailed field information.
// It implements the error interface and provides context about which field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns a formatted error message for the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// FailureKind is the closed taxonomy the download coordinator classifies every
// terminal failure into. Only the coordinator maps errors to a kind.
type FailureKind string

const (
	// FailureNone means the operation succeeded.
	FailureNone FailureKind = ""
	// FailureInvalidURL covers malformed or unsupported URLs. Never retried.
	FailureInvalidURL FailureKind = "invalid_url"
	// FailureSecurityRejected covers URLs refused by the security check. Never retried.
	FailureSecurityRejected FailureKind = "security_rejected"
	// FailureRateLimited is a 429 or a limiter timeout.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureTransient covers timeouts, connection errors, 5xx and integrity failures.
	FailureTransient FailureKind = "transient"
	// FailurePermanentRemote is a 404/403 from the remote host.
	FailurePermanentRemote FailureKind = "permanent_remote"
	// FailureServiceUnavailable means the service breaker rejected the call.
	FailureServiceUnavailable FailureKind = "service_unavailable"
)

// IsPermanent reports whether a failure of this kind must not be retried in the
// current run.
func (k FailureKind) IsPermanent() bool {
	switch k {
	case FailureInvalidURL, FailureSecurityRejected, FailurePermanentRemote:
		return true
	default:
		return false
	}
}

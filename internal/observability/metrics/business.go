package metrics

import (
	"strconv"
	"time"

	"media-rescue/internal/domain/entity"
)

// Recorder writes component observations to the package metrics. One value
// satisfies the metrics interfaces of the rate limiter, the breaker
// registry, the retry ledger, the recovery cascade and the coordinator.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() Recorder { return Recorder{} }

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// RecordDecision records one limiter decision.
func (Recorder) RecordDecision(service string, allowed bool) {
	RateLimitDecisionsTotal.WithLabelValues(service, result(allowed, "allowed", "denied")).Inc()
}

// RecordBackoff records a backoff triggered by statusCode.
func (Recorder) RecordBackoff(service string, statusCode int, backoff time.Duration) {
	RateLimitBackoffsTotal.WithLabelValues(service, strconv.Itoa(statusCode)).Inc()
	RateLimitBackoffSeconds.WithLabelValues(service).Set(backoff.Seconds())
}

// RecordWait records the time an Acquire call waited.
func (Recorder) RecordWait(service string, waited time.Duration, acquired bool) {
	RateLimitWaitDuration.WithLabelValues(service, result(acquired, "allowed", "denied")).Observe(waited.Seconds())
}

// RecordBreakerState records a breaker transition.
func (Recorder) RecordBreakerState(service string, state string) {
	CircuitBreakerState.WithLabelValues(service).Set(breakerStateValue(state))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordBreakerRejection records a call rejected by an open breaker.
func (Recorder) RecordBreakerRejection(service string) {
	CircuitBreakerRejectionsTotal.WithLabelValues(service).Inc()
}

// RecordLedgerOperation records one ledger operation.
func (Recorder) RecordLedgerOperation(operation, res string) {
	LedgerOperationsTotal.WithLabelValues(operation, res).Inc()
}

// RecordQueueDepth publishes a ledger snapshot. Statuses and services absent
// from the snapshot are reset to zero.
func (Recorder) RecordQueueDepth(st *entity.QueueStats) {
	if st == nil {
		return
	}
	for _, s := range []entity.RetryStatus{
		entity.RetryPending, entity.RetryInProgress, entity.RetryCompleted, entity.RetryFailedPermanent,
	} {
		LedgerItems.WithLabelValues(string(s)).Set(float64(st.ByStatus[s]))
	}
	LedgerPendingByService.Reset()
	for service, n := range st.PendingByService {
		LedgerPendingByService.WithLabelValues(service).Set(float64(n))
	}
	LedgerReady.Set(float64(st.ReadyCount))
	DeadLetterItems.Set(float64(st.DeadLetterCount))
}

// RecordRecoveryAttempt records one provider call.
func (Recorder) RecordRecoveryAttempt(provider string, success bool, d time.Duration) {
	RecoveryAttemptsTotal.WithLabelValues(provider, result(success, "success", "failure")).Inc()
	RecoveryDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordCacheLookup records a recovery cache lookup.
func (Recorder) RecordCacheLookup(provider string, hit bool) {
	RecoveryCacheLookupsTotal.WithLabelValues(provider, result(hit, "hit", "miss")).Inc()
}

// RecordCacheSweep records entries removed by one maintenance pass.
func (Recorder) RecordCacheSweep(expired, evicted int64) {
	RecoveryCacheRemovedTotal.WithLabelValues("expired").Add(float64(expired))
	RecoveryCacheRemovedTotal.WithLabelValues("evicted").Add(float64(evicted))
}

// RecordDownload records a Download outcome.
func (Recorder) RecordDownload(service string, status entity.DownloadStatus, failure entity.FailureKind, bytes int64, d time.Duration) {
	if service == "" {
		service = "none"
	}
	failureLabel := string(failure)
	if failureLabel == "" {
		failureLabel = "none"
	}
	DownloadsTotal.WithLabelValues(service, string(status), failureLabel).Inc()
	DownloadDuration.WithLabelValues(service).Observe(d.Seconds())
	if bytes > 0 {
		DownloadBytesTotal.WithLabelValues(service).Add(float64(bytes))
	}
}

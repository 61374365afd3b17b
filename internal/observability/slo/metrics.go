// Package slo publishes service level gauges for the recovery pipeline.
package slo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"media-rescue/internal/domain/entity"
)

// Objectives for the recovery pipeline.
const (
	// RecoverySuccessSLO is the minimum share of recovery lookups that should
	// find an archived copy.
	RecoverySuccessSLO = 0.30

	// CacheHitSLO is the minimum share of lookups answered from the cache.
	CacheHitSLO = 0.20

	// DeadLetterRatioSLO is the maximum share of ledger items that may sit in
	// the dead-letter table.
	DeadLetterRatioSLO = 0.10
)

// These gauges are recomputed by the worker from ledger and recovery stats.
var (
	// RecoverySuccess is successes / (successes + failures) over the window.
	RecoverySuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slo_recovery_success_ratio",
			Help: "Share of recovery lookups that found a copy (0-1), target: >= 0.30",
		},
	)

	// CacheHit is cache hits / total attempts over the window.
	CacheHit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slo_recovery_cache_hit_ratio",
			Help: "Share of recovery lookups served from cache (0-1), target: >= 0.20",
		},
	)

	// DeadLetterRatio is dead letters / every item the ledger still holds.
	DeadLetterRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slo_dead_letter_ratio",
			Help: "Share of ledger items in dead letter (0-1), target: <= 0.10",
		},
	)
)

// Ratios are the computed objective values. A ratio with no samples is
// reported as 1 for success-style objectives and 0 for dead letter.
type Ratios struct {
	RecoverySuccess float64
	CacheHit        float64
	DeadLetter      float64
}

// Compute derives the ratios. Either argument may be nil.
func Compute(rec *entity.RecoveryStats, queue *entity.QueueStats) Ratios {
	r := Ratios{RecoverySuccess: 1, CacheHit: 1}
	if rec != nil {
		if n := rec.Successes + rec.Failures; n > 0 {
			r.RecoverySuccess = float64(rec.Successes) / float64(n)
		}
		if rec.TotalAttempts > 0 {
			r.CacheHit = float64(rec.CacheHits) / float64(rec.TotalAttempts)
		}
	}
	if queue != nil {
		total := queue.DeadLetterCount
		for status, n := range queue.ByStatus {
			if status != entity.RetryDeadLetter {
				total += n
			}
		}
		if total > 0 {
			r.DeadLetter = float64(queue.DeadLetterCount) / float64(total)
		}
	}
	return r
}

// Update publishes the ratios.
func Update(r Ratios) {
	RecoverySuccess.Set(r.RecoverySuccess)
	CacheHit.Set(r.CacheHit)
	DeadLetterRatio.Set(r.DeadLetter)
}

// Met reports whether every objective holds.
func (r Ratios) Met() bool {
	return r.RecoverySuccess >= RecoverySuccessSLO &&
		r.CacheHit >= CacheHitSLO &&
		r.DeadLetter <= DeadLetterRatioSLO
}

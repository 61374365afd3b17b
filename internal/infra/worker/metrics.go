package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"media-rescue/internal/pkg/config"
)

// WorkerMetrics tracks configuration fallbacks and scheduled job runs.
type WorkerMetrics struct {
	*config.ConfigMetrics

	JobRunsTotal            *prometheus.CounterVec
	JobDurationSeconds      *prometheus.HistogramVec
	JobLastSuccessTimestamp *prometheus.GaugeVec
}

// NewWorkerMetrics registers the worker metrics with reg; a nil reg uses the
// default registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetrics("worker", reg),

		JobRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_job_runs_total",
			Help: "Scheduled job runs by job and status (started/success/failure/skipped)",
		}, []string{"job", "status"}),

		JobDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 1800},
		}, []string{"job"}),

		JobLastSuccessTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_job_last_success_timestamp",
			Help: "Unix timestamp of the last successful run of each job",
		}, []string{"job"}),
	}
}

// RecordJobRun counts one run of job with status.
func (m *WorkerMetrics) RecordJobRun(job, status string) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
}

// RecordJobDuration observes the duration of a finished run.
func (m *WorkerMetrics) RecordJobDuration(job string, d time.Duration) {
	m.JobDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
}

// RecordLastSuccess stamps the current time for job.
func (m *WorkerMetrics) RecordLastSuccess(job string) {
	m.JobLastSuccessTimestamp.WithLabelValues(job).SetToCurrentTime()
}

package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConfigMetrics tracks configuration loading of one component:
//   - {component}_config_load_timestamp
//   - {component}_config_fallbacks_total{field}
//   - {component}_config_fallback_active
type ConfigMetrics struct {
	LoadTimestamp  prometheus.Gauge
	FallbacksTotal *prometheus.CounterVec
	FallbackActive prometheus.Gauge
}

// NewConfigMetrics registers the metrics of component with reg; a nil reg
// uses the default registerer.
func NewConfigMetrics(component string, reg prometheus.Registerer) *ConfigMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &ConfigMetrics{
		LoadTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: component + "_config_load_timestamp",
			Help: "Unix timestamp of the last " + component + " configuration load",
		}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: component + "_config_fallbacks_total",
			Help: "Invalid " + component + " settings replaced by their default",
		}, []string{"field"}),
		FallbackActive: f.NewGauge(prometheus.GaugeOpts{
			Name: component + "_config_fallback_active",
			Help: "1 if any " + component + " setting fell back to its default",
		}),
	}
}

// RecordLoad marks a completed load and whether any fallback was applied.
func (m *ConfigMetrics) RecordLoad(fallbackActive bool) {
	m.LoadTimestamp.SetToCurrentTime()
	if fallbackActive {
		m.FallbackActive.Set(1)
	} else {
		m.FallbackActive.Set(0)
	}
}

// RecordFallback counts one setting replaced by its default.
func (m *ConfigMetrics) RecordFallback(field string) {
	m.FallbacksTotal.WithLabelValues(field).Inc()
}

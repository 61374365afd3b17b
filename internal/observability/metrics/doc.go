// Package metrics provides the Prometheus metrics of the rescue engine.
//
// Metrics are registered with the default registry at init and exposed by
// the worker's /metrics endpoint. Components never import this package;
// they accept small recorder interfaces, and Recorder implements all of
// them:
//
//	rec := metrics.NewRecorder()
//	limiter := ratelimit.NewDefaultManager(ratelimit.WithMetrics(rec))
//	breakers := circuitbreaker.NewRegistry(cfg, circuitbreaker.WithRecorder(rec))
package metrics

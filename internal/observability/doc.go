// Package observability groups the logging, metrics and tracing packages.
//
// Subpackages:
//   - logging: slog construction (JSON or tint text) and context propagation
//   - metrics: Prometheus collectors and the Recorder used by every component
//   - tracing: OpenTelemetry spans around downloads, recoveries and the worker's HTTP endpoints
package observability

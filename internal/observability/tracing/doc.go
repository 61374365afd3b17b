// Package tracing provides OpenTelemetry spans for downloads, recovery
// cascades and the worker's HTTP endpoints.
//
// Spans are created from the global tracer provider; without an exporter
// configured they are no-ops.
//
//	ctx, span := tracing.StartSpan(ctx, "download", attribute.String("url", u))
//	defer func() { tracing.EndSpan(span, err) }()
package tracing

package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory exporter for the duration of the test.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	prevProvider, prevTracer := otel.GetTracerProvider(), tracer
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("media-rescue")
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		tracer = prevTracer
	})
	return exporter
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_CreatesSpan(t *testing.T) {
	exporter := useRecorder(t)

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /health" {
		t.Errorf("span name = %q, want %q", span.Name, "GET /health")
	}
	if v, ok := attr(span.Attributes, "http.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("http.status_code = %v, %v", v.AsInt64(), ok)
	}
	if got := rr.Header().Get("X-Trace-Id"); got != span.SpanContext.TraceID().String() {
		t.Errorf("X-Trace-Id = %q, want span trace ID", got)
	}
}

func TestMiddleware_PropagatesTraceContext(t *testing.T) {
	exporter := useRecorder(t)
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	handler := Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %s, want propagated ID", got)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	tests := []struct {
		status int
		want   codes.Code
	}{
		{status: http.StatusServiceUnavailable, want: codes.Error},
		{status: http.StatusNotFound, want: codes.Unset},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := useRecorder(t)
			handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/queue", nil))

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Status.Code != tt.want {
				t.Errorf("status code = %v, want %v", spans[0].Status.Code, tt.want)
			}
		})
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exporter := useRecorder(t)

	_, span := StartSpan(context.Background(), "download.Download", attribute.String("service", "imgur"))
	EndSpan(span, errors.New("HTTP 503"))
	_, clean := StartSpan(context.Background(), "recovery.AttemptRecovery")
	EndSpan(clean, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "HTTP 503" {
		t.Errorf("unexpected status %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
	if v, found := attr(spans[0].Attributes, "service"); !found || v.AsString() != "imgur" {
		t.Errorf("service attribute = %v", v.AsString())
	}
	if spans[1].Status.Code != codes.Unset {
		t.Errorf("successful span status = %v", spans[1].Status.Code)
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	rw := newResponseWriter(httptest.NewRecorder())
	if rw.statusCode != http.StatusOK {
		t.Errorf("default status = %d, want 200", rw.statusCode)
	}
	rw.WriteHeader(http.StatusCreated)
	if rw.statusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", rw.statusCode)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/observability/metrics"
	"media-rescue/internal/observability/tracing"
	"media-rescue/internal/resilience/circuitbreaker"
)

// BreakerSource exposes breaker state for /health/breakers.
type BreakerSource interface {
	Snapshots() []circuitbreaker.Snapshot
}

// QueueSource exposes ledger depth for /health/queue.
type QueueSource interface {
	Stats(ctx context.Context) (*entity.QueueStats, error)
}

// HealthServer serves liveness, readiness, breaker and queue state, and the
// Prometheus metrics of the process.
type HealthServer struct {
	addr     string
	logger   *slog.Logger
	isReady  atomic.Bool
	breakers BreakerSource
	queue    QueueSource
	server   *http.Server
}

type healthResponse struct {
	Status string `json:"status"`
}

type breakerResponse struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
	Requests            uint32 `json:"requests"`
}

// NewHealthServer creates a server listening on addr. breakers and queue may
// be nil, in which case their endpoints answer 503.
func NewHealthServer(addr string, logger *slog.Logger, breakers BreakerSource, queue QueueSource) *HealthServer {
	return &HealthServer{
		addr:     addr,
		logger:   logger,
		breakers: breakers,
		queue:    queue,
	}
}

// Handler returns the routed, instrumented handler.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.handleLiveness)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/breakers", h.handleBreakers)
	mux.HandleFunc("GET /health/queue", h.handleQueue)
	return tracing.Middleware(instrument(mux))
}

// Start serves until ctx is done, then shuts down gracefully. It returns
// http.ErrServerClosed after a clean shutdown.
func (h *HealthServer) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:              h.addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		h.logger.Info("health server starting", slog.String("addr", h.addr))
		if err := h.server.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("health server shutdown failed", slog.Any("error", err))
			return err
		}
		h.logger.Info("health server stopped")
		return http.ErrServerClosed

	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server failed", slog.Any("error", err))
		}
		return err
	}
}

// SetReady flips the readiness probe.
func (h *HealthServer) SetReady(ready bool) {
	h.isReady.Store(ready)
	h.logger.Info("health server readiness changed", slog.Bool("ready", ready))
}

func (h *HealthServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !h.isReady.Load() {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthServer) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if h.breakers == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "breakers not configured"})
		return
	}
	snaps := h.breakers.Snapshots()
	out := make([]breakerResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, breakerResponse{
			Service:             s.Service,
			State:               s.State,
			ConsecutiveFailures: s.ConsecutiveFailures,
			TotalFailures:       s.TotalFailures,
			Requests:            s.Requests,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *HealthServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "ledger not configured"})
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", slog.Any("error", err))
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "ledger unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route pattern.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start))
	})
}

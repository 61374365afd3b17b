package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sony/gobreaker"
)

// StateRecorder observes breaker transitions and rejections.
type StateRecorder interface {
	RecordBreakerState(service string, state string)
	RecordBreakerRejection(service string)
}

type noopRecorder struct{}

func (noopRecorder) RecordBreakerState(string, string) {}
func (noopRecorder) RecordBreakerRejection(string) {}

// Registry holds one CircuitBreaker per service, created lazily from the
// service's configuration or the registry default. The map lock is held only
// to look up or create a breaker.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
	defaults Config

	isFailure func(error) bool
	recorder  StateRecorder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFailurePredicate decides which errors count against a breaker.
func WithFailurePredicate(fn func(error) bool) RegistryOption {
	return func(r *Registry) { r.isFailure = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec StateRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry creates a registry whose unconfigured services use defaults.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	defaults.ApplyDefaults()
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		configs:   make(map[string]Config),
		defaults:  defaults,
		isFailure: DefaultIsFailure,
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets the configuration of service. An existing breaker for the
// service is replaced and starts closed.
func (r *Registry) Configure(service string, cfg Config) {
	cfg.ApplyDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[service] = cfg
	delete(r.breakers, service)
}

// Get returns the breaker of service, creating it on first use.
func (r *Registry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb
	}
	cfg, ok := r.configs[service]
	if !ok {
		cfg = r.defaults
	}
	cb := New(service, cfg, r.isFailure, func(name string, _, to gobreaker.State) {
		r.recorder.RecordBreakerState(name, to.String())
	})
	r.breakers[service] = cb
	r.recorder.RecordBreakerState(service, gobreaker.StateClosed.String())
	return cb
}

// Execute runs op through the breaker of service.
func (r *Registry) Execute(ctx context.Context, service string, op func(ctx context.Context) error) error {
	err := r.Get(service).Execute(ctx, op)
	if IsUnavailable(err) {
		r.recorder.RecordBreakerRejection(service)
	}
	return err
}

// State returns the state of service's breaker. Services never used report closed.
func (r *Registry) State(service string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Reset discards the breaker of service; the next call starts closed.
func (r *Registry) Reset(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, service)
}

// Snapshot describes one breaker.
type Snapshot struct {
	Service             string
	State               string
	ConsecutiveFailures uint32
	ConsecutiveSuccess  uint32
	TotalFailures       uint32
	Requests            uint32
}

// Snapshots returns every breaker's state sorted by service name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		c := cb.Counts()
		out = append(out, Snapshot{
			Service:             cb.Name(),
			State:               cb.State().String(),
			ConsecutiveFailures: c.ConsecutiveFailures,
			ConsecutiveSuccess:  c.ConsecutiveSuccesses,
			TotalFailures:       c.TotalFailures,
			Requests:            c.Requests,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// IsUnavailable reports whether err is a breaker rejection.
func IsUnavailable(err error) bool {
	return err != nil && errors.Is(err, ErrServiceUnavailable)
}

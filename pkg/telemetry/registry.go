package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentcore-dev/engine/internal/logging"
)

// Module identifies the engine component a metric originated from, so
// dashboards can filter by module the way the teacher's ModuleOrchestration/
// ModuleAgent constants do.
const (
	ModuleScheduler    = "scheduler"
	ModuleOrchestrator = "orchestrator"
	ModuleRegistry     = "registry"
	ModuleDiscovery    = "discovery"
	ModuleConvState    = "convstate"
)

// globalRegistry holds the process-wide Registry, set once by Initialize.
// atomic.Value gives lock-free reads on the metric-emission hot path,
// mirroring the teacher's registry.go globalRegistry.
var globalRegistry atomic.Value // *Registry

var initOnce sync.Once

// Registry adapts a Provider's meter into the Level-1 Counter/Gauge/
// Histogram/Emit API and into internal/logging.MetricsRegistry. Instrument
// handles are cached per metric name since OTel instruments are meant to
// be created once and reused.
type Registry struct {
	provider *Provider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func newRegistry(p *Provider) *Registry {
	return &Registry{
		provider:   p,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Initialize activates the global telemetry registry. Safe to call once;
// subsequent calls are no-ops, matching the teacher's Initialize/initOnce
// pattern so an engine binary can call this unconditionally from main.
func Initialize(cfg Config) error {
	var initErr error
	initOnce.Do(func() {
		provider, err := NewProvider(cfg)
		if err != nil {
			initErr = err
			return
		}
		r := newRegistry(provider)
		globalRegistry.Store(r)
		logging.SetMetricsRegistry(r)
	})
	return initErr
}

func loadRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	return v.(*Registry)
}

func (r *Registry) counterFor(name string) metric.Float64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, _ := r.provider.Meter().Float64Counter(name)
	r.counters[name] = c
	return c
}

func (r *Registry) histogramFor(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, _ := r.provider.Meter().Float64Histogram(name)
	r.histograms[name] = h
	return h
}

func attrsFromLabels(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// Counter increments a named counter by 1. Implements logging.MetricsRegistry.
func (r *Registry) Counter(name string, labels ...string) {
	r.EmitWithContext(context.Background(), name, 1, labels...)
}

// Gauge records value as a point-in-time measurement. OTel gauges need a
// callback to be a true gauge; like the teacher, this records gauges as
// histograms internally, which is enough for dashboards that just want the
// current value's distribution.
func (r *Registry) Gauge(name string, value float64, labels ...string) {
	r.histogramFor(name).Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Histogram records value in a distribution.
func (r *Registry) Histogram(name string, value float64, labels ...string) {
	r.histogramFor(name).Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

// EmitWithContext records value against name, merging any baggage on ctx
// into the recorded attributes so traces and metrics share identifiers.
func (r *Registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	attrs := attrsFromLabels(labels)
	for k, v := range GetBaggage(ctx) {
		attrs = append(attrs, attribute.String(k, v))
	}
	r.counterFor(name).Add(ctx, value, metric.WithAttributes(attrs...))
}

// GetBaggage implements logging.MetricsRegistry by delegating to this
// package's own baggage helper.
func (r *Registry) GetBaggage(ctx context.Context) map[string]string {
	return GetBaggage(ctx)
}

// Counter increments a named counter on the global registry, if
// Initialize has been called; otherwise it is a no-op.
func Counter(name string, labels ...string) {
	if r := loadRegistry(); r != nil {
		r.Counter(name, labels...)
	}
}

// Gauge records a point-in-time value on the global registry.
func Gauge(name string, value float64, labels ...string) {
	if r := loadRegistry(); r != nil {
		r.Gauge(name, value, labels...)
	}
}

// Histogram records a distribution value on the global registry.
func Histogram(name string, value float64, labels ...string) {
	if r := loadRegistry(); r != nil {
		r.Histogram(name, value, labels...)
	}
}

// Emit is the context-free convenience form of EmitWithContext.
func Emit(name string, value float64, labels ...string) {
	EmitWithContext(context.Background(), name, value, labels...)
}

// EmitWithContext records value on the global registry, carrying ctx's
// baggage into the recorded attributes.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if r := loadRegistry(); r != nil {
		r.EmitWithContext(ctx, name, value, labels...)
	}
}

// Duration records elapsed time since start, in milliseconds.
func Duration(name string, start time.Time, labels ...string) {
	Histogram(name, float64(time.Since(start).Milliseconds()), labels...)
}

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls Provider construction.
type Config struct {
	ServiceName string
	// PrettyPrint enables indented stdout trace export; useful only in
	// development, since it is synchronous and verbose.
	PrettyPrint bool
	// DisableTraceExport skips wiring a span exporter entirely, leaving a
	// tracer that still creates spans (so code calling StartSpan never
	// needs a nil check) but never emits them anywhere.
	DisableTraceExport bool
}

// Provider owns the process-wide tracer and meter. There is no exporter
// wired for metrics (no metrics exporter ships in this module's
// dependency set — see DESIGN.md), and the MeterProvider is built without
// a reader, so values recorded through the MetricsRegistry adapter are
// accepted but not collected or exported anywhere.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	serviceName    string
}

// NewProvider builds a Provider. Grounded on the teacher's
// NewOTelProvider/setupTraceProvider shape: a resource carrying the
// service name, a batched span processor wrapping the configured
// exporter, set as both the return value and (via SetTracerProvider) the
// process-global provider so packages that call otel.Tracer(...) directly
// still get real spans.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if !cfg.DisableTraceExport {
		exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(noopWriter{})}
		if cfg.PrettyPrint {
			exporterOpts = []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		}
		exporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(cfg.ServiceName),
		meter:          mp.Meter(cfg.ServiceName),
		serviceName:    cfg.ServiceName,
	}, nil
}

// noopWriter discards stdout trace export by default; callers who want the
// human-readable dump set PrettyPrint, which routes through os.Stdout via
// stdouttrace's own default writer instead.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Shutdown flushes and releases the underlying providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.meterProvider.Shutdown(ctx)
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the provider's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

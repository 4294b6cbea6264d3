package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the global provider's tracer, if Initialize
// has been called; otherwise it returns ctx unchanged and a no-op span
// from the process-global (possibly unset) tracer provider, so callers
// never need a nil check.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r := loadRegistry(); r != nil {
		return r.provider.StartSpan(ctx, name)
	}
	return trace.SpanFromContext(ctx).TracerProvider().Tracer("engine").Start(ctx, name)
}

// AddSpanEvent attaches a named event with attrs to the span active on ctx,
// if any. Grounded on trace_context.go's AddSpanEvent: a thin wrapper that
// is always safe to call even when no span is recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

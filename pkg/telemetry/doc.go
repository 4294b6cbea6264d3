// Package telemetry wires the engine's tracing and metrics emission: one
// process-wide OpenTelemetry tracer/meter pair, a small Level-1 emission
// API (Counter/Gauge/Histogram/Duration) mirrored after the style used
// throughout this codebase's lineage, and the MetricsRegistry adapter
// internal/logging expects so log lines can promote a field to a metric
// without logging importing telemetry directly.
//
// StartSpan/AddSpanEvent are provided for spans around task dispatch, skill
// execution, and skill generation/healing; no other package in this module
// calls them. Baggage carries conversation/task identifiers
// across those span boundaries the same in-process way an HTTP
// middleware would carry a correlation ID across request boundaries,
// without needing an HTTP transport this engine doesn't have.
package telemetry

// Package logging provides the structured, component-scoped logger shared
// by every engine package, plus the weakly-coupled global metrics registry
// hook that lets telemetry attach itself after construction without every
// constructor taking a metrics dependency.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal logging interface every engine component depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component-scoping support so a
// single base logger can be shared across components while still tagging
// each log line with its origin, e.g. "engine/scheduler", "engine/registry".
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default so every
// component is usable without an injected logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                   {}
func (NoOpLogger) Error(string, map[string]interface{})                                  {}
func (NoOpLogger) Warn(string, map[string]interface{})                                   {}
func (NoOpLogger) Debug(string, map[string]interface{})                                  {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})       {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})       {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})      {}
func (n NoOpLogger) WithComponent(string) Logger                                         { return n }

// MetricsRegistry is implemented by the telemetry package and registered
// globally via SetMetricsRegistry, mirroring the weak-coupling pattern used
// throughout this codebase's lineage to let internal packages emit metrics
// without importing telemetry directly (which would create an import cycle
// back into logging).
type MetricsRegistry interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
	GetBaggage(ctx context.Context) map[string]string
}

var (
	globalMetricsRegistry MetricsRegistry
	loggersMu             sync.RWMutex
	createdLoggers        []*ProductionLogger
)

// SetMetricsRegistry registers the global metrics sink. Safe to call once
// during startup, typically from the telemetry package's constructor.
func SetMetricsRegistry(r MetricsRegistry) {
	globalMetricsRegistry = r
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range createdLoggers {
		l.enableMetrics()
	}
}

// GetGlobalMetricsRegistry returns the currently registered sink, or nil.
func GetGlobalMetricsRegistry() MetricsRegistry {
	return globalMetricsRegistry
}

// Config controls ProductionLogger construction.
type Config struct {
	Level       string // debug|info|warn|error
	Format      string // json|text
	Output      io.Writer
	ServiceName string
}

// ProductionLogger emits structured JSON (or human-readable text) lines,
// optionally promoting a cardinality-bounded set of fields to metric labels
// once a MetricsRegistry has been attached.
type ProductionLogger struct {
	level       string
	debug       bool
	format      string
	output      io.Writer
	serviceName string
	component   string

	mu             sync.Mutex
	metricsEnabled bool
}

// New constructs the base ProductionLogger for a service.
func New(cfg Config) *ProductionLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	l := &ProductionLogger{
		level:       level,
		debug:       level == "debug",
		format:      format,
		output:      out,
		serviceName: cfg.ServiceName,
		component:   "engine",
	}
	loggersMu.Lock()
	createdLoggers = append(createdLoggers, l)
	if globalMetricsRegistry != nil {
		l.enableMetrics()
	}
	loggersMu.Unlock()
	return l
}

func (p *ProductionLogger) enableMetrics() {
	p.mu.Lock()
	p.metricsEnabled = true
	p.mu.Unlock()
}

// WithComponent returns a logger scoped to component, sharing configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	p.mu.Lock()
	metricsEnabled := p.metricsEnabled
	p.mu.Unlock()
	return &ProductionLogger{
		level:          p.level,
		debug:          p.debug,
		format:         p.format,
		output:         p.output,
		serviceName:    p.serviceName,
		component:      component,
		metricsEnabled: metricsEnabled,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(context.Background(), "DEBUG", msg, fields)
	}
}
func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	ts := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		if ctx != nil && p.metricsReady() {
			for k, v := range p.baggage(ctx) {
				entry["trace."+k] = v
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		p.maybeEmitMetric(ctx, level, fields)
		return
	}

	traceInfo := ""
	if ctx != nil && p.metricsReady() {
		if reqID := p.baggage(ctx)["request_id"]; reqID != "" {
			traceInfo = fmt.Sprintf("[req=%s] ", reqID)
		}
	}
	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n", ts, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	p.maybeEmitMetric(ctx, level, fields)
}

func (p *ProductionLogger) metricsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsEnabled
}

func (p *ProductionLogger) baggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry == nil {
		return nil
	}
	return globalMetricsRegistry.GetBaggage(ctx)
}

// allowlisted field keys promoted to metric labels, bounding cardinality.
var cardinalityAllowlist = map[string]bool{
	"operation": true, "status": true, "error_kind": true, "component": true,
}

func (p *ProductionLogger) maybeEmitMetric(ctx context.Context, level string, fields map[string]interface{}) {
	if !p.metricsReady() || globalMetricsRegistry == nil {
		return
	}
	labels := []string{"level", level, "service", p.serviceName, "component", p.component}
	for k, v := range fields {
		if cardinalityAllowlist[k] {
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		globalMetricsRegistry.EmitWithContext(ctx, "engine.log_events", 1.0, labels...)
	} else {
		globalMetricsRegistry.Counter("engine.log_events", labels...)
	}
}

// Package config assembles engine-wide settings from three layers, in
// ascending priority: built-in defaults, environment variables, then an
// optional YAML file and functional options applied on top. It mirrors the
// teacher framework's NewConfig/LoadFromEnv/Option layering, trimmed to the
// settings this engine's seven components actually read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable this engine's components read at construction
// time. Each component still takes its own functional options (WithLogger,
// WithApprovalFunc, ...); Config only carries the cross-cutting values that
// would otherwise be duplicated as repeated flags/env lookups in main.
type Config struct {
	ServiceName string `yaml:"service_name" env:"ENGINE_SERVICE_NAME"`
	LogLevel    string `yaml:"log_level" env:"ENGINE_LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"ENGINE_LOG_FORMAT"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	ConvState ConvStateConfig `yaml:"conv_state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Generator GeneratorConfig `yaml:"generator"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DiscoveryConfig configures C2's filesystem scan and watch.
type DiscoveryConfig struct {
	Roots         []string      `yaml:"roots" env:"ENGINE_DISCOVERY_ROOTS"`
	DebounceDelay time.Duration `yaml:"debounce_delay" env:"ENGINE_DISCOVERY_DEBOUNCE"`
}

// ConvStateConfig selects and configures C3's backing store. Redis is the
// only backend this engine wires today; DSN is reserved for a future
// relational backend and is not yet consumed anywhere.
type ConvStateConfig struct {
	Backend  string `yaml:"backend" env:"ENGINE_CONVSTATE_BACKEND"` // "redis"
	RedisURL string `yaml:"redis_url" env:"ENGINE_CONVSTATE_REDIS_URL"`
	DSN      string `yaml:"dsn" env:"ENGINE_CONVSTATE_DSN"`
}

// SchedulerConfig configures C6's worker pool and dispatch breaker.
type SchedulerConfig struct {
	WorkerCount         int           `yaml:"worker_count" env:"ENGINE_SCHEDULER_WORKERS"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout" env:"ENGINE_SCHEDULER_DISPATCH_TIMEOUT"`
	CircuitFailureRatio float64       `yaml:"circuit_failure_ratio" env:"ENGINE_SCHEDULER_CIRCUIT_RATIO"`
}

// GeneratorConfig configures C7's external generation client.
type GeneratorConfig struct {
	Endpoint string        `yaml:"endpoint" env:"ENGINE_GENERATOR_ENDPOINT"`
	APIKey   string        `yaml:"api_key" env:"ENGINE_GENERATOR_API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"ENGINE_GENERATOR_TIMEOUT"`
}

// OrchestratorConfig configures where C7 writes generated skill source.
type OrchestratorConfig struct {
	GeneratedDir string `yaml:"generated_dir" env:"ENGINE_ORCHESTRATOR_GENERATED_DIR"`
	AutoApprove  bool   `yaml:"auto_approve" env:"ENGINE_ORCHESTRATOR_AUTO_APPROVE"`
}

// TelemetryConfig configures the OTel provider.
type TelemetryConfig struct {
	PrettyPrint        bool `yaml:"pretty_print" env:"ENGINE_TELEMETRY_PRETTY_PRINT"`
	DisableTraceExport bool `yaml:"disable_trace_export" env:"ENGINE_TELEMETRY_DISABLE_TRACE_EXPORT"`
}

// Option mutates a Config during NewConfig, applied after env defaults so
// callers (tests, cmd/engine flags) always win over the environment.
type Option func(*Config)

// WithServiceName overrides the service name used for telemetry and logging.
func WithServiceName(name string) Option {
	return func(c *Config) { c.ServiceName = name }
}

// WithDiscoveryRoots overrides the filesystem roots C2 scans.
func WithDiscoveryRoots(roots ...string) Option {
	return func(c *Config) { c.Discovery.Roots = roots }
}

// WithConvStateBackend overrides which backend C3 uses.
func WithConvStateBackend(backend string) Option {
	return func(c *Config) { c.ConvState.Backend = backend }
}

// WithGeneratorEndpoint overrides the external generation client's target.
func WithGeneratorEndpoint(endpoint, apiKey string) Option {
	return func(c *Config) {
		c.Generator.Endpoint = endpoint
		c.Generator.APIKey = apiKey
	}
}

// WithConfigFile loads path (JSON-compatible YAML) over the current
// defaults/env layer before any later options are applied. Matches the
// teacher's WithConfigFile/LoadFromFile ordering: file settings sit between
// env and explicit options in priority.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		_ = yaml.Unmarshal(data, c)
	}
}

func defaultConfig() *Config {
	return &Config{
		ServiceName: "agentcore-engine",
		LogLevel:    "info",
		LogFormat:   "json",
		Discovery: DiscoveryConfig{
			Roots:         []string{"."},
			DebounceDelay: 500 * time.Millisecond,
		},
		ConvState: ConvStateConfig{
			Backend: "redis",
		},
		Scheduler: SchedulerConfig{
			WorkerCount:         4,
			DispatchTimeout:     30 * time.Second,
			CircuitFailureRatio: 0.5,
		},
		Generator: GeneratorConfig{
			Timeout: 60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			GeneratedDir: "./generated",
		},
	}
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("ENGINE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ENGINE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ENGINE_DISCOVERY_ROOTS"); v != "" {
		c.Discovery.Roots = strings.Split(v, ",")
	}
	if v := os.Getenv("ENGINE_DISCOVERY_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Discovery.DebounceDelay = d
		}
	}
	if v := os.Getenv("ENGINE_CONVSTATE_BACKEND"); v != "" {
		c.ConvState.Backend = v
	}
	if v := os.Getenv("ENGINE_CONVSTATE_REDIS_URL"); v != "" {
		c.ConvState.RedisURL = v
	}
	if v := os.Getenv("ENGINE_CONVSTATE_DSN"); v != "" {
		c.ConvState.DSN = v
	}
	if v := os.Getenv("ENGINE_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.WorkerCount = n
		}
	}
	if v := os.Getenv("ENGINE_SCHEDULER_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DispatchTimeout = d
		}
	}
	if v := os.Getenv("ENGINE_SCHEDULER_CIRCUIT_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scheduler.CircuitFailureRatio = f
		}
	}
	if v := os.Getenv("ENGINE_GENERATOR_ENDPOINT"); v != "" {
		c.Generator.Endpoint = v
	}
	if v := os.Getenv("ENGINE_GENERATOR_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("ENGINE_GENERATOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Generator.Timeout = d
		}
	}
	if v := os.Getenv("ENGINE_ORCHESTRATOR_GENERATED_DIR"); v != "" {
		c.Orchestrator.GeneratedDir = v
	}
	if v := os.Getenv("ENGINE_ORCHESTRATOR_AUTO_APPROVE"); v != "" {
		c.Orchestrator.AutoApprove = v == "true" || v == "1"
	}
	if v := os.Getenv("ENGINE_TELEMETRY_PRETTY_PRINT"); v != "" {
		c.Telemetry.PrettyPrint = v == "true" || v == "1"
	}
	if v := os.Getenv("ENGINE_TELEMETRY_DISABLE_TRACE_EXPORT"); v != "" {
		c.Telemetry.DisableTraceExport = v == "true" || v == "1"
	}
}

// Validate checks the invariants NewConfig can't fix by itself. It runs
// once, at construction, and returns an error rather than panicking.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("config: service name must not be empty")
	}
	if len(c.Discovery.Roots) == 0 {
		return fmt.Errorf("config: at least one discovery root is required")
	}
	if c.ConvState.Backend != "redis" {
		return fmt.Errorf("config: conv_state.backend must be %q, got %q", "redis", c.ConvState.Backend)
	}
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("config: scheduler.worker_count must be positive")
	}
	return nil
}

// NewConfig builds a Config by layering defaults, environment variables,
// then opts (in order), and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := defaultConfig()
	c.loadFromEnv()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

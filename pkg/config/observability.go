package config

import "fmt"

// ObservabilityConfig controls tracing and metrics export. Disabled means
// noop providers; the request path carries no conditional instrumentation.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// ServiceName labels exported spans.
	ServiceName string `yaml:"service_name,omitempty"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables transport security toward the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate in [0,1]; 1 traces everything.
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// Stdout swaps the OTLP exporter for a stdout pretty-printer.
	Stdout bool `yaml:"stdout,omitempty"`
}

// MetricsConfig configures the Prometheus bridge.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Addr is the listen address for the /metrics endpoint.
	Addr string `yaml:"addr,omitempty"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relator"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
}

func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	if c.Tracing.Enabled && !c.Tracing.Stdout && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing enabled but no endpoint configured")
	}
	return nil
}

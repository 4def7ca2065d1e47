// Package otel provides OpenTelemetry tracing for shieldclaw.
// Disabled by default; enabled via the otel config block.
package otel

import (
	"errors"
)

// Protocol constants for OTLP exporters.
const (
	ProtocolHTTP = "otlphttp"
	ProtocolGRPC = "otlpgrpc"
)

// Config holds OTel initialization options.
type Config struct {
	Enabled        bool    `yaml:"enabled"      json:"enabled"`
	Endpoint       string  `yaml:"endpoint"     json:"endpoint"`     // e.g. "localhost:4318"
	Protocol       string  `yaml:"protocol"     json:"protocol"`     // "otlphttp" or "otlpgrpc"
	Insecure       bool    `yaml:"insecure"     json:"insecure"`     // no TLS
	SampleRatio    float64 `yaml:"sample_ratio" json:"sample_ratio"` // 0..1
	ServiceName    string  `yaml:"-"            json:"-"`
	ServiceVersion string  `yaml:"-"            json:"-"`
}

// DefaultConfig returns a Config with tracing disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Protocol:    ProtocolHTTP,
		ServiceName: "shieldclaw",
		SampleRatio: 1.0,
	}
}

// Validate checks that the configuration is valid when OTel is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return errors.New("otel: protocol must be 'otlphttp' or 'otlpgrpc'")
	}

	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("otel: sample_ratio must be between 0 and 1")
	}

	return nil
}

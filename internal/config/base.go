package config

import (
	"os"

	"github.com/gezibash/git-lfs-walrus/internal/observability"
)

// BaseConfig contains the fields every command shares. Command configs embed
// it with mapstructure:",squash".
type BaseConfig struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// ObsConfig converts to the observability package's settings.
func (c BaseConfig) ObsConfig() observability.ObsConfig {
	o := c.Observability
	return observability.ObsConfig{
		LogLevel:       o.LogLevel,
		LogFormat:      o.LogFormat,
		OTLPEndpoint:   o.OTLPEndpoint,
		OTLPProtocol:   o.OTLPProtocol,
		ServiceName:    o.ServiceName,
		ServiceVersion: o.ServiceVersion,
	}
}

// ResolvedWalrusPath returns the walrus binary, checking config > WALRUS_CLI_PATH env > default.
func (c Config) ResolvedWalrusPath() string {
	if c.WalrusPath != "" {
		return c.WalrusPath
	}
	if p := os.Getenv(EnvWalrusPath); p != "" {
		return p
	}
	return Defaults.WalrusPath
}

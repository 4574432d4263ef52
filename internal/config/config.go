package config

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
)

// Config is the full configuration of the extension.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Backend       string            `mapstructure:"backend"`
	BackendConfig map[string]string `mapstructure:"backend_config"`
	WalrusPath    string            `mapstructure:"walrus_path"`

	DefaultEpochs   uint64        `mapstructure:"default_epochs"`
	ExtendEpochs    uint64        `mapstructure:"extend_epochs"`
	ExpiryThreshold uint64        `mapstructure:"expiry_threshold"`
	Concurrency     int           `mapstructure:"concurrency"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	DownloadDir     string        `mapstructure:"download_dir"`

	Index  IndexConfig  `mapstructure:"index"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Smudge SmudgeConfig `mapstructure:"smudge"`
}

// IndexConfig selects the pointer index store.
type IndexConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

// RetryConfig is the retry policy for status queries.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// SmudgeConfig controls the smudge filter.
type SmudgeConfig struct {
	PassthroughInvalid bool `mapstructure:"passthrough_invalid"`
}

// Validate checks the settings every command depends on. Rules that only
// matter to reconciliation, such as extend_epochs against expiry_threshold,
// are checked by reconcile.New so they never block the filters.
func (c Config) Validate() error {
	switch {
	case c.Backend == "":
		return Errorf("backend", "", "must be set")
	case c.DefaultEpochs == 0:
		return Errorf("default_epochs", "0", "must be positive")
	case c.Concurrency < 1:
		return Errorf("concurrency", strconv.Itoa(c.Concurrency), "must be at least 1")
	case c.BackendTimeout < 0:
		return Errorf("backend_timeout", c.BackendTimeout.String(), "must not be negative")
	case c.Retry.MaxAttempts < 1:
		return Errorf("retry.max_attempts", strconv.Itoa(c.Retry.MaxAttempts), "must be at least 1")
	}
	switch c.Observability.LogFormat {
	case "", "text", "json":
	default:
		return Errorf("observability.log_format", c.Observability.LogFormat, "must be text or json")
	}
	switch c.Observability.OTLPProtocol {
	case "", "http", "grpc":
	default:
		return Errorf("observability.otlp_protocol", c.Observability.OTLPProtocol, "must be http or grpc")
	}
	return nil
}

// BackendOptions returns the option map passed to the backend factory. The
// walrus backend also receives the resolved binary path.
func (c Config) BackendOptions() map[string]string {
	opts := make(map[string]string, len(c.BackendConfig)+1)
	maps.Copy(opts, c.BackendConfig)
	if c.Backend == "walrus" {
		if _, ok := opts["walrus_path"]; !ok {
			opts["walrus_path"] = c.ResolvedWalrusPath()
		}
	}
	return opts
}

// IndexOptions returns the option map passed to the index factory.
func (c Config) IndexOptions() map[string]string {
	return maps.Clone(c.Index.Config)
}

// RetryPolicy converts the retry settings.
func (c Config) RetryPolicy() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// String renders the settings that matter when reading logs.
func (c Config) String() string {
	return fmt.Sprintf("backend=%s index=%s default_epochs=%d extend_epochs=%d expiry_threshold=%d concurrency=%d",
		c.Backend, c.Index.Backend, c.DefaultEpochs, c.ExtendEpochs, c.ExpiryThreshold, c.Concurrency)
}

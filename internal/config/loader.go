package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SetDefaults configures the built-in defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("observability.log_level", Common.LogLevel)
	v.SetDefault("observability.log_format", Common.LogFormat)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", Common.OTLPProtocol)
	v.SetDefault("observability.service_name", Common.ServiceName)
	v.SetDefault("observability.service_version", Common.ServiceVersion)

	v.SetDefault("backend", Defaults.Backend)
	v.SetDefault("walrus_path", "")
	v.SetDefault("default_epochs", Defaults.DefaultEpochs)
	v.SetDefault("extend_epochs", Defaults.ExtendEpochs)
	v.SetDefault("expiry_threshold", Defaults.ExpiryThreshold)
	v.SetDefault("concurrency", Defaults.Concurrency)
	v.SetDefault("backend_timeout", Defaults.BackendTimeout)
	v.SetDefault("download_dir", "")

	v.SetDefault("index.backend", Defaults.IndexBackend)

	v.SetDefault("retry.max_attempts", Defaults.RetryAttempts)
	v.SetDefault("retry.initial_interval", Defaults.RetryInitial)
	v.SetDefault("retry.max_interval", Defaults.RetryMax)

	v.SetDefault("smudge.passthrough_invalid", false)
}

// gitKeys maps lfs.walrus.<name> git config entries to config keys.
var gitKeys = map[string]string{
	"backend":            "backend",
	"path":               "walrus_path",
	"defaultepochs":      "default_epochs",
	"extendepochs":       "extend_epochs",
	"expirythreshold":    "expiry_threshold",
	"concurrency":        "concurrency",
	"timeout":            "backend_timeout",
	"downloaddir":        "download_dir",
	"index":              "index.backend",
	"passthroughinvalid": "smudge.passthrough_invalid",
}

// ApplyGitConfig layers lfs.walrus.* git config values, keyed by lowercase
// subkey, over the built-in defaults. Flags, environment and config files
// still take precedence. Unknown subkeys are returned so the caller can warn.
func ApplyGitConfig(v *viper.Viper, values map[string]string) (unknown []string) {
	for name, value := range values {
		key, ok := gitKeys[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		v.SetDefault(key, value)
	}
	return unknown
}

// BindCommonFlags binds the flags every command accepts.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("backend", "", "blob backend (walrus, memory, badger, fs, s3)")
	f.String("walrus-path", "", "path to the walrus binary (default $WALRUS_CLI_PATH or walrus)")

	_ = v.BindPFlag("config_file", f.Lookup("config"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("backend", f.Lookup("backend"))
	_ = v.BindPFlag("walrus_path", f.Lookup("walrus-path"))
}

// BindTransferFlags binds flags for the long-running commands.
func BindTransferFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.Int("concurrency", 0, "maximum concurrent backend operations")
	f.Duration("timeout", 0, "per-call backend timeout")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("concurrency", f.Lookup("concurrency"))
	_ = v.BindPFlag("backend_timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file.
// The envPrefix is used for environment variable lookups (e.g., "GIT_LFS_WALRUS").
// The configPaths are directories to search for config files.
func Load(v *viper.Viper, envPrefix string, configFile string, configPaths ...string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		for _, p := range configPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK if not explicitly specified
	}

	return nil
}

// LoadInto loads config from flags/env/file and unmarshals into cfg. Call
// SetDefaults and ApplyGitConfig first.
func LoadInto(v *viper.Viper, envPrefix, configFile string, cfg any, paths ...string) error {
	if err := Load(v, envPrefix, configFile, paths...); err != nil {
		return err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

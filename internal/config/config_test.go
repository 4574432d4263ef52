package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func load(t *testing.T, v *viper.Viper, file string) Config {
	t.Helper()
	var cfg Config
	if err := LoadInto(v, EnvPrefix, file, &cfg, t.TempDir()); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	SetDefaults(v)
	cfg := load(t, v, "")

	if cfg.Backend != "walrus" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.DefaultEpochs != 50 || cfg.ExtendEpochs != 50 || cfg.ExpiryThreshold != 5 {
		t.Errorf("epochs = %d/%d/%d", cfg.DefaultEpochs, cfg.ExtendEpochs, cfg.ExpiryThreshold)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}
	if cfg.BackendTimeout != 10*time.Minute {
		t.Errorf("BackendTimeout = %v", cfg.BackendTimeout)
	}
	if cfg.Index.Backend != "sqlite" {
		t.Errorf("Index.Backend = %q", cfg.Index.Backend)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialInterval != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Observability.LogLevel != "info" || cfg.Observability.ServiceName != "git-lfs-walrus" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestPrecedence(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(file, []byte(`
concurrency: 4
default_epochs: 20
backend_config:
  bucket: from-file
index:
  backend: redis
  config:
    addr: localhost:6379
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIT_LFS_WALRUS_DEFAULT_EPOCHS", "30")

	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindCommonFlags(cmd, v)
	BindTransferFlags(cmd, v)
	if err := cmd.Flags().Parse([]string{"--backend", "s3"}); err != nil {
		t.Fatal(err)
	}
	SetDefaults(v)
	unknown := ApplyGitConfig(v, map[string]string{
		"backend":         "memory",
		"concurrency":     "2",
		"expirythreshold": "7",
		"bogus":           "x",
	})
	cfg := load(t, v, file)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats git config", cfg.Backend, "s3"},
		{"env beats file", cfg.DefaultEpochs, uint64(30)},
		{"file beats git config", cfg.Concurrency, 4},
		{"git config beats default", cfg.ExpiryThreshold, uint64(7)},
		{"default", cfg.ExtendEpochs, uint64(50)},
		{"backend map", cfg.BackendConfig["bucket"], "from-file"},
		{"index backend", cfg.Index.Backend, "redis"},
		{"index map", cfg.IndexOptions()["addr"], "localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if len(unknown) != 1 || unknown[0] != "bogus" {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestExplicitConfigFileMissing(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	err := LoadInto(v, EnvPrefix, filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	if err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"no backend", func(c *Config) { c.Backend = "" }, "backend"},
		{"zero epochs", func(c *Config) { c.DefaultEpochs = 0 }, "default_epochs"},
		{"no workers", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"negative timeout", func(c *Config) { c.BackendTimeout = -time.Second }, "backend_timeout"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "observability.log_format"},
		{"otlp protocol", func(c *Config) { c.Observability.OTLPProtocol = "udp" }, "observability.otlp_protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ce.Key != tt.key {
				t.Errorf("Key = %q, want %q", ce.Key, tt.key)
			}
		})
	}
}

func TestValidateLargeThreshold(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	SetDefaults(v)
	ApplyGitConfig(v, map[string]string{"expirythreshold": "100"})
	cfg := load(t, v, "")

	if cfg.ExpiryThreshold != 100 || cfg.ExtendEpochs != 50 {
		t.Fatalf("epochs = %d/%d", cfg.ExpiryThreshold, cfg.ExtendEpochs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("threshold above extend_epochs must not block other commands: %v", err)
	}
}

func TestBackendOptions(t *testing.T) {
	t.Run("walrus gets the resolved path", func(t *testing.T) {
		t.Setenv(EnvWalrusPath, "/opt/walrus")
		cfg := Config{Backend: "walrus", BackendConfig: map[string]string{"config_path": "/etc/w.yaml"}}
		opts := cfg.BackendOptions()
		if opts["walrus_path"] != "/opt/walrus" || opts["config_path"] != "/etc/w.yaml" {
			t.Errorf("opts = %v", opts)
		}
	})

	t.Run("explicit option wins", func(t *testing.T) {
		cfg := Config{Backend: "walrus", WalrusPath: "/a", BackendConfig: map[string]string{"walrus_path": "/b"}}
		if got := cfg.BackendOptions()["walrus_path"]; got != "/b" {
			t.Errorf("walrus_path = %q", got)
		}
	})

	t.Run("other backends untouched", func(t *testing.T) {
		cfg := Config{Backend: "fs", BackendConfig: map[string]string{"path": "/x"}}
		opts := cfg.BackendOptions()
		if _, ok := opts["walrus_path"]; ok || opts["path"] != "/x" {
			t.Errorf("opts = %v", opts)
		}
		opts["path"] = "/changed"
		if cfg.BackendConfig["path"] != "/x" {
			t.Error("BackendOptions must copy the map")
		}
	})
}

func TestResolvedWalrusPath(t *testing.T) {
	t.Run("config value", func(t *testing.T) {
		t.Setenv(EnvWalrusPath, "/env/walrus")
		if got := (Config{WalrusPath: "/cfg/walrus"}).ResolvedWalrusPath(); got != "/cfg/walrus" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("env", func(t *testing.T) {
		t.Setenv(EnvWalrusPath, "/env/walrus")
		if got := (Config{}).ResolvedWalrusPath(); got != "/env/walrus" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("default", func(t *testing.T) {
		t.Setenv(EnvWalrusPath, "")
		if got := (Config{}).ResolvedWalrusPath(); got != "walrus" {
			t.Errorf("got %q", got)
		}
	})
}

func TestErrorMessage(t *testing.T) {
	err := Errorf("concurrency", "0", "must be at least %d", 1)
	if got := err.Error(); got != `config concurrency="0": must be at least 1` {
		t.Errorf("Error() = %q", got)
	}
	if !IsError(err) {
		t.Error("IsError should match")
	}
}

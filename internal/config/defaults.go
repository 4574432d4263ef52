// Package config loads git-lfs-walrus settings from flags, environment,
// config files and git config.
package config

import (
	"time"
)

// EnvPrefix prefixes every environment variable, e.g. GIT_LFS_WALRUS_CONCURRENCY.
const EnvPrefix = "GIT_LFS_WALRUS"

// EnvWalrusPath names the walrus binary when walrus_path is unset.
const EnvWalrusPath = "WALRUS_CLI_PATH"

// Common contains defaults shared by every command.
var Common = struct {
	LogLevel       string
	LogFormat      string
	OTLPProtocol   string
	ServiceName    string
	ServiceVersion string
}{
	LogLevel:       "info",
	LogFormat:      "text",
	OTLPProtocol:   "http",
	ServiceName:    "git-lfs-walrus",
	ServiceVersion: "dev",
}

// Defaults contains the built-in values of the storage and transfer settings.
var Defaults = struct {
	Backend         string
	WalrusPath      string
	DefaultEpochs   uint64
	ExtendEpochs    uint64
	ExpiryThreshold uint64
	Concurrency     int
	BackendTimeout  time.Duration
	IndexBackend    string
	RetryAttempts   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
}{
	Backend:         "walrus",
	WalrusPath:      "walrus",
	DefaultEpochs:   50,
	ExtendEpochs:    50,
	ExpiryThreshold: 5,
	Concurrency:     8,
	BackendTimeout:  10 * time.Minute,
	IndexBackend:    "sqlite",
	RetryAttempts:   3,
	RetryInitial:    time.Second,
	RetryMax:        30 * time.Second,
}

// ConfigPaths returns the directories searched for a config file.
func ConfigPaths() []string {
	return []string{"$HOME/.config/git-lfs-walrus", "/etc/git-lfs-walrus"}
}

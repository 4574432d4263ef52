// Package memory provides an in-memory blob backend for tests and dry runs.
package memory

import (
	"context"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/badger"
)

func init() {
	backend.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	cfg := badger.Defaults()
	cfg[badger.KeyInMemory] = "true"
	return cfg
}

// NewFactory creates a new in-memory backend using BadgerDB's in-memory mode.
func NewFactory(ctx context.Context, config map[string]string) (backend.Backend, error) {
	config[badger.KeyInMemory] = "true"
	return badger.NewFactory(ctx, config)
}

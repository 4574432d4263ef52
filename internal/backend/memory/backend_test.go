package memory

import (
	"context"
	"testing"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/backendtest"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		// One epoch per century keeps the current epoch fixed for the run.
		b, err := backend.Open(context.Background(), "memory", map[string]string{
			lease.KeyEpochDuration: "876000h",
		})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestInMemoryForced(t *testing.T) {
	cfg := map[string]string{"in_memory": "false", "path": ""}
	b, err := NewFactory(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewFactory should ignore path when in memory: %v", err)
	}
	_ = b.Close()
}

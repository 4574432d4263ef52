package badger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/backendtest"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

func fixedSchedule(epoch uint64) lease.Schedule {
	now := lease.DefaultGenesis.Add(time.Duration(epoch)*time.Hour + time.Minute)
	return lease.Schedule{Genesis: lease.DefaultGenesis, EpochDuration: time.Hour, Now: func() time.Time { return now }}
}

func TestConformanceOnDisk(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		b, err := NewFactory(context.Background(), storage.MergeConfig(Defaults(), map[string]string{
			KeyPath:                t.TempDir(),
			lease.KeyEpochDuration: "876000h",
		}))
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestConformanceInMemory(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		store, err := newInMemory()
		if err != nil {
			t.Fatalf("newInMemory: %v", err)
		}
		b := lease.New(store, fixedSchedule(500))
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := storage.MergeConfig(Defaults(), map[string]string{KeyPath: dir, lease.KeyEpochDuration: "876000h"})
	ctx := context.Background()

	b, err := NewFactory(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	stored, err := b.Store(ctx, strings.NewReader("durable"), 9)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = NewFactory(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = b.Close() }()
	st, err := b.Status(ctx, stored.BlobID)
	if err != nil || st.ExpiryEpoch != stored.Epoch {
		t.Fatalf("status after reopen: %+v %v", st, err)
	}
}

func TestGitDirPath(t *testing.T) {
	gitDir := t.TempDir()
	b, err := NewFactory(context.Background(), storage.MergeConfig(Defaults(), map[string]string{
		storage.KeyGitDir: gitDir,
	}))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	_ = b.Close()
}

func TestClosedStore(t *testing.T) {
	store, err := newInMemory()
	if err != nil {
		t.Fatalf("newInMemory: %v", err)
	}
	_ = store.Close()
	_ = store.Close()
	if _, err := store.GetBlob(context.Background(), "x"); !errors.Is(err, pkgerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewFactoryConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
	}{
		{"bad in_memory", map[string]string{KeyInMemory: "maybe"}},
		{"empty path", map[string]string{KeyPath: ""}},
		{"bad sync", map[string]string{KeyPath: "", KeySyncWrites: "sometimes"}},
		{"bad epoch duration", map[string]string{lease.KeyEpochDuration: "-1h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p, ok := tt.cfg[KeyPath]; ok && p == "" && tt.name != "empty path" {
				tt.cfg[KeyPath] = t.TempDir()
			}
			_, err := NewFactory(context.Background(), tt.cfg)
			var ce *storage.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

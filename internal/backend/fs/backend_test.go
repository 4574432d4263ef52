package fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/backendtest"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

func newTestBackend(t *testing.T, extra map[string]string) (backend.Backend, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := storage.MergeConfig(Defaults(), map[string]string{
		KeyPath:                dir,
		lease.KeyEpochDuration: "876000h",
	})
	b, err := NewFactory(context.Background(), storage.MergeConfig(cfg, extra))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func blobPath(dir string, content []byte) string {
	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])
	return filepath.Join(dir, h[:2], h)
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		b, _ := newTestBackend(t, nil)
		return b
	})
}

func TestConformanceZstd(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		b, _ := newTestBackend(t, map[string]string{KeyCompression: "zstd", KeyCompressionLevel: "fastest"})
		return b
	})
}

func TestLayout(t *testing.T) {
	b, dir := newTestBackend(t, nil)
	content := []byte("layout")

	if _, err := b.Store(context.Background(), bytes.NewReader(content), 3); err != nil {
		t.Fatal(err)
	}
	path := blobPath(dir, content)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("blob file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("blob file content differs")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("file mode = %o", info.Mode().Perm())
	}
	if _, err := os.Stat(path + leaseSuffix); err != nil {
		t.Fatalf("lease sidecar: %v", err)
	}
}

func TestCompressedOnDisk(t *testing.T) {
	b, dir := newTestBackend(t, map[string]string{KeyCompression: "zstd"})
	content := []byte(strings.Repeat("compress me ", 1000))

	stored, err := b.Store(context.Background(), bytes.NewReader(content), 3)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(blobPath(dir, content) + compressedSuffix)
	if err != nil {
		t.Fatalf("compressed file: %v", err)
	}
	if info.Size() >= int64(len(content)) {
		t.Fatalf("expected compression, %d >= %d", info.Size(), len(content))
	}
	got, err := b.Fetch(context.Background(), stored.BlobID)
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestReadsAcrossCompressionSettings(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	base := storage.MergeConfig(Defaults(), map[string]string{KeyPath: dir, lease.KeyEpochDuration: "876000h"})

	zb, err := NewFactory(ctx, storage.MergeConfig(base, map[string]string{KeyCompression: "zstd"}))
	if err != nil {
		t.Fatal(err)
	}
	stored, err := zb.Store(ctx, strings.NewReader("switch"), 2)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := NewFactory(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	got, err := plain.Fetch(ctx, stored.BlobID)
	if err != nil || string(got) != "switch" {
		t.Fatalf("Fetch: %q %v", got, err)
	}
}

func TestCorruptFileDetected(t *testing.T) {
	b, dir := newTestBackend(t, nil)
	content := []byte("original bytes")
	stored, err := b.Store(context.Background(), bytes.NewReader(content), 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blobPath(dir, content), []byte("original bytez"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Fetch(context.Background(), stored.BlobID); backend.KindOf(err) != backend.CorruptResponse {
		t.Fatalf("expected CorruptResponse, got %v", err)
	}
}

func TestMalformedIDNotFound(t *testing.T) {
	store, err := NewStore(map[string]string{KeyPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBlob(context.Background(), "../../etc/passwd"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
	}{
		{"empty path", map[string]string{KeyPath: ""}},
		{"bad dir perms", map[string]string{KeyDirPermissions: "rwx"}},
		{"bad compression", map[string]string{KeyCompression: "gzip"}},
		{"bad level", map[string]string{KeyCompression: "zstd", KeyCompressionLevel: "ultra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := map[string]string{KeyPath: t.TempDir()}
			for k, v := range tt.cfg {
				cfg[k] = v
			}
			_, err := NewStore(cfg)
			var ce *storage.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

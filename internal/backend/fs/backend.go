// Package fs provides a filesystem blob backend with emulated epochs.
//
// Blobs live at <path>/<hex[:2]>/<hex>, where hex is the hex form of the
// blob id's digest, with a ".zst" suffix when compressed. Each blob has a JSON
// lease sidecar next to it.
package fs

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const (
	KeyPath             = "path"
	KeyDirPermissions   = "dir_permissions"
	KeyFilePermissions  = "file_permissions"
	KeyCompression      = "compression"
	KeyCompressionLevel = "compression_level"
)

const (
	compressedSuffix = ".zst"
	leaseSuffix      = ".lease"
)

func init() {
	backend.Register("fs", NewFactory, Defaults)
}

// Defaults returns the default configuration for the filesystem backend.
func Defaults() map[string]string {
	return storage.MergeConfig(lease.Defaults(), map[string]string{
		KeyPath:             storage.GitDirPlaceholder + "/lfs/walrus/fs",
		KeyDirPermissions:   "0700",
		KeyFilePermissions:  "0600",
		KeyCompression:      "none",
		KeyCompressionLevel: "default",
	})
}

// NewFactory creates a new filesystem backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (backend.Backend, error) {
	schedule, err := lease.ScheduleFromConfig("fs", config)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(config)
	if err != nil {
		return nil, err
	}
	return lease.New(store, schedule, lease.WithSpoolDir(store.tmpDir())), nil
}

// NewStore opens the physical store described by config.
func NewStore(config map[string]string) (*Store, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("fs", KeyPath, "cannot be empty")
	}
	path = storage.ExpandGitDir(path, config[storage.KeyGitDir])

	dirPerms, err := storage.GetFileMode(config, KeyDirPermissions, 0o700)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("fs", KeyDirPermissions, config[KeyDirPermissions], "must be an octal permission string (e.g. 0700)")
	}

	filePerms, err := storage.GetFileMode(config, KeyFilePermissions, 0o600)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("fs", KeyFilePermissions, config[KeyFilePermissions], "must be an octal permission string (e.g. 0600)")
	}

	var level zstd.EncoderLevel
	switch c := storage.GetString(config, KeyCompression, "none"); c {
	case "none":
	case "zstd":
		ok, l := zstd.EncoderLevelFromString(storage.GetString(config, KeyCompressionLevel, "default"))
		if !ok {
			return nil, storage.NewConfigErrorWithValue("fs", KeyCompressionLevel, config[KeyCompressionLevel], "must be fastest, default, better or best")
		}
		level = l
	default:
		return nil, storage.NewConfigErrorWithValue("fs", KeyCompression, c, "must be none or zstd")
	}

	if err := os.MkdirAll(filepath.Join(path, ".tmp"), dirPerms); err != nil {
		return nil, storage.NewConfigErrorWithCause("fs", KeyPath, "failed to create directory", err)
	}

	slog.Debug("fs backend initialized", "path", path, "compression", config[KeyCompression],
		"dir_permissions", fmt.Sprintf("%04o", dirPerms), "file_permissions", fmt.Sprintf("%04o", filePerms))

	return &Store{
		rootPath:  path,
		dirPerms:  dirPerms,
		filePerms: filePerms,
		zstdLevel: level,
	}, nil
}

// Store is a filesystem implementation of lease.Store.
type Store struct {
	rootPath  string
	dirPerms  os.FileMode
	filePerms os.FileMode
	// zstdLevel is zero when compression is off.
	zstdLevel zstd.EncoderLevel
	closed    atomic.Bool
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.rootPath, ".tmp")
}

// basePath maps a blob id to its file path without suffix. Ids that are not
// base64url sha256 digests cannot exist here.
func (s *Store) basePath(blobID string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(blobID)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	h := hex.EncodeToString(raw)
	return filepath.Join(s.rootPath, h[:2], h), true
}

// PutBlob writes blob content using atomic rename.
func (s *Store) PutBlob(_ context.Context, blobID string, r io.Reader, _ int64) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	base, ok := s.basePath(blobID)
	if !ok {
		return fmt.Errorf("fs put: %w: malformed blob id %q", pkgerrors.ErrInvalidInput, blobID)
	}

	path := base
	if s.zstdLevel != 0 {
		path += compressedSuffix
	}
	err := s.writeAtomic(path, func(w io.Writer) error {
		if s.zstdLevel == 0 {
			_, err := io.Copy(w, r)
			return err
		}
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(s.zstdLevel))
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, r); err != nil {
			_ = enc.Close()
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("fs put: %w", err)
	}

	// A blob stored under the other compression setting is now stale.
	other := base + compressedSuffix
	if s.zstdLevel != 0 {
		other = base
	}
	_ = os.Remove(other)
	return nil
}

// GetBlob reads blob content, transparently decompressing.
func (s *Store) GetBlob(_ context.Context, blobID string) ([]byte, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}
	base, ok := s.basePath(blobID)
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}

	data, err := os.ReadFile(base)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fs get: %w", err)
	}

	f, err := os.Open(base + compressedSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, fmt.Errorf("fs get: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("fs get: %w: %v", pkgerrors.ErrCorrupt, err)
	}
	defer dec.Close()
	data, err = io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("fs get: %w: %v", pkgerrors.ErrCorrupt, err)
	}
	return data, nil
}

// GetLease reads a blob's lease sidecar.
func (s *Store) GetLease(_ context.Context, blobID string) (lease.Record, error) {
	if s.closed.Load() {
		return lease.Record{}, pkgerrors.ErrClosed
	}
	base, ok := s.basePath(blobID)
	if !ok {
		return lease.Record{}, pkgerrors.ErrNotFound
	}
	data, err := os.ReadFile(base + leaseSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return lease.Record{}, pkgerrors.ErrNotFound
		}
		return lease.Record{}, fmt.Errorf("fs get lease: %w", err)
	}
	rec, err := lease.Unmarshal(data)
	if err != nil {
		return lease.Record{}, fmt.Errorf("fs get lease: %w: %v", pkgerrors.ErrCorrupt, err)
	}
	return rec, nil
}

// PutLease writes a blob's lease sidecar.
func (s *Store) PutLease(_ context.Context, rec lease.Record) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	base, ok := s.basePath(rec.BlobID)
	if !ok {
		return fmt.Errorf("fs put lease: %w: malformed blob id %q", pkgerrors.ErrInvalidInput, rec.BlobID)
	}
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("fs put lease: %w", err)
	}
	err = s.writeAtomic(base+leaseSuffix, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("fs put lease: %w", err)
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerms); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	writeErr := write(tmp)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return closeErr
	}

	if err := os.Chmod(tmpName, s.filePerms); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

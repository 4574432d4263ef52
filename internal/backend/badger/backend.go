// Package badger provides a BadgerDB-backed blob backend with emulated epochs.
package badger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const (
	blobPrefix  = "blob/"
	leasePrefix = "lease/"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	backend.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return storage.MergeConfig(lease.Defaults(), map[string]string{
		KeyPath:             storage.GitDirPlaceholder + "/lfs/walrus/badger",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.FormatInt(1<<30, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	})
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (backend.Backend, error) {
	schedule, err := lease.ScheduleFromConfig("badger", config)
	if err != nil {
		return nil, err
	}

	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}

	if inMemory {
		store, err := newInMemory()
		if err != nil {
			return nil, err
		}
		return lease.New(store, schedule), nil
	}

	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = storage.ExpandGitDir(path, config[storage.KeyGitDir])

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeySyncWrites, config[KeySyncWrites], err.Error())
	}

	valueLogFileSize, err := storage.GetInt64(config, KeyValueLogFileSize, 1<<30)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyValueLogFileSize, config[KeyValueLogFileSize], err.Error())
	}

	memTableSize, err := storage.GetInt64(config, KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyMemTableSize, config[KeyMemTableSize], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}
	if memTableSize > 0 {
		opts.MemTableSize = memTableSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Debug("badger backend initialized", "path", path, "sync_writes", syncWrites)
	return lease.New(NewWithDB(db), schedule), nil
}

func newInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
	}

	slog.Debug("badger backend initialized (in-memory)")
	return NewWithDB(db), nil
}

// Store is a BadgerDB implementation of lease.Store.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a store over an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// PutBlob stores blob content under its id.
func (s *Store) PutBlob(_ context.Context, blobID string, r io.Reader, _ int64) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("badger put: read content: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+blobID), data)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// GetBlob retrieves blob content by id.
func (s *Store) GetBlob(_ context.Context, blobID string) ([]byte, error) {
	data, err := s.get(blobPrefix + blobID)
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

// GetLease retrieves the lease record for a blob.
func (s *Store) GetLease(_ context.Context, blobID string) (lease.Record, error) {
	data, err := s.get(leasePrefix + blobID)
	if err != nil {
		return lease.Record{}, fmt.Errorf("badger get lease: %w", err)
	}
	rec, err := lease.Unmarshal(data)
	if err != nil {
		return lease.Record{}, fmt.Errorf("badger get lease: %w: %v", pkgerrors.ErrCorrupt, err)
	}
	return rec, nil
}

// PutLease writes a lease record.
func (s *Store) PutLease(_ context.Context, rec lease.Record) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("badger put lease: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(leasePrefix+rec.BlobID), data)
	})
	if err != nil {
		return fmt.Errorf("badger put lease: %w", err)
	}
	return nil
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

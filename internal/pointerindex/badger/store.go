// Package badger provides a BadgerDB-backed pointer index.
//
// Entries are JSON records at ptr/<oid>. Badger iterates keys in byte order,
// so List is a prefix scan with a seek to the cursor.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const prefixEntry = "ptr/"

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyInMemory         = "in_memory"
)

func init() {
	pointerindex.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB store.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             storage.GitDirPlaceholder + "/lfs/walrus/index-badger",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: "67108864",
		KeyInMemory:         "false",
	}
}

// NewFactory creates a new BadgerDB store from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (pointerindex.Store, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}
	if inMemory {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
		}
		return NewWithDB(db), nil
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
	valueLogFileSize, err := storage.GetInt64(config, KeyValueLogFileSize, 64<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyValueLogFileSize, config[KeyValueLogFileSize], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}
	slog.Debug("badger pointer index initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

// Store is a BadgerDB implementation of pointerindex.Store.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a store over an open database.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

func entryKey(oid string) []byte { return []byte(prefixEntry + oid) }

// Put stores an entry.
func (s *Store) Put(ctx context.Context, e pointerindex.Entry) error {
	return s.PutBatch(ctx, []pointerindex.Entry{e})
}

// PutBatch stores entries with a write batch, which splits transactions
// that would exceed badger's size limits.
func (s *Store) PutBatch(_ context.Context, entries []pointerindex.Entry) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	for _, e := range entries {
		if err := pointerindex.Validate(e); err != nil {
			return err
		}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		data, err := json.Marshal(pointerindex.ToRecord(e))
		if err != nil {
			return fmt.Errorf("badger put: %w", err)
		}
		if err := wb.Set(entryKey(e.OID()), data); err != nil {
			return fmt.Errorf("badger put: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Get retrieves an entry by oid.
func (s *Store) Get(_ context.Context, oid string) (pointerindex.Entry, error) {
	if s.closed.Load() {
		return pointerindex.Entry{}, pkgerrors.ErrClosed
	}
	var e pointerindex.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(oid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return pkgerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, err = decode(oid, val)
			return err
		})
	})
	if err != nil {
		return pointerindex.Entry{}, wrap("get", err)
	}
	return e, nil
}

// Delete removes an entry. Deleting a missing oid is not an error.
func (s *Store) Delete(_ context.Context, oid string) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(oid))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// List returns entries in ascending oid order.
func (s *Store) List(ctx context.Context, opts pointerindex.ListOptions) ([]pointerindex.Entry, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}

	scan := []byte(prefixEntry + opts.Prefix)
	seek := scan
	if opts.After != "" && opts.After >= opts.Prefix {
		// Smallest key strictly greater than After.
		seek = append(entryKey(opts.After), 0)
	}

	var out []pointerindex.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scan, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(scan); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			oid := strings.TrimPrefix(string(item.Key()), prefixEntry)
			err := item.Value(func(val []byte) error {
				e, err := decode(oid, val)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
			if opts.Limit > 0 && len(out) == opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list", err)
	}
	return out, nil
}

// Count returns the number of entries.
func (s *Store) Count(_ context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, pkgerrors.ErrClosed
	}
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEntry)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func wrap(op string, err error) error {
	if errors.Is(err, pkgerrors.ErrNotFound) || errors.Is(err, pkgerrors.ErrCorrupt) {
		return err
	}
	return fmt.Errorf("badger %s: %w", op, err)
}

func decode(oid string, data []byte) (pointerindex.Entry, error) {
	var rec pointerindex.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return pointerindex.Entry{}, fmt.Errorf("badger entry %s: %w: %v", oid, pkgerrors.ErrCorrupt, err)
	}
	e, err := pointerindex.FromRecord(rec)
	if err != nil {
		return pointerindex.Entry{}, fmt.Errorf("badger entry %s: %w: %v", oid, pkgerrors.ErrCorrupt, err)
	}
	return e, nil
}

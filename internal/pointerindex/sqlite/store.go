// Package sqlite provides a SQLite-backed pointer index, the default index
// kept under the repository's git directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	pointerindex.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite store.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        storage.GitDirPlaceholder + "/lfs/walrus/index.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-16000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS pointers (
    oid         TEXT PRIMARY KEY,
    pointer     TEXT NOT NULL,
    blob_id     TEXT NOT NULL,
    epoch       INTEGER NOT NULL,
    size        INTEGER NOT NULL,
    path        TEXT NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pointers_blob ON pointers(blob_id);
CREATE INDEX IF NOT EXISTS idx_pointers_epoch ON pointers(epoch);
`

// NewFactory creates a new SQLite store from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (pointerindex.Store, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandGitDir(path, config[storage.KeyGitDir])

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := storage.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("sqlite", KeyBusyTimeout, config[KeyBusyTimeout], err.Error())
	}
	cacheSize, err := storage.GetInt(config, KeyCacheSize, -16000)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("sqlite", KeyCacheSize, config[KeyCacheSize], err.Error())
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Debug("sqlite pointer index initialized", "path", path, "journal_mode", journalMode)
	return &Store{db: db}, nil
}

// Store is a SQLite implementation of pointerindex.Store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Put stores an entry.
func (s *Store) Put(ctx context.Context, e pointerindex.Entry) error {
	return s.PutBatch(ctx, []pointerindex.Entry{e})
}

// PutBatch stores multiple entries in a single transaction.
func (s *Store) PutBatch(ctx context.Context, entries []pointerindex.Entry) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	for _, e := range entries {
		if err := pointerindex.Validate(e); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite put: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO pointers (oid, pointer, blob_id, epoch, size, path, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite put: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		p := e.Pointer
		if _, err := stmt.ExecContext(ctx,
			p.OID, string(pointer.Encode(p)), p.BlobID, int64(p.Epoch), p.Size, e.Path, e.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("sqlite put %s: %w", p.OID, err)
		}
	}
	return tx.Commit()
}

// Get retrieves an entry by oid.
func (s *Store) Get(ctx context.Context, oid string) (pointerindex.Entry, error) {
	if s.closed.Load() {
		return pointerindex.Entry{}, pkgerrors.ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT oid, pointer, path, updated_at FROM pointers WHERE oid = ?`, oid)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pointerindex.Entry{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return pointerindex.Entry{}, fmt.Errorf("sqlite get: %w", err)
	}
	return e, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, oid string) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pointers WHERE oid = ?`, oid); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// List returns entries in ascending oid order.
func (s *Store) List(ctx context.Context, opts pointerindex.ListOptions) ([]pointerindex.Entry, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}

	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT oid, pointer, path, updated_at FROM pointers
		 WHERE oid > ? AND substr(oid, 1, ?) = ?
		 ORDER BY oid LIMIT ?`,
		opts.After, len(opts.Prefix), opts.Prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []pointerindex.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	return out, nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, pkgerrors.ErrClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pointers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (pointerindex.Entry, error) {
	var oid, text, path string
	var updated int64
	if err := sc.Scan(&oid, &text, &path, &updated); err != nil {
		return pointerindex.Entry{}, err
	}
	p, err := pointer.Decode([]byte(text))
	if err != nil {
		return pointerindex.Entry{}, fmt.Errorf("entry %s: %w: %v", oid, pkgerrors.ErrCorrupt, err)
	}
	return pointerindex.Entry{Pointer: p, Path: path, UpdatedAt: time.Unix(0, updated).UTC()}, nil
}

package lease

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Store is the physical layer a local backend provides. Blobs and leases are
// keyed by blob id. Missing entries are reported with pkg/errors.ErrNotFound.
// All implementations must be thread-safe.
type Store interface {
	PutBlob(ctx context.Context, blobID string, r io.Reader, size int64) error
	GetBlob(ctx context.Context, blobID string) ([]byte, error)
	GetLease(ctx context.Context, blobID string) (Record, error)
	PutLease(ctx context.Context, rec Record) error
	Close() error
}

// Backend implements backend.Backend over a Store with emulated epochs.
type Backend struct {
	store    Store
	schedule Schedule
	spoolDir string

	// mu serializes lease read-modify-write so concurrent stores of one
	// content never lower each other's end epoch.
	mu sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithSpoolDir sets where non-seekable Store input is buffered.
func WithSpoolDir(dir string) Option {
	return func(b *Backend) { b.spoolDir = dir }
}

// New returns a Backend over store.
func New(store Store, schedule Schedule, opts ...Option) *Backend {
	b := &Backend{store: store, schedule: schedule}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CurrentEpoch returns the schedule's current epoch.
func (b *Backend) CurrentEpoch() uint64 {
	return b.schedule.Current()
}

func (b *Backend) Store(ctx context.Context, r io.Reader, epochs uint64) (backend.Stored, error) {
	if err := ctx.Err(); err != nil {
		return backend.Stored{}, backend.NewError("store", "", backend.KindOf(err), err)
	}

	content, sum, size, cleanup, err := b.digest(r)
	if err != nil {
		return backend.Stored{}, backend.NewError("store", "", backend.Failure, err)
	}
	defer cleanup()

	id := BlobID(sum)
	current := b.schedule.Current()
	end := current + epochs

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.store.GetLease(ctx, id)
	switch {
	case err == nil && rec.Live(current):
		if end > rec.EndEpoch {
			rec.EndEpoch = end
			if err := b.store.PutLease(ctx, rec); err != nil {
				return backend.Stored{}, backend.NewError("store", id, backend.KindOf(err), err)
			}
		}
		return backend.Stored{BlobID: id, Epoch: rec.EndEpoch, Size: size, AlreadyCertified: true}, nil
	case err != nil && !errors.Is(err, pkgerrors.ErrNotFound):
		return backend.Stored{}, backend.NewError("store", id, backend.KindOf(err), err)
	}

	if err := b.store.PutBlob(ctx, id, content, size); err != nil {
		return backend.Stored{}, backend.NewError("store", id, backend.KindOf(err), err)
	}
	rec = Record{BlobID: id, Size: size, StartEpoch: current, EndEpoch: end, StoredAt: time.Now().UTC()}
	if err := b.store.PutLease(ctx, rec); err != nil {
		return backend.Stored{}, backend.NewError("store", id, backend.KindOf(err), err)
	}
	return backend.Stored{BlobID: id, Epoch: end, Size: size}, nil
}

func (b *Backend) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	if _, err := b.liveLease(ctx, "fetch", blobID); err != nil {
		return nil, err
	}
	data, err := b.store.GetBlob(ctx, blobID)
	if err != nil {
		return nil, backend.NewError("fetch", blobID, backend.KindOf(err), err)
	}
	if BlobID(sha256.Sum256(data)) != blobID {
		return nil, backend.Errorf("fetch", blobID, backend.CorruptResponse, "stored content does not hash to its blob id")
	}
	return data, nil
}

func (b *Backend) Status(ctx context.Context, blobID string) (backend.Status, error) {
	rec, err := b.liveLease(ctx, "status", blobID)
	if err != nil {
		return backend.Status{}, err
	}
	return backend.Status{
		BlobID:       blobID,
		CurrentEpoch: b.schedule.Current(),
		ExpiryEpoch:  rec.EndEpoch,
		Exists:       true,
	}, nil
}

func (b *Backend) Extend(ctx context.Context, blobID string, epochs uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.liveLease(ctx, "extend", blobID)
	if err != nil {
		return 0, err
	}
	rec.EndEpoch += epochs
	if err := b.store.PutLease(ctx, rec); err != nil {
		return 0, backend.NewError("extend", blobID, backend.KindOf(err), err)
	}
	return rec.EndEpoch, nil
}

func (b *Backend) Close() error {
	return b.store.Close()
}

func (b *Backend) liveLease(ctx context.Context, op, blobID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, backend.NewError(op, blobID, backend.KindOf(err), err)
	}
	rec, err := b.store.GetLease(ctx, blobID)
	if err != nil {
		return Record{}, backend.NewError(op, blobID, backend.KindOf(err), err)
	}
	if current := b.schedule.Current(); !rec.Live(current) {
		return Record{}, backend.Errorf(op, blobID, backend.NotFound, "lease ended at epoch %d (current %d)", rec.EndEpoch, current)
	}
	return rec, nil
}

// digest hashes r and returns a reader positioned at its start. Seekable
// input is hashed in place; anything else is spooled to a temp file.
func (b *Backend) digest(r io.Reader) (io.Reader, [sha256.Size]byte, int64, func(), error) {
	var sum [sha256.Size]byte
	noop := func() {}

	if rs, ok := seekable(r); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			h := sha256.New()
			n, err := io.Copy(h, rs)
			if err != nil {
				return nil, sum, 0, noop, fmt.Errorf("hash content: %w", err)
			}
			if _, err := rs.Seek(start, io.SeekStart); err != nil {
				return nil, sum, 0, noop, fmt.Errorf("rewind content: %w", err)
			}
			copy(sum[:], h.Sum(nil))
			return rs, sum, n, noop, nil
		}
	}

	spool, err := backend.NewSpool(r, b.spoolDir)
	if err != nil {
		return nil, sum, 0, noop, err
	}
	f, err := spool.File()
	if err != nil {
		_ = spool.Close()
		return nil, sum, 0, noop, err
	}
	return f, spool.Sum, spool.Size, func() { _ = spool.Close() }, nil
}

// seekable accepts in-memory readers and regular files. Pipes such as stdin
// are *os.File too but fail the Seek probe in digest.
func seekable(r io.Reader) (io.ReadSeeker, bool) {
	switch v := r.(type) {
	case *bytes.Reader:
		return v, true
	case *os.File:
		return v, true
	}
	return nil, false
}

// Package backendtest provides an in-process fake Backend with failure and
// latency hooks, and a conformance suite every Backend implementation runs.
package backendtest

import (
	"context"
	"crypto/sha256"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
)

// Fake is a map-backed Backend. Blob ids are "B1", "B2", ... in store order,
// stable per content. The zero value is not usable; call NewFake.
type Fake struct {
	mu        sync.Mutex
	blobs     map[string]*fakeBlob
	byContent map[[sha256.Size]byte]string
	current   uint64
	next      int
	closed    bool

	// Latency, when set, delays every call by the returned duration.
	Latency func() time.Duration
	// Hooks, when set, run before the call; a non-nil error fails it.
	StoreHook  func() error
	FetchHook  func(blobID string) error
	StatusHook func(blobID string) error
	ExtendHook func(blobID string) error

	Stores   atomic.Int64
	Fetches  atomic.Int64
	Statuses atomic.Int64
	Extends  atomic.Int64
}

type fakeBlob struct {
	data   []byte
	expiry uint64
}

// NewFake returns an empty fake at the given current epoch.
func NewFake(current uint64) *Fake {
	return &Fake{
		blobs:     make(map[string]*fakeBlob),
		byContent: make(map[[sha256.Size]byte]string),
		current:   current,
	}
}

// SetCurrentEpoch moves the fake's clock.
func (f *Fake) SetCurrentEpoch(e uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = e
}

// CurrentEpoch returns the fake's current epoch.
func (f *Fake) CurrentEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Put seeds a blob under an explicit id.
func (f *Fake) Put(blobID string, data []byte, expiry uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[blobID] = &fakeBlob{data: append([]byte(nil), data...), expiry: expiry}
	f.byContent[sha256.Sum256(data)] = blobID
}

// Corrupt replaces a stored blob's bytes without changing its id.
func (f *Fake) Corrupt(blobID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blobs[blobID]; ok {
		b.data = append([]byte(nil), data...)
	}
}

// Remove forgets a blob as if it had expired and been collected.
func (f *Fake) Remove(blobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, blobID)
}

// Expiry returns a blob's end epoch and whether it is known.
func (f *Fake) Expiry(blobID string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[blobID]
	if !ok {
		return 0, false
	}
	return b.expiry, true
}

func (f *Fake) Store(ctx context.Context, r io.Reader, epochs uint64) (backend.Stored, error) {
	f.Stores.Add(1)
	if err := f.wait(ctx); err != nil {
		return backend.Stored{}, err
	}
	if f.StoreHook != nil {
		if err := f.StoreHook(); err != nil {
			return backend.Stored{}, err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.Stored{}, backend.NewError("store", "", backend.Failure, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return backend.Stored{}, backend.Errorf("store", "", backend.Failure, "backend closed")
	}

	sum := sha256.Sum256(data)
	end := f.current + epochs
	if id, ok := f.byContent[sum]; ok {
		if b, live := f.blobs[id]; live && b.expiry > f.current {
			if end > b.expiry {
				b.expiry = end
			}
			return backend.Stored{BlobID: id, Epoch: b.expiry, Size: int64(len(data)), AlreadyCertified: true}, nil
		}
	}

	id, ok := f.byContent[sum]
	if !ok {
		f.next++
		id = "B" + strconv.Itoa(f.next)
		f.byContent[sum] = id
	}
	f.blobs[id] = &fakeBlob{data: data, expiry: end}
	return backend.Stored{BlobID: id, Epoch: end, Size: int64(len(data))}, nil
}

func (f *Fake) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	f.Fetches.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.FetchHook != nil {
		if err := f.FetchHook(blobID); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.live("fetch", blobID)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b.data...), nil
}

func (f *Fake) Status(ctx context.Context, blobID string) (backend.Status, error) {
	f.Statuses.Add(1)
	if err := f.wait(ctx); err != nil {
		return backend.Status{}, err
	}
	if f.StatusHook != nil {
		if err := f.StatusHook(blobID); err != nil {
			return backend.Status{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.live("status", blobID)
	if err != nil {
		return backend.Status{}, err
	}
	return backend.Status{BlobID: blobID, CurrentEpoch: f.current, ExpiryEpoch: b.expiry, Exists: true}, nil
}

func (f *Fake) Extend(ctx context.Context, blobID string, epochs uint64) (uint64, error) {
	f.Extends.Add(1)
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if f.ExtendHook != nil {
		if err := f.ExtendHook(blobID); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.live("extend", blobID)
	if err != nil {
		return 0, err
	}
	b.expiry += epochs
	return b.expiry, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) live(op, blobID string) (*fakeBlob, error) {
	b, ok := f.blobs[blobID]
	if !ok || b.expiry <= f.current {
		return nil, backend.Errorf(op, blobID, backend.NotFound, "blob does not exist")
	}
	return b, nil
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Latency == nil {
		return ctx.Err()
	}
	t := time.NewTimer(f.Latency())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

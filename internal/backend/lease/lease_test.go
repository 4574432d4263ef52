package lease

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/backendtest"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

type mapStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	leases map[string]Record
}

func newMapStore() *mapStore {
	return &mapStore{blobs: map[string][]byte{}, leases: map[string]Record{}}
}

func (m *mapStore) PutBlob(_ context.Context, id string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = data
	return nil
}

func (m *mapStore) GetBlob(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return data, nil
}

func (m *mapStore) GetLease(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leases[id]
	if !ok {
		return Record{}, pkgerrors.ErrNotFound
	}
	return rec, nil
}

func (m *mapStore) PutLease(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[rec.BlobID] = rec
	return nil
}

func (m *mapStore) Close() error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSchedule(c *clock) Schedule {
	return Schedule{Genesis: DefaultGenesis, EpochDuration: time.Hour, Now: c.Now}
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		c := &clock{now: DefaultGenesis.Add(100*time.Hour + time.Minute)}
		return New(newMapStore(), testSchedule(c), WithSpoolDir(t.TempDir()))
	})
}

func TestScheduleCurrent(t *testing.T) {
	c := &clock{now: DefaultGenesis.Add(-time.Hour)}
	s := testSchedule(c)
	if s.Current() != 0 {
		t.Fatalf("before genesis: %d", s.Current())
	}
	c.now = DefaultGenesis.Add(59 * time.Minute)
	if s.Current() != 0 {
		t.Fatalf("first epoch: %d", s.Current())
	}
	c.now = DefaultGenesis.Add(3*time.Hour + time.Second)
	if s.Current() != 3 {
		t.Fatalf("expected epoch 3, got %d", s.Current())
	}
}

func TestScheduleFromConfig(t *testing.T) {
	s, err := ScheduleFromConfig("fs", map[string]string{
		KeyGenesis:       "2024-06-01T00:00:00Z",
		KeyEpochDuration: "336h",
	})
	if err != nil {
		t.Fatalf("ScheduleFromConfig: %v", err)
	}
	if s.EpochDuration != 336*time.Hour || !s.Genesis.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected schedule: %+v", s)
	}

	for _, cfg := range []map[string]string{
		{KeyGenesis: "yesterday"},
		{KeyEpochDuration: "often"},
		{KeyEpochDuration: "0s"},
	} {
		if _, err := ScheduleFromConfig("fs", cfg); err == nil {
			t.Fatalf("expected error for %v", cfg)
		}
	}
}

func TestExpiredLeaseIsNotFound(t *testing.T) {
	c := &clock{now: DefaultGenesis.Add(10 * time.Hour)}
	b := New(newMapStore(), testSchedule(c))
	ctx := context.Background()

	stored, err := b.Store(ctx, strings.NewReader("short lived"), 2)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if stored.Epoch != 12 {
		t.Fatalf("expected end epoch 12, got %d", stored.Epoch)
	}

	c.Advance(time.Hour)
	st, err := b.Status(ctx, stored.BlobID)
	if err != nil || st.CurrentEpoch != 11 || st.Remaining() != 1 {
		t.Fatalf("status at epoch 11: %+v %v", st, err)
	}

	c.Advance(time.Hour)
	if _, err := b.Status(ctx, stored.BlobID); !backend.IsNotFound(err) {
		t.Fatalf("expected NotFound at end epoch, got %v", err)
	}
	if _, err := b.Fetch(ctx, stored.BlobID); !backend.IsNotFound(err) {
		t.Fatalf("Fetch: expected NotFound, got %v", err)
	}
	if _, err := b.Extend(ctx, stored.BlobID, 5); !backend.IsNotFound(err) {
		t.Fatalf("Extend: expected NotFound, got %v", err)
	}

	again, err := b.Store(ctx, strings.NewReader("short lived"), 3)
	if err != nil {
		t.Fatalf("re-Store: %v", err)
	}
	if again.AlreadyCertified || again.BlobID != stored.BlobID || again.Epoch != 15 {
		t.Fatalf("unexpected re-store: %+v", again)
	}
}

func TestStoreAlreadyCertified(t *testing.T) {
	c := &clock{now: DefaultGenesis.Add(5 * time.Hour)}
	b := New(newMapStore(), testSchedule(c))
	ctx := context.Background()

	first, err := b.Store(ctx, bytes.NewReader([]byte("dup")), 10)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	second, err := b.Store(ctx, bytes.NewReader([]byte("dup")), 4)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if first.AlreadyCertified || !second.AlreadyCertified || second.Epoch != first.Epoch {
		t.Fatalf("unexpected results: %+v %+v", first, second)
	}
}

func TestFetchDetectsCorruption(t *testing.T) {
	store := newMapStore()
	c := &clock{now: DefaultGenesis.Add(time.Hour)}
	b := New(store, testSchedule(c))
	ctx := context.Background()

	stored, err := b.Store(ctx, strings.NewReader("pristine"), 5)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	store.blobs[stored.BlobID] = []byte("tampered")

	_, err = b.Fetch(ctx, stored.BlobID)
	if backend.KindOf(err) != backend.CorruptResponse {
		t.Fatalf("expected CorruptResponse, got %v", err)
	}
}

func TestStoreNonSeekableReader(t *testing.T) {
	c := &clock{now: DefaultGenesis.Add(time.Hour)}
	b := New(newMapStore(), testSchedule(c), WithSpoolDir(t.TempDir()))
	content := strings.Repeat("pipe", 1000)

	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, content)
		_ = pw.Close()
	}()

	stored, err := b.Store(context.Background(), pr, 1)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if stored.BlobID != BlobID(sha256.Sum256([]byte(content))) {
		t.Fatal("blob id does not match content digest")
	}
}

func TestBlobID(t *testing.T) {
	id := BlobID(sha256.Sum256([]byte("hello")))
	if len(id) != 43 || strings.ContainsAny(id, "+/=") {
		t.Fatalf("unexpected blob id %q", id)
	}
	if !ValidBlobID(id) || ValidBlobID("short") {
		t.Fatal("ValidBlobID mismatch")
	}
}

func TestRecordJSON(t *testing.T) {
	rec := Record{BlobID: "abc", Size: 9, StartEpoch: 1, EndEpoch: 51, StoredAt: DefaultGenesis}
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"endEpoch":51`) {
		t.Fatalf("unexpected JSON: %s", data)
	}
	got, err := Unmarshal(data)
	if err != nil || got.EndEpoch != 51 || got.BlobID != "abc" {
		t.Fatalf("Unmarshal: %+v %v", got, err)
	}
	if _, err := Unmarshal([]byte(`{"size":1}`)); err == nil {
		t.Fatal("expected error for record without blobId")
	}
}

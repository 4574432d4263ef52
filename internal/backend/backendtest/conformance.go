package backendtest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Run exercises the Backend contract against a fresh backend from open.
// Backends are expected to report a stable current epoch for the duration
// of the run.
func Run(t *testing.T, open func(t *testing.T) backend.Backend) {
	t.Helper()

	t.Run("StoreFetch", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		content := bytes.Repeat([]byte("walrus"), 200)

		stored, err := b.Store(ctx, bytes.NewReader(content), 10)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if stored.BlobID == "" || stored.Size != int64(len(content)) {
			t.Fatalf("unexpected stored: %+v", stored)
		}
		got, err := b.Fetch(ctx, stored.BlobID)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Fatal("fetched content differs")
		}
	})

	t.Run("EmptyContent", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		stored, err := b.Store(ctx, bytes.NewReader(nil), 3)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		got, err := b.Fetch(ctx, stored.BlobID)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty content, got %d bytes", len(got))
		}
	})

	t.Run("StatusAfterStore", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		stored, err := b.Store(ctx, strings.NewReader("status"), 7)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		st, err := b.Status(ctx, stored.BlobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if !st.Exists || st.BlobID != stored.BlobID {
			t.Fatalf("unexpected status: %+v", st)
		}
		if st.ExpiryEpoch != stored.Epoch {
			t.Fatalf("expiry %d != stored epoch %d", st.ExpiryEpoch, stored.Epoch)
		}
		if st.Remaining() != 7 {
			t.Fatalf("expected 7 epochs remaining, got %d (%+v)", st.Remaining(), st)
		}
	})

	t.Run("StoreSameContentIsStable", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		first, err := b.Store(ctx, strings.NewReader("same"), 5)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		second, err := b.Store(ctx, strings.NewReader("same"), 9)
		if err != nil {
			t.Fatalf("Store again: %v", err)
		}
		if second.BlobID != first.BlobID {
			t.Fatalf("blob id changed: %s -> %s", first.BlobID, second.BlobID)
		}
		if second.Epoch < first.Epoch || second.Epoch != first.Epoch+4 {
			t.Fatalf("expected end epoch lifted to %d, got %d", first.Epoch+4, second.Epoch)
		}
		third, err := b.Store(ctx, strings.NewReader("same"), 1)
		if err != nil {
			t.Fatalf("Store third: %v", err)
		}
		if third.Epoch != second.Epoch {
			t.Fatalf("shorter store lowered end epoch: %d -> %d", second.Epoch, third.Epoch)
		}
	})

	t.Run("DistinctContentDistinctIDs", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		a, err := b.Store(ctx, strings.NewReader("a"), 1)
		if err != nil {
			t.Fatalf("Store a: %v", err)
		}
		c, err := b.Store(ctx, strings.NewReader("c"), 1)
		if err != nil {
			t.Fatalf("Store c: %v", err)
		}
		if a.BlobID == c.BlobID {
			t.Fatal("different content got the same blob id")
		}
	})

	t.Run("Extend", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		stored, err := b.Store(ctx, strings.NewReader("extend me"), 3)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		end, err := b.Extend(ctx, stored.BlobID, 20)
		if err != nil {
			t.Fatalf("Extend: %v", err)
		}
		if end != stored.Epoch+20 {
			t.Fatalf("expected end %d, got %d", stored.Epoch+20, end)
		}
		st, err := b.Status(ctx, stored.BlobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.ExpiryEpoch != end {
			t.Fatalf("status expiry %d != extended %d", st.ExpiryEpoch, end)
		}
	})

	t.Run("UnknownBlobIsNotFound", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		const id = "nosuchblobAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

		if _, err := b.Fetch(ctx, id); !backend.IsNotFound(err) {
			t.Fatalf("Fetch: expected NotFound, got %v", err)
		}
		if _, err := b.Extend(ctx, id, 1); !backend.IsNotFound(err) {
			t.Fatalf("Extend: expected NotFound, got %v", err)
		}
		st, err := b.Status(ctx, id)
		if err == nil && st.Exists {
			t.Fatalf("Status: unknown blob reported as existing: %+v", st)
		}
		if err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
			t.Fatalf("Status: expected NotFound, got %v", err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		b := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := b.Store(ctx, strings.NewReader("late"), 1); err == nil {
			t.Fatal("Store with canceled context should fail")
		}
	})

	t.Run("ConcurrentStores", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		ids := make([]string, 16)
		errs := make([]error, 16)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := b.Store(ctx, strings.NewReader("concurrent"), uint64(i+1))
				ids[i], errs[i] = s.BlobID, err
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("Store %d: %v", i, err)
			}
			if ids[i] != ids[0] {
				t.Fatalf("concurrent stores of one content diverged: %s vs %s", ids[i], ids[0])
			}
		}
		st, err := b.Status(ctx, ids[0])
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Remaining() != 16 {
			t.Fatalf("expected the longest request (16) to win, got %d remaining", st.Remaining())
		}
	})
}

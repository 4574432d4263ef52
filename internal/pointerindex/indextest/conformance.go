// Package indextest holds the behavior every pointer index store must share.
package indextest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Entry builds a valid entry whose oid is derived from seed.
func Entry(seed string, epoch uint64) pointerindex.Entry {
	sum := sha256.Sum256([]byte(seed))
	p := pointer.New(pointer.OIDFromDigest(sum[:]), int64(len(seed)), "blob-"+seed, epoch)
	return pointerindex.Entry{
		Pointer:   p,
		Path:      "assets/" + seed + ".bin",
		UpdatedAt: time.Unix(1_700_000_000, 123).UTC(),
	}
}

// Run exercises the Store contract against a fresh store from open.
func Run(t *testing.T, open func(t *testing.T) pointerindex.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		s := open(t)
		e := Entry("alpha", 120)
		e.Pointer.ExtAttrs = []pointer.Attr{{Name: "region", Value: "eu"}}
		e.Pointer.Extra = []pointer.Line{{Key: "x-origin", Value: "import"}}

		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := s.Get(ctx, e.OID())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		assertEntry(t, got, e)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, Entry("missing", 1).OID())
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := open(t)
		e := Entry("beta", 10)
		if err := s.Put(ctx, e); err != nil {
			t.Fatal(err)
		}
		e.Pointer = e.Pointer.WithEpoch(60)
		e.Path = "moved/beta.bin"
		if err := s.Put(ctx, e); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, e.OID())
		if err != nil {
			t.Fatal(err)
		}
		assertEntry(t, got, e)
		if n, _ := s.Count(ctx); n != 1 {
			t.Fatalf("Count = %d, want 1", n)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		e := Entry("gamma", 5)
		if err := s.Put(ctx, e); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, e.OID()); err != nil {
				t.Fatalf("Delete #%d: %v", i+1, err)
			}
		}
		if _, err := s.Get(ctx, e.OID()); !errors.Is(err, pkgerrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("PutBatchAndList", func(t *testing.T) {
		s := open(t)
		var batch []pointerindex.Entry
		for i := 0; i < 12; i++ {
			batch = append(batch, Entry(fmt.Sprintf("item-%02d", i), uint64(i)))
		}
		if err := s.PutBatch(ctx, batch); err != nil {
			t.Fatalf("PutBatch: %v", err)
		}
		if n, err := s.Count(ctx); err != nil || n != 12 {
			t.Fatalf("Count = %d, %v", n, err)
		}

		all, err := s.List(ctx, pointerindex.ListOptions{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 12 {
			t.Fatalf("List returned %d entries", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i-1].OID() >= all[i].OID() {
				t.Fatalf("List not in ascending oid order at %d", i)
			}
		}

		page, err := s.List(ctx, pointerindex.ListOptions{Limit: 5})
		if err != nil || len(page) != 5 {
			t.Fatalf("first page: %d %v", len(page), err)
		}
		next, err := s.List(ctx, pointerindex.ListOptions{After: page[4].OID(), Limit: 5})
		if err != nil || len(next) != 5 {
			t.Fatalf("second page: %d %v", len(next), err)
		}
		if next[0].OID() != all[5].OID() {
			t.Fatalf("second page starts at %s, want %s", next[0].OID(), all[5].OID())
		}

		prefix := all[3].OID()[:6]
		matched, err := s.List(ctx, pointerindex.ListOptions{Prefix: prefix})
		if err != nil {
			t.Fatalf("List prefix: %v", err)
		}
		if len(matched) == 0 || matched[0].OID() != all[3].OID() {
			t.Fatalf("prefix %s matched %d entries", prefix, len(matched))
		}
		for _, e := range matched {
			if e.OID()[:6] != prefix {
				t.Fatalf("entry %s does not match prefix %s", e.OID(), prefix)
			}
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := open(t)
		bad := Entry("bad", 1)
		bad.Pointer.OID = "not-a-digest"
		if err := s.Put(ctx, bad); err == nil {
			t.Fatal("Put accepted an invalid pointer")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := open(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := s.Put(ctx, Entry("late", 1)); !errors.Is(err, pkgerrors.ErrClosed) {
			t.Fatalf("Put after close: %v", err)
		}
		if _, err := s.Get(ctx, Entry("late", 1).OID()); !errors.Is(err, pkgerrors.ErrClosed) {
			t.Fatalf("Get after close: %v", err)
		}
	})
}

func assertEntry(t *testing.T, got, want pointerindex.Entry) {
	t.Helper()
	if !bytes.Equal(pointer.Encode(got.Pointer), pointer.Encode(want.Pointer)) {
		t.Fatalf("pointer mismatch:\n got: %s\nwant: %s", pointer.Encode(got.Pointer), pointer.Encode(want.Pointer))
	}
	if got.Path != want.Path {
		t.Fatalf("path = %q, want %q", got.Path, want.Path)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Fatalf("updatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
}

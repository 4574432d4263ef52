// Package pointerindex caches the mapping from content oid to the pointer
// that stores it. Downloads consult it before scanning the object database.
// Losing an index never loses data; it can always be rebuilt from git.
package pointerindex

import (
	"context"
	"fmt"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// Entry is one cached pointer.
type Entry struct {
	Pointer pointer.Pointer
	// Path is the last worktree path the pointer was seen at, if known.
	Path      string
	UpdatedAt time.Time
}

// OID returns the entry's key.
func (e Entry) OID() string { return e.Pointer.OID }

// ListOptions narrows a List call. The zero value lists everything.
type ListOptions struct {
	// Prefix restricts results to oids starting with it.
	Prefix string
	// After skips oids up to and including it, for paging.
	After string
	// Limit caps the number of entries; zero means no limit.
	Limit int
}

// Store is a persistent oid to pointer map. Missing entries are reported
// with pkg/errors.ErrNotFound. All implementations must be thread-safe.
type Store interface {
	// Put inserts or replaces the entry for e.OID().
	Put(ctx context.Context, e Entry) error
	PutBatch(ctx context.Context, entries []Entry) error
	Get(ctx context.Context, oid string) (Entry, error)
	Delete(ctx context.Context, oid string) error
	// List returns entries in ascending oid order.
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Validate checks that e can be stored.
func Validate(e Entry) error {
	if err := e.Pointer.Validate(); err != nil {
		return fmt.Errorf("index entry: %w", err)
	}
	return nil
}

// Record is the serialized form shared by stores that keep entries as
// documents. The pointer is kept as its canonical text so unknown lines
// survive a round trip.
type Record struct {
	OID       string `json:"oid"`
	Pointer   string `json:"pointer"`
	Path      string `json:"path,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ToRecord converts e to its serialized form.
func ToRecord(e Entry) Record {
	return Record{
		OID:       e.Pointer.OID,
		Pointer:   string(pointer.Encode(e.Pointer)),
		Path:      e.Path,
		UpdatedAt: e.UpdatedAt.UnixNano(),
	}
}

// FromRecord decodes r back into an Entry.
func FromRecord(r Record) (Entry, error) {
	p, err := pointer.Decode([]byte(r.Pointer))
	if err != nil {
		return Entry{}, fmt.Errorf("index record %s: %w", r.OID, err)
	}
	return Entry{Pointer: p, Path: r.Path, UpdatedAt: time.Unix(0, r.UpdatedAt).UTC()}, nil
}

// Package lookup resolves a content oid to the pointer that stores it.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/gitrepo"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Scanner enumerates every pointer in the object database.
type Scanner interface {
	ScanPointers(ctx context.Context, fn func(gitrepo.Tracked) error) error
}

// Resolver consults the index first and falls back to a single full scan of
// the object database, back-filling the index with everything it finds.
// Safe for concurrent use.
type Resolver struct {
	index   pointerindex.Store // may be nil
	scanner Scanner            // may be nil
	log     *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	scanned map[string]pointer.Pointer // nil until a scan succeeds
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// New returns a Resolver. Either source may be nil.
func New(index pointerindex.Store, scanner Scanner, opts ...Option) *Resolver {
	r := &Resolver{
		index:   index,
		scanner: scanner,
		log:     logging.New(nil).WithComponent("lookup"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the pointer for oid. A miss in every source is reported
// with pkg/errors.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, oid string) (pointer.Pointer, error) {
	if r.index != nil {
		e, err := r.index.Get(ctx, oid)
		switch {
		case err == nil:
			return e.Pointer, nil
		case !errors.Is(err, pkgerrors.ErrNotFound):
			r.log.WithOID(oid).WarnContext(ctx, "pointer index lookup failed", "error", err)
		}
	}

	found, err := r.scan(ctx)
	if err != nil {
		return pointer.Pointer{}, fmt.Errorf("resolve %s: %w", oid, err)
	}
	if p, ok := found[oid]; ok {
		return p, nil
	}
	return pointer.Pointer{}, fmt.Errorf("resolve %s: no pointer for this oid: %w", oid, pkgerrors.ErrNotFound)
}

// Remember records p in the index. Index failures are logged and never
// returned: the index is a cache.
func (r *Resolver) Remember(ctx context.Context, p pointer.Pointer, path string) {
	r.mu.Lock()
	if r.scanned != nil {
		r.scanned[p.OID] = p
	}
	r.mu.Unlock()

	if r.index == nil {
		return
	}
	e := pointerindex.Entry{Pointer: p, Path: path, UpdatedAt: r.now().UTC()}
	if err := r.index.Put(ctx, e); err != nil {
		r.log.WithOID(p.OID).WarnContext(ctx, "failed to record pointer in index", "error", err)
	}
}

// scan walks the object database once per Resolver. A failed scan is not
// cached, so a later call retries it.
func (r *Resolver) scan(ctx context.Context) (map[string]pointer.Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scanned != nil {
		return r.scanned, nil
	}
	if r.scanner == nil {
		r.scanned = map[string]pointer.Pointer{}
		return r.scanned, nil
	}

	start := r.now()
	found := make(map[string]pointer.Pointer)
	paths := make(map[string]string)
	err := r.scanner.ScanPointers(ctx, func(t gitrepo.Tracked) error {
		// Several revisions of one pointer differ only in epoch; keep the latest.
		if prev, ok := found[t.Pointer.OID]; !ok || t.Pointer.Epoch > prev.Epoch {
			found[t.Pointer.OID] = t.Pointer
			paths[t.Pointer.OID] = t.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan object database: %w", err)
	}
	r.scanned = found
	r.log.DebugContext(ctx, "scanned object database", "pointers", len(found), "duration", r.now().Sub(start))

	if r.index != nil && len(found) > 0 {
		now := r.now().UTC()
		batch := make([]pointerindex.Entry, 0, len(found))
		for oid, p := range found {
			batch = append(batch, pointerindex.Entry{Pointer: p, Path: paths[oid], UpdatedAt: now})
		}
		if err := r.index.PutBatch(ctx, batch); err != nil {
			r.log.WarnContext(ctx, "failed to back-fill pointer index", "error", err)
		}
	}
	return found, nil
}

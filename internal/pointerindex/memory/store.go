// Package memory provides an in-process pointer index. It is the index used
// when persistence is not wanted, and the reference for the conformance tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

func init() {
	pointerindex.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory store.
func Defaults() map[string]string {
	return map[string]string{}
}

// NewFactory creates a new memory store. The configuration is ignored.
func NewFactory(_ context.Context, _ map[string]string) (pointerindex.Store, error) {
	return New(), nil
}

// Store is a map-backed pointerindex.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]pointerindex.Entry
	closed  atomic.Bool
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]pointerindex.Entry)}
}

func (s *Store) Put(_ context.Context, e pointerindex.Entry) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	if err := pointerindex.Validate(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.OID()] = e
	return nil
}

func (s *Store) PutBatch(_ context.Context, entries []pointerindex.Entry) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	for _, e := range entries {
		if err := pointerindex.Validate(e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.OID()] = e
	}
	return nil
}

func (s *Store) Get(_ context.Context, oid string) (pointerindex.Entry, error) {
	if s.closed.Load() {
		return pointerindex.Entry{}, pkgerrors.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[oid]
	if !ok {
		return pointerindex.Entry{}, pkgerrors.ErrNotFound
	}
	return e, nil
}

func (s *Store) Delete(_ context.Context, oid string) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, oid)
	return nil
}

func (s *Store) List(_ context.Context, opts pointerindex.ListOptions) ([]pointerindex.Entry, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}
	s.mu.RLock()
	oids := make([]string, 0, len(s.entries))
	for oid := range s.entries {
		if strings.HasPrefix(oid, opts.Prefix) && oid > opts.After {
			oids = append(oids, oid)
		}
	}
	slices.Sort(oids)
	if opts.Limit > 0 && len(oids) > opts.Limit {
		oids = oids[:opts.Limit]
	}
	out := make([]pointerindex.Entry, len(oids))
	for i, oid := range oids {
		out[i] = s.entries[oid]
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) Count(_ context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, pkgerrors.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

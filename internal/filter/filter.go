// Package filter implements the git-lfs clean and smudge transforms for
// walrus-backed objects.
package filter

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

// Config controls both filters.
type Config struct {
	// DefaultEpochs is how many epochs a newly cleaned object is stored for.
	DefaultEpochs uint64
	// PassthroughInvalid copies smudge input that is not a pointer at all
	// to the output instead of failing.
	PassthroughInvalid bool
	// SpoolDir holds temporary copies of cleaned content. Empty means os.TempDir.
	SpoolDir string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultEpochs == 0 {
		return fmt.Errorf("default epochs must be positive: %w", pkgerrors.ErrInvalidInput)
	}
	return nil
}

// Recorder remembers pointers produced by the clean filter.
type Recorder interface {
	Remember(ctx context.Context, p pointer.Pointer, path string)
}

// Filter runs clean and smudge against one backend.
type Filter struct {
	backend  backend.Backend
	cfg      Config
	recorder Recorder
	metrics  *observability.Metrics
	log      *logging.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithRecorder records every cleaned pointer in r.
func WithRecorder(r Recorder) Option {
	return func(f *Filter) { f.recorder = r }
}

// WithMetrics records filter operations into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Filter) { f.log = l }
}

// New returns a Filter. It fails when cfg is invalid.
func New(b backend.Backend, cfg Config, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Filter{backend: b, cfg: cfg, log: logging.New(nil)}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithComponent("filter")
	return f, nil
}

// Clean stores the content read from r and writes its pointer to w. Input
// that already is a valid pointer is written back unchanged. Nothing is
// written to w unless the store succeeded.
func (f *Filter) Clean(ctx context.Context, r io.Reader, w io.Writer, path string) (p pointer.Pointer, err error) {
	op, ctx := observability.StartOperation(ctx, f.metrics, "filter.clean", attribute.String("path", path))
	defer func() { op.End(err) }()

	head, err := readHead(r)
	if err != nil {
		return pointer.Pointer{}, fmt.Errorf("clean %s: read input: %w", path, err)
	}
	if len(head) <= pointer.MaxSize {
		if existing, derr := pointer.Decode(head); derr == nil {
			f.log.WithOID(existing.OID).DebugContext(ctx, "input is already a pointer", "path", path)
			if _, err := w.Write(head); err != nil {
				return pointer.Pointer{}, fmt.Errorf("clean %s: write pointer: %w", path, err)
			}
			return existing, nil
		}
	}

	spool, err := backend.NewSpool(io.MultiReader(bytes.NewReader(head), r), f.cfg.SpoolDir)
	if err != nil {
		return pointer.Pointer{}, fmt.Errorf("clean %s: %w", path, err)
	}
	defer spool.Close()

	oid := spool.OID()
	log := f.log.WithOID(oid)
	file, err := spool.File()
	if err != nil {
		return pointer.Pointer{}, fmt.Errorf("clean %s: %w", path, err)
	}

	stored, err := f.backend.Store(ctx, file, f.cfg.DefaultEpochs)
	if err != nil {
		op.Error(backend.KindOf(err).String())
		return pointer.Pointer{}, fmt.Errorf("clean %s (oid %s): %w", path, oid, err)
	}
	if stored.Size != 0 && stored.Size != spool.Size {
		op.Error(backend.CorruptResponse.String())
		return pointer.Pointer{}, backend.Errorf("store", stored.BlobID, backend.CorruptResponse,
			"backend reports %d bytes stored, cleaned %d", stored.Size, spool.Size)
	}
	op.Bytes("in", spool.Size)

	p = pointer.New(oid, spool.Size, stored.BlobID, stored.Epoch)
	if _, err := w.Write(pointer.Encode(p)); err != nil {
		return pointer.Pointer{}, fmt.Errorf("clean %s: write pointer: %w", path, err)
	}
	log.WithBlobID(stored.BlobID).InfoContext(ctx, "stored object",
		"path", path, "size", spool.Size, "epoch", stored.Epoch, "already_certified", stored.AlreadyCertified)

	if f.recorder != nil {
		f.recorder.Remember(ctx, p, path)
	}
	return p, nil
}

// Smudge reads a pointer from r, fetches its content and writes it to w
// after verifying size and digest. Nothing is written on failure.
func (f *Filter) Smudge(ctx context.Context, r io.Reader, w io.Writer, path string) (p pointer.Pointer, err error) {
	op, ctx := observability.StartOperation(ctx, f.metrics, "filter.smudge", attribute.String("path", path))
	defer func() { op.End(err) }()

	head, err := readHead(r)
	if err != nil {
		return pointer.Pointer{}, fmt.Errorf("smudge %s: read input: %w", path, err)
	}

	p, err = pointer.Decode(head)
	if err != nil {
		if f.cfg.PassthroughInvalid && !pointer.IsPointer(head) {
			f.log.DebugContext(ctx, "input is not a pointer, passing through", "path", path)
			if _, cerr := io.Copy(w, io.MultiReader(bytes.NewReader(head), r)); cerr != nil {
				return pointer.Pointer{}, fmt.Errorf("smudge %s: copy input: %w", path, cerr)
			}
			return pointer.Pointer{}, nil
		}
		op.Error("parse")
		return pointer.Pointer{}, fmt.Errorf("smudge %s: %w", path, err)
	}

	data, err := f.backend.Fetch(ctx, p.BlobID)
	if err != nil {
		op.Error(backend.KindOf(err).String())
		return p, fmt.Errorf("smudge %s (oid %s): %w", path, p.OID, err)
	}
	if err := Verify(p, data); err != nil {
		op.Error("integrity")
		return p, fmt.Errorf("smudge %s: %w", path, err)
	}
	op.Bytes("out", int64(len(data)))

	if _, err := w.Write(data); err != nil {
		return p, fmt.Errorf("smudge %s: write content: %w", path, err)
	}
	f.log.WithOID(p.OID).DebugContext(ctx, "materialized object", "path", path, "size", p.Size)
	return p, nil
}

// readHead reads up to pointer.MaxSize+1 bytes, enough to tell a pointer
// from content.
func readHead(r io.Reader) ([]byte, error) {
	buf := make([]byte, pointer.MaxSize+1)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:n], err
}

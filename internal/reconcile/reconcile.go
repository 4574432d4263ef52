// Package reconcile checks the retention of stored blobs and extends the
// ones close to expiry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

// DefaultThreshold applies when Config.Threshold is nil.
const DefaultThreshold = 5

// ErrNoSource is returned by a MissingHandler that has nothing to restore
// from. The object is then reported as missing rather than failed.
var ErrNoSource = errors.New("no source to restore from")

// Class is the retention state of one blob.
type Class int

const (
	Fresh Class = iota
	Expiring
	Missing
)

func (c Class) String() string {
	switch c {
	case Fresh:
		return "fresh"
	case Expiring:
		return "expiring"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Config controls a reconciliation pass.
type Config struct {
	// Threshold is the number of remaining epochs at or below which a blob
	// is expiring. Nil means DefaultThreshold. Zero marks nothing as
	// expiring, so a pass only reports blobs that are already gone.
	Threshold *uint64
	// ExtendEpochs is added to an expiring blob's retention. It must exceed
	// Threshold so an extended blob is fresh on the next pass.
	ExtendEpochs uint64
	Concurrency  int
	// DryRun classifies without extending or restoring.
	DryRun bool
	// Retry applies to status queries. Extensions are never repeated.
	Retry backend.RetryPolicy
}

func (c Config) threshold() uint64 {
	if c.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Threshold
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return config.Errorf("concurrency", strconv.Itoa(c.Concurrency), "must be at least 1")
	}
	if !c.DryRun && c.ExtendEpochs <= c.threshold() {
		return config.Errorf("extend_epochs", strconv.FormatUint(c.ExtendEpochs, 10),
			"must exceed the expiry threshold (%d)", c.threshold())
	}
	return nil
}

// Object is a tracked pointer and where it was found.
type Object struct {
	Pointer pointer.Pointer
	Path    string
}

// MissingHandler tries to bring back a missing blob and returns the pointer
// to the new copy. Returning ErrNoSource leaves the object missing.
type MissingHandler func(ctx context.Context, item Item) (pointer.Pointer, error)

// UpdateFunc is told about every pointer whose blob or epoch changed.
type UpdateFunc func(ctx context.Context, old, updated pointer.Pointer, paths []string)

// Item is the outcome for one stored blob of an oid.
type Item struct {
	Pointer pointer.Pointer
	// Paths lists every path the blob was tracked at, sorted.
	Paths  []string
	Class  Class
	Status backend.Status
	// Updated is the pointer after an extension or restore.
	Updated *pointer.Pointer
	Err     error
}

// OID returns the item's content hash.
func (i Item) OID() string { return i.Pointer.OID }

// Report aggregates one pass. Every list is sorted by oid, then blob id.
type Report struct {
	Fresh    []Item
	Expiring []Item
	Extended []Item
	Restored []Item
	Missing  []Item
	Failed   []Item
	// CurrentEpoch is the highest current epoch any status reported.
	CurrentEpoch uint64
}

// Total returns the number of distinct blobs in the report.
func (r Report) Total() int {
	return len(r.Fresh) + len(r.Expiring) + len(r.Extended) + len(r.Restored) + len(r.Missing) + len(r.Failed)
}

// OK reports whether nothing is expiring, missing or failed.
func (r Report) OK() bool {
	return len(r.Expiring) == 0 && len(r.Missing) == 0 && len(r.Failed) == 0
}

// Reconciler runs reconciliation passes against one backend.
type Reconciler struct {
	backend  backend.Backend
	cfg      Config
	missing  MissingHandler
	onUpdate UpdateFunc
	metrics  *observability.Metrics
	log      *logging.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMissingHandler sets the policy for missing blobs. Without one they are
// only reported.
func WithMissingHandler(h MissingHandler) Option {
	return func(r *Reconciler) { r.missing = h }
}

// OnUpdate registers fn to persist changed pointers.
func OnUpdate(fn UpdateFunc) Option {
	return func(r *Reconciler) { r.onUpdate = fn }
}

// WithMetrics records passes into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New returns a Reconciler.
func New(b backend.Backend, cfg Config, opts ...Option) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reconciler{backend: b, cfg: cfg, log: logging.New(nil)}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent("reconcile")
	return r, nil
}

// Run reconciles objects. Objects sharing a stored blob are handled once. Failures
// of single objects are reported in the result; the returned error is set
// only when ctx ends the pass early.
func (r *Reconciler) Run(ctx context.Context, objects []Object) (rep Report, err error) {
	items := group(objects)
	op, ctx := observability.StartOperation(ctx, r.metrics, "reconcile.run",
		attribute.Int("objects", len(items)), attribute.Bool("dry_run", r.cfg.DryRun))
	defer func() { op.End(err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i := range items {
		item := &items[i]
		g.Go(func() error {
			r.reconcile(gctx, item)
			return nil
		})
	}
	_ = g.Wait()

	rep = r.collect(items)
	for _, it := range rep.Failed {
		op.Error(backend.KindOf(it.Err).String())
	}
	r.log.InfoContext(ctx, "reconciliation finished",
		"fresh", len(rep.Fresh), "expiring", len(rep.Expiring), "extended", len(rep.Extended),
		"restored", len(rep.Restored), "missing", len(rep.Missing), "failed", len(rep.Failed),
		"dry_run", r.cfg.DryRun)
	return rep, ctx.Err()
}

type blobKey struct{ oid, blobID string }

// group merges objects that point at the same stored blob, keeping the
// pointer with the latest epoch. Copies of one oid stored under different
// blob ids stay separate items so each is checked.
func group(objects []Object) []Item {
	byBlob := make(map[blobKey]*Item, len(objects))
	var order []blobKey
	for _, o := range objects {
		k := blobKey{o.Pointer.OID, o.Pointer.BlobID}
		it, ok := byBlob[k]
		if !ok {
			it = &Item{Pointer: o.Pointer}
			byBlob[k] = it
			order = append(order, k)
		} else if o.Pointer.Epoch > it.Pointer.Epoch {
			it.Pointer = o.Pointer
		}
		if o.Path != "" {
			it.Paths = append(it.Paths, o.Path)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].oid != order[j].oid {
			return order[i].oid < order[j].oid
		}
		return order[i].blobID < order[j].blobID
	})
	items := make([]Item, 0, len(order))
	for _, k := range order {
		it := byBlob[k]
		sort.Strings(it.Paths)
		items = append(items, *it)
	}
	return items
}

func (r *Reconciler) reconcile(ctx context.Context, item *Item) {
	log := r.log.WithOID(item.OID()).WithBlobID(item.Pointer.BlobID)
	blobID := item.Pointer.BlobID

	st, err := backend.Retry(ctx, r.cfg.Retry, func(ctx context.Context) (backend.Status, error) {
		return r.backend.Status(ctx, blobID)
	})
	switch {
	case backend.IsNotFound(err):
		item.Class = Missing
	case err != nil:
		item.Err = fmt.Errorf("status of %s: %w", item.OID(), err)
		log.WarnContext(ctx, "status query failed", "error", err)
		return
	case !st.Exists:
		item.Status = st
		item.Class = Missing
	default:
		item.Status = st
		item.Class = Fresh
		if st.Remaining() <= r.cfg.threshold() {
			item.Class = Expiring
		}
	}

	if r.cfg.DryRun {
		return
	}

	switch item.Class {
	case Expiring:
		end, err := r.backend.Extend(ctx, blobID, r.cfg.ExtendEpochs)
		if err != nil {
			item.Err = fmt.Errorf("extend %s: %w", item.OID(), err)
			log.WarnContext(ctx, "extend failed", "error", err)
			return
		}
		updated := item.Pointer.WithEpoch(end)
		item.Updated = &updated
		log.InfoContext(ctx, "extended blob", "remaining", item.Status.Remaining(), "epoch", end)
		r.notify(ctx, item)

	case Missing:
		if r.missing == nil {
			log.WarnContext(ctx, "blob is missing")
			return
		}
		restored, err := r.missing(ctx, *item)
		switch {
		case errors.Is(err, ErrNoSource):
			log.WarnContext(ctx, "blob is missing and cannot be restored", "reason", err)
			return
		case err != nil:
			item.Err = fmt.Errorf("restore %s: %w", item.OID(), err)
			log.WarnContext(ctx, "restore failed", "error", err)
			return
		}
		if restored.OID != item.OID() || restored.Size != item.Pointer.Size {
			item.Err = fmt.Errorf("restore %s: handler returned pointer for %s", item.OID(), restored.OID)
			return
		}
		item.Updated = &restored
		log.InfoContext(ctx, "restored blob", "new_blob_id", restored.BlobID, "epoch", restored.Epoch)
		r.notify(ctx, item)
	}
}

func (r *Reconciler) notify(ctx context.Context, item *Item) {
	if r.onUpdate != nil {
		r.onUpdate(ctx, item.Pointer, *item.Updated, item.Paths)
	}
}

// collect sorts items into the report. items are already in oid order.
func (r *Reconciler) collect(items []Item) Report {
	var rep Report
	for _, it := range items {
		if it.Status.CurrentEpoch > rep.CurrentEpoch {
			rep.CurrentEpoch = it.Status.CurrentEpoch
		}
		switch {
		case it.Err != nil:
			rep.Failed = append(rep.Failed, it)
		case it.Class == Fresh:
			rep.Fresh = append(rep.Fresh, it)
		case it.Class == Expiring && it.Updated != nil:
			rep.Extended = append(rep.Extended, it)
		case it.Class == Expiring:
			rep.Expiring = append(rep.Expiring, it)
		case it.Class == Missing && it.Updated != nil:
			rep.Restored = append(rep.Restored, it)
		default:
			rep.Missing = append(rep.Missing, it)
		}
	}
	return rep
}

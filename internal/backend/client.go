package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/git-lfs-walrus/internal/observability"
)

// DefaultTimeout bounds a single backend call when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Client wraps a Backend with a per-call timeout, typed errors, metrics,
// spans and logs. It never retries; see Retry.
type Client struct {
	backend Backend
	name    string
	timeout time.Duration
	metrics *observability.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics records call metrics into m.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithName sets the backend name used in span attributes.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// NewClient wraps b.
func NewClient(b Backend, opts ...ClientOption) *Client {
	c := &Client{backend: b, name: "backend", timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unwrap returns the wrapped backend.
func (c *Client) Unwrap() Backend { return c.backend }

// Supports reports whether the wrapped backend serves direction d.
func (c *Client) Supports(d Direction) bool {
	return Supports(c.backend, d)
}

func (c *Client) Store(ctx context.Context, r io.Reader, epochs uint64) (Stored, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	op, ctx := observability.StartOperation(ctx, c.metrics, "backend.store",
		attribute.String("backend", c.name), attribute.Int64("epochs", int64(epochs)))

	stored, err := c.backend.Store(ctx, r, epochs)
	err = c.finish(ctx, op, "store", "", err)
	if err != nil {
		return Stored{}, err
	}
	op.Bytes("out", stored.Size)
	return stored, nil
}

func (c *Client) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	op, ctx := observability.StartOperation(ctx, c.metrics, "backend.fetch",
		attribute.String("backend", c.name), attribute.String("blob_id", blobID))

	data, err := c.backend.Fetch(ctx, blobID)
	if err = c.finish(ctx, op, "fetch", blobID, err); err != nil {
		return nil, err
	}
	op.Bytes("in", int64(len(data)))
	return data, nil
}

func (c *Client) Status(ctx context.Context, blobID string) (Status, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	op, ctx := observability.StartOperation(ctx, c.metrics, "backend.status",
		attribute.String("backend", c.name), attribute.String("blob_id", blobID))

	st, err := c.backend.Status(ctx, blobID)
	if err = c.finish(ctx, op, "status", blobID, err); err != nil {
		return Status{}, err
	}
	return st, nil
}

func (c *Client) Extend(ctx context.Context, blobID string, epochs uint64) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	op, ctx := observability.StartOperation(ctx, c.metrics, "backend.extend",
		attribute.String("backend", c.name), attribute.String("blob_id", blobID),
		attribute.Int64("epochs", int64(epochs)))

	end, err := c.backend.Extend(ctx, blobID, epochs)
	if err = c.finish(ctx, op, "extend", blobID, err); err != nil {
		return 0, err
	}
	return end, nil
}

func (c *Client) Close() error {
	return c.backend.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// finish classifies err, records it against op and ends the operation.
// A call that ran past its deadline is a Timeout whatever the backend returned.
func (c *Client) finish(ctx context.Context, op *observability.Operation, name, blobID string, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		diag := ""
		var be *Error
		if errors.As(err, &be) {
			diag = be.Diagnostic
		}
		err = &Error{Op: name, BlobID: blobID, Kind: Timeout, Diagnostic: diag, Err: context.DeadlineExceeded}
	}
	err = wrap(name, blobID, err)
	if err != nil {
		op.Error(KindOf(err).String())
	}
	op.End(err)
	return err
}

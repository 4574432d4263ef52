package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation is one timed unit of work: a backend call, a filter run, a
// transfer or a reconcile pass. It owns a span and feeds the shared meters.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	kind    string
	ended   bool
}

// StartOperation starts a span named name and returns the derived context.
// m may be nil, in which case only the span and debug logs are produced.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
	}, ctx
}

// Error records the failure class of the operation. The last kind wins.
func (o *Operation) Error(kind string) {
	o.kind = kind
	o.span.SetAttributes(attribute.String("error.kind", kind))
	if o.metrics != nil {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, kind).Inc()
	}
}

// Bytes counts n bytes moved in direction, "in" for fetches and "out" for
// stores.
func (o *Operation) Bytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	o.span.SetAttributes(attribute.Int64("bytes."+direction, n))
	if o.metrics != nil {
		o.metrics.BytesProcessed.WithLabelValues(direction).Add(float64(n))
	}
}

// End closes the span and observes duration and status. Later calls are no-ops.
func (o *Operation) End(err error) {
	if o.ended {
		return
	}
	o.ended = true

	elapsed := time.Since(o.start)
	status := "ok"
	if err != nil {
		status = "error"
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		slog.DebugContext(o.ctx, "operation failed", "operation", o.name, "kind", o.kind, "error", err, "elapsed", elapsed)
	} else {
		slog.DebugContext(o.ctx, "operation done", "operation", o.name, "elapsed", elapsed)
	}
	o.span.End()

	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(elapsed.Seconds())
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
}

// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the filters, the transfer agent and the
// maintenance commands.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ObsConfig is the config subset needed by the observability package.
type ObsConfig struct {
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPProtocol   string
	ServiceName    string
	ServiceVersion string
	// Backend is recorded on the trace resource.
	Backend string
}

// Observability holds the logger, metrics and tracer of one process.
type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider

	mu       sync.Mutex
	flushers []flusher
}

type flusher struct {
	name string
	fn   func(context.Context) error
}

// New initializes logging, metrics and, when an OTLP endpoint is set, tracing.
func New(ctx context.Context, cfg ObsConfig, w io.Writer) (*Observability, error) {
	o := &Observability{
		Logger:         SetupLogger(cfg.LogLevel, cfg.LogFormat, w),
		Metrics:        NewMetrics(),
		TracerProvider: tracenoop.NewTracerProvider(),
	}
	if cfg.OTLPEndpoint == "" {
		return o, nil
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	o.TracerProvider = tp
	o.onClose("tracer", tp.Shutdown)
	o.Logger.Debug("tracing enabled", "endpoint", cfg.OTLPEndpoint, "protocol", cfg.OTLPProtocol)
	return o, nil
}

func (o *Observability) onClose(name string, fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushers = append(o.flushers, flusher{name: name, fn: fn})
}

// Close stops the metrics server and flushes pending spans, newest first.
// Every flusher runs even if an earlier one fails.
func (o *Observability) Close(ctx context.Context) error {
	o.mu.Lock()
	fs := o.flushers
	o.flushers = nil
	o.mu.Unlock()

	var errs []error
	for i := len(fs) - 1; i >= 0; i-- {
		if err := fs[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fs[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Handler serves /metrics from the process registry and a /health probe.
func (o *Observability) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// ServeMetrics listens on addr and serves Handler until Close. The listener
// is bound before returning so an address in use is reported to the caller.
func (o *Observability) ServeMetrics(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: o.Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	o.onClose("metrics-server", srv.Shutdown)
	o.Logger.DebugContext(ctx, "metrics server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"

	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

// SetupLogger builds the process logger and installs it as slog's default.
// Filters and the transfer agent own stdout, so w is normally os.Stderr.
func SetupLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewPrettyHandler(w, opts)
	}

	logger := slog.New(&TraceHandler{Handler: handler})
	slog.SetDefault(logger)
	return logger
}

// parseLevel accepts slog level names in any case. Unknown names mean info.
func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TraceHandler adds trace_id and span_id from the context's span, so log
// lines can be joined with exported traces.
type TraceHandler struct {
	slog.Handler
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// PrettyHandler writes one line per record for people reading git's stderr:
//
//	15:04:05 WRN [transfer] upload failed oid=4d7a214614ab... kind=timeout
//
// The component attribute becomes the bracketed tag and oids are shortened.
// Levels are colored when w is a terminal.
type PrettyHandler struct {
	level     slog.Leveler
	w         io.Writer
	mu        *sync.Mutex
	component string
	attrs     []slog.Attr
	group     string
	color     bool
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{level: slog.LevelInfo, w: w, mu: &sync.Mutex{}, color: isTerminal(w)}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.TimeOnly))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level, h.color))
	if h.component != "" {
		b.WriteString(" [" + h.component + "]")
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		h.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) writeAttr(b *strings.Builder, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	val := a.Value.Resolve().String()
	if a.Key == "oid" {
		val = logging.FormatOID(val)
	}
	fmt.Fprintf(b, " %s=%s", key, val)
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.group == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.group = name
	return &c
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func levelLabel(l slog.Level, color bool) string {
	label, c := "DBG", colorGray
	switch {
	case l >= slog.LevelError:
		label, c = "ERR", colorRed
	case l >= slog.LevelWarn:
		label, c = "WRN", colorYellow
	case l >= slog.LevelInfo:
		label, c = "INF", colorCyan
	}
	if !color {
		return label
	}
	return c + label + colorReset
}

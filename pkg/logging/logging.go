// Package logging provides the logger handed to git-lfs-walrus components.
// It adds helpers for the identifiers that show up in nearly every line:
// object ids, blob ids and transfer sessions.
package logging

import (
	"context"
	"log/slog"
)

// Logger wraps slog.Logger with domain helpers.
type Logger struct {
	base *slog.Logger
}

// New wraps base. A nil base means slog.Default() at the time of the call.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base}
}

// With returns a Logger that adds attrs to every record.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return &Logger{base: l.base.With(args...)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

// WithSession tags records with a transfer session id.
func (l *Logger) WithSession(id string) *Logger {
	return l.With(slog.String("session", id))
}

// WithOID tags records with an object id. Text output shortens it.
func (l *Logger) WithOID(oid string) *Logger {
	return l.With(slog.String("oid", oid))
}

func (l *Logger) WithBlobID(blobID string) *Logger {
	return l.With(slog.String("blob_id", blobID))
}

func (l *Logger) WithError(err error) *Logger {
	return l.With(slog.String("error", err.Error()))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelError, msg, args...)
}

// DebugContext logs at debug level. The context carries the active span,
// which the trace handler turns into trace_id and span_id.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelError, msg, args...)
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

// FormatOID shortens a sha256 object id to its first 12 hex digits.
func FormatOID(oid string) string {
	if len(oid) <= 12 {
		return oid
	}
	return oid[:12] + "..."
}

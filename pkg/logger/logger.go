// Package logger wraps log/slog for the licensing authority. The license,
// usage and jobs components take a *slog.Logger
// at construction; cmd/licensectl tags each invocation with a correlation
// id via WithInvocationID so the log lines one CLI call produces (a
// rotation, a revocation, an offline issuance) can be traced back to it.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const invocationIDKey ctxKey = "invocation_id"

var defaultLogger *slog.Logger

func init() {
	defaultLogger = New("info", "json")
}

// New creates a structured logger at the given level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Default returns the process-wide default logger, used by components
// constructed without an explicit *slog.Logger.
func Default() *slog.Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
	slog.SetDefault(l)
}

// WithInvocationID attaches a correlation id to ctx. cmd/licensectl calls
// this once per process so every log line the invocation produces, however
// many components it touches, carries the same id.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// FromContext returns the default logger enriched with ctx's invocation
// id, if one was attached.
func FromContext(ctx context.Context) *slog.Logger {
	l := defaultLogger
	if id, ok := ctx.Value(invocationIDKey).(string); ok {
		l = l.With("invocation_id", id)
	}
	return l
}

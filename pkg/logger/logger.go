package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New builds the process-wide structured logger. JSON to stdout in every
// environment; debug level only outside staging and production.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "voice-signaling", "env", appEnv)
}

type ctxKey struct{}

// With stores a logger in context so request-scoped attributes travel with
// the request.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the context logger, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush is a hook for a buffered handler; the JSON handler writes
// through, so it is a no-op today.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }

// Package ctxlog provides context-aware logging utilities.
package ctxlog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey struct{}

// FromContext extracts the logger from context.
// Returns slog.Default() if no logger is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// WithOperation derives a logger tagged with the operation name and a fresh
// op_id, and stores it in the returned context.
func WithOperation(ctx context.Context, operation string) (context.Context, *slog.Logger) {
	logger := FromContext(ctx).With(
		"operation", operation,
		"op_id", uuid.NewString(),
	)
	return WithLogger(ctx, logger), logger
}

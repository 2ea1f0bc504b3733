// Package log carries zap fields through contexts so that a request's
// identifiers reach every log line written on its behalf.
package log

import (
	"context"

	"go.uber.org/zap"
)

type key int

const fieldsKey key = iota

// WithFields returns a context carrying fields in addition to those
// already attached to ctx
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing := Fields(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)

	return context.WithValue(ctx, fieldsKey, merged)
}

// Fields extracts the fields attached to ctx
func Fields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(fieldsKey).([]zap.Field)

	if !ok {
		return nil
	}

	return fields
}

// WithContext enriches logger with the fields attached to ctx
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := Fields(ctx)

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// Default returns logger, or a no-op logger when logger is nil
func Default(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}

	return logger
}

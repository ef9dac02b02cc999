package traceutil

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type traceIDKey struct{}

const _traceIDLogKey = "trace-id"

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// EnsureTraceID returns ctx if it carries a traceID, or a child of ctx with a new one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return SetTraceID(ctx, uuid.NewString())
}

// TraceLogField returns a zap field with the traceID in ctx.
func TraceLogField(ctx context.Context) zap.Field {
	return zap.String(_traceIDLogKey, TraceID(ctx))
}

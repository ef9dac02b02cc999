package traceutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ctx := context.Background()
	re.Empty(TraceID(ctx))

	ctx = SetTraceID(ctx, "abc")
	re.Equal("abc", TraceID(ctx))
	re.Equal("abc", TraceLogField(ctx).String)
	re.Equal(ctx, EnsureTraceID(ctx))

	fresh := EnsureTraceID(context.Background())
	re.Len(TraceID(fresh), 36)
	re.NotEqual(TraceID(fresh), TraceID(EnsureTraceID(context.Background())))
}

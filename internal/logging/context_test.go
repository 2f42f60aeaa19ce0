package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func fieldKeys(fields []zap.Field) []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	return keys
}

func TestContextFields_Trace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	keys := fieldKeys(ContextFields(ctx))
	assert.Contains(t, keys, "trace_id")
	assert.Contains(t, keys, "span_id")
	assert.Contains(t, keys, "trace_sampled")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "run_1")
	ctx = WithSessionID(ctx, "0c5d3b2e-8d4f-4d3c-9b9e-1a2b3c4d5e6f")
	ctx = WithRequestID(ctx, "req-9")

	assert.Equal(t, "run_1", RunIDFromContext(ctx))
	assert.Equal(t, "0c5d3b2e-8d4f-4d3c-9b9e-1a2b3c4d5e6f", SessionIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
	assert.Equal(t, []string{"run.id", "session.id", "request.id"}, fieldKeys(ContextFields(ctx)))
}

func TestContextIDs_InvalidIgnored(t *testing.T) {
	for _, id := range []string{"", "has space", "semi;colon", strings.Repeat("a", maxIDLen+1)} {
		ctx := WithSessionID(context.Background(), id)
		assert.Empty(t, SessionIDFromContext(ctx), id)
	}
}

func TestLoggerInContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

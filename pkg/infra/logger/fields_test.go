package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestWithFields_DoesNotMutateParent(t *testing.T) {
	parent := WithRequestID(context.Background(), "req-1")
	child := WithSessionID(parent, "sess-1")

	assert.Equal(t, []any{"request_id", "req-1"}, GetContextFields(parent))
	assert.Equal(t, []any{"request_id", "req-1", "session_id", "sess-1"}, GetContextFields(child))
	assert.Equal(t, "req-1", RequestID(child))
}

func TestWithFields_IgnoresMalformedPairs(t *testing.T) {
	ctx := WithFields(context.Background(), "a", 1, 2, "skipped", "dangling")
	assert.Equal(t, []any{"a", 1}, GetContextFields(ctx))

	assert.Nil(t, GetContextFields(WithRequestID(context.Background(), "")))
}

func TestExtractOpenTelemetryFields(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := GetContextFields(ExtractOpenTelemetryFields(ctx))
	assert.Equal(t, []any{"span_id", "0102030405060708", "trace_id", "0102030405060708090a0b0c0d0e0f10"}, fields)

	assert.Nil(t, GetContextFields(ExtractOpenTelemetryFields(context.Background())))
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
	assert.NotNil(t, GetLogger(WithRequestID(context.Background(), "x")))
}

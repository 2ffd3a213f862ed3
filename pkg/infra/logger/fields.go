// Package logger carries request-scoped log fields through context.Context
// and resolves a kart-io/logger instance that includes them.
package logger

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/kart-io/logger"
	"github.com/kart-io/logger/core"
)

type contextKey int

const (
	loggerFieldsKey contextKey = iota
	contextLoggerKey
)

// loggerFields holds structured logging fields attached to a context.
type loggerFields struct {
	fields map[string]any
}

func newLoggerFields() *loggerFields {
	return &loggerFields{fields: make(map[string]any)}
}

func (lf *loggerFields) clone() *loggerFields {
	n := newLoggerFields()
	for k, v := range lf.fields {
		n.fields[k] = v
	}
	return n
}

// toSlice 按键排序输出，保证日志字段顺序稳定。
func (lf *loggerFields) toSlice() []any {
	if len(lf.fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(lf.fields))
	for k := range lf.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	slice := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		slice = append(slice, k, lf.fields[k])
	}
	return slice
}

func getLoggerFields(ctx context.Context) *loggerFields {
	if lf, ok := ctx.Value(loggerFieldsKey).(*loggerFields); ok {
		return lf
	}
	return newLoggerFields()
}

func withField(ctx context.Context, key string, value any) context.Context {
	lf := getLoggerFields(ctx).clone()
	lf.fields[key] = value
	return context.WithValue(ctx, loggerFieldsKey, lf)
}

// WithRequestID adds request_id to the context logger fields.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return withField(ctx, "request_id", requestID)
}

// WithSessionID adds session_id to the context logger fields.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return withField(ctx, "session_id", sessionID)
}

// RequestID returns the request_id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := getLoggerFields(ctx).fields["request_id"].(string)
	return id
}

// WithFields adds multiple key-value pairs. Non-string keys and a trailing
// key without value are ignored.
func WithFields(ctx context.Context, keysAndValues ...any) context.Context {
	if len(keysAndValues) < 2 {
		return ctx
	}
	lf := getLoggerFields(ctx).clone()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			lf.fields[key] = keysAndValues[i+1]
		}
	}
	return context.WithValue(ctx, loggerFieldsKey, lf)
}

// ExtractOpenTelemetryFields copies trace_id and span_id from the active span.
func ExtractOpenTelemetryFields(ctx context.Context) context.Context {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ctx
	}
	lf := getLoggerFields(ctx).clone()
	lf.fields["trace_id"] = spanCtx.TraceID().String()
	lf.fields["span_id"] = spanCtx.SpanID().String()
	return context.WithValue(ctx, loggerFieldsKey, lf)
}

// GetContextFields returns all fields stored in ctx as a key-value slice.
func GetContextFields(ctx context.Context) []any {
	return getLoggerFields(ctx).toSlice()
}

// GetLogger returns a logger that includes the context fields.
func GetLogger(ctx context.Context) core.Logger {
	if l, ok := ctx.Value(contextLoggerKey).(core.Logger); ok {
		return l
	}
	base := logger.Global()
	fields := GetContextFields(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// WithLogger stores a pre-configured logger in the context.
func WithLogger(ctx context.Context, log core.Logger) context.Context {
	return context.WithValue(ctx, contextLoggerKey, log)
}

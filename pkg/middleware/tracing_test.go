package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kart-io/sentinel-rag/pkg/infra/logger"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
)

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p := tracing.Install(recorder, nil, 1)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	var fields []any
	engine := gin.New()
	engine.Use(Tracing(), RequestID())
	engine.GET("/items/:id", func(c *gin.Context) {
		fields = logger.GetContextFields(c.Request.Context())
		c.Status(http.StatusOK)
	})
	engine.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	engine.ServeHTTP(httptest.NewRecorder(), req)
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	item := spans[0]
	assert.Equal(t, "GET /items/:id", item.Name())
	assert.Equal(t, traceID, item.SpanContext().TraceID().String())
	assert.Contains(t, item.Attributes(), semconv.HTTPStatusCode(http.StatusOK))
	assert.Contains(t, fields, "trace_id")
	assert.Contains(t, fields, traceID)

	assert.Equal(t, "GET /fail", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

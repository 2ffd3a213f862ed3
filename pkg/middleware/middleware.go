// Package middleware provides gin middleware for the RAG HTTP boundary.
//
// This package includes:
//   - Tracing: OpenTelemetry server span per request with W3C context propagation
//   - RequestID: propagates or generates X-Request-ID and stores it in the request context
//   - Logger: structured request logging through kart-io/logger
//   - Recovery: panic recovery with the errno JSON envelope
//   - CORS: Cross-Origin Resource Sharing support
//
// Usage:
//
//	engine := gin.New()
//	engine.Use(
//	    middleware.Tracing(),
//	    middleware.RequestID(),
//	    middleware.Logger(),
//	    middleware.Recovery(),
//	    middleware.CORS(),
//	)
package middleware

// Package router provides RAG service routing.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/internal/rag/handler"
)

// Register registers the RAG service routes.
func Register(r gin.IRouter, h *handler.RAGHandler) {
	logger.Info("Registering RAG routes...")

	r.GET("/healthz", h.Health)
	r.GET("/version", h.Version)

	v1 := r.Group("/v1")
	{
		rag := v1.Group("/rag")
		{
			// Session endpoints
			rag.POST("/sessions", h.CreateSession)
			rag.POST("/sessions/:id/messages", h.SendMessage)
			rag.GET("/sessions/:id/history", h.History)
			rag.DELETE("/sessions/:id", h.CloseSession)

			// Stateless endpoints
			rag.POST("/query", h.Query)
			rag.POST("/search", h.Search)
			rag.POST("/index", h.Index)

			// Introspection
			rag.GET("/stats", h.Stats)
			rag.GET("/metrics", h.Metrics)
		}
	}

	logger.Info("HTTP routes registered")
}

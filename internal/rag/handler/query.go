package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/app"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// QueryRequest represents a stateless query request.
type QueryRequest struct {
	Question string `json:"question" binding:"required,nonblank"`
	K        *int   `json:"k"`
}

// Query performs a stateless RAG query.
func (h *RAGHandler) Query(c *gin.Context) {
	var req QueryRequest
	if !h.bindJSON(c, &req) {
		return
	}
	result, err := h.service.RAGQuery(c.Request.Context(), req.Question, kOrDefault(req.K, h.config.DefaultK))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, result)
}

// SearchRequest represents a metadata search request.
type SearchRequest struct {
	// Query 为空时只按过滤条件扫描。
	Query  string     `json:"query"`
	Filter biz.Filter `json:"filter"`
	Limit  *int       `json:"limit"`
}

// SearchResponse is returned by Search.
type SearchResponse struct {
	Total int                   `json:"total"`
	Hits  store.RetrievalResult `json:"hits"`
}

// Search finds chunks by metadata filter, optionally ranked by a query.
func (h *RAGHandler) Search(c *gin.Context) {
	var req SearchRequest
	if !h.bindJSON(c, &req) {
		return
	}
	hits, err := h.service.SearchDocuments(c.Request.Context(), req.Query, req.Filter, kOrDefault(req.Limit, h.config.DefaultLimit))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, SearchResponse{Total: len(hits), Hits: hits})
}

// IndexRequest represents a directory index request.
type IndexRequest struct {
	// Directory 为空时使用配置的文档目录。
	Directory string `json:"directory" binding:"omitempty,nodotdot"`
	Force     bool   `json:"force"`
}

// IndexResponse is returned by Index.
type IndexResponse struct {
	*biz.BuildReport
	Warnings []string `json:"warnings,omitempty"`
}

// Index ingests a directory. Without force only new files are appended
// when the existing ones are unchanged.
func (h *RAGHandler) Index(c *gin.Context) {
	var req IndexRequest
	if !h.bindJSON(c, &req) {
		return
	}
	dir := strings.TrimSpace(req.Directory)
	if dir == "" {
		dir = h.config.DataDir
	}
	report, err := h.service.IndexDirectory(c.Request.Context(), dir, req.Force)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, IndexResponse{BuildReport: report, Warnings: report.WarningMessages()})
}

// Stats returns index, session, cache and counter state.
func (h *RAGHandler) Stats(c *gin.Context) {
	response.OK(c, h.service.Stats(c.Request.Context()))
}

// Metrics serves the Prometheus scrape endpoint.
func (h *RAGHandler) Metrics(c *gin.Context) {
	h.service.MetricsHandler().ServeHTTP(c.Writer, c.Request)
}

// Health reports liveness.
func (h *RAGHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// VersionResponse 版本信息。
type VersionResponse struct {
	GitVersion string `json:"git_version"`
	GitCommit  string `json:"git_commit,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	GoVersion  string `json:"go_version,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// Version returns build information.
func (h *RAGHandler) Version(c *gin.Context) {
	info := app.GetVersionInfo()
	c.JSON(http.StatusOK, VersionResponse{
		GitVersion: info.GitVersion,
		GitCommit:  info.GitCommit,
		BuildDate:  info.BuildDate,
		GoVersion:  info.GoVersion,
		Platform:   info.Platform,
	})
}

// Package handler provides HTTP handlers for the RAG query boundary.
package handler

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/logger"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
	"github.com/kart-io/sentinel-rag/pkg/utils/validator"
)

// Service is the subset of biz.Service used by the handlers.
type Service interface {
	StartSession(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, sessionID, text string, k int, streaming bool) (*biz.Answer, error)
	History(ctx context.Context, sessionID string, maxTurns int) ([]biz.Message, error)
	CloseSession(ctx context.Context, sessionID string) error
	RAGQuery(ctx context.Context, question string, k int) (*biz.QueryResult, error)
	SearchDocuments(ctx context.Context, query string, filter biz.Filter, limit int) (store.RetrievalResult, error)
	IndexDirectory(ctx context.Context, dir string, force bool) (*biz.BuildReport, error)
	Stats(ctx context.Context) biz.Stats
	MetricsHandler() http.Handler
}

var _ Service = (*biz.Service)(nil)

// Config 请求缺省值。
type Config struct {
	// DefaultK 请求未指定 k 时检索的分块数。
	DefaultK int
	// DefaultLimit 搜索未指定 limit 时的返回数。
	DefaultLimit int
	// DataDir 索引请求未指定目录时使用的文档目录。
	DataDir string
}

// RAGHandler handles RAG HTTP requests.
type RAGHandler struct {
	service   Service
	config    Config
	validator *validator.Validator
}

// NewRAGHandler creates a new RAGHandler. The custom binding rules are
// installed on gin's validator here, before any route is served.
func NewRAGHandler(service Service, config Config) (*RAGHandler, error) {
	v, err := validator.Gin()
	if err != nil {
		return nil, err
	}
	if config.DefaultK <= 0 {
		config.DefaultK = 3
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 10
	}
	return &RAGHandler{service: service, config: config, validator: v}, nil
}

// bindJSON 解析并校验请求体，失败时写入 400 响应。
func (h *RAGHandler) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Fail(c, errors.ErrInvalidParam.WithCause(err),
			h.validator.Translate(err, response.Language(c))...)
		return false
	}
	return true
}

// fail 写入错误响应。客户端已断开时只记录日志。
func (h *RAGHandler) fail(c *gin.Context, err error) {
	switch {
	case stderrors.Is(err, context.Canceled) && c.Request.Context().Err() != nil:
		logger.GetLogger(c.Request.Context()).Debugw("client went away", "path", c.FullPath())
		c.Abort()
		return
	case stderrors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errors.ErrGenerationProvider):
		err = errors.ErrTimeout.WithCause(err)
	}
	response.Fail(c, err)
}

func kOrDefault(k *int, def int) int {
	if k == nil {
		return def
	}
	return *k
}

package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// 通用错误 (服务代码 00)
var (
	OK = &Errno{Code: 0, HTTP: http.StatusOK, GRPCCode: codes.OK, MessageEN: "OK", MessageZH: "成功"}

	ErrInvalidParam = NewRequestErr(ServiceCommon, 1, "Invalid parameter", "参数无效")
	ErrNotFound     = NewNotFoundErr(ServiceCommon, 1, "Resource not found", "资源不存在")
	ErrInternal     = NewInternalErr(ServiceCommon, 1, "Internal server error", "服务器内部错误")
	ErrTimeout      = NewTimeoutErr(ServiceCommon, 1, "Request timeout", "请求超时")
)

// RAG 服务错误 (服务代码 20)
var (
	// 摄取 (ingestion)
	ErrIngestionWarning = NewError(ServiceRAG, CategoryRequest, 1, http.StatusUnprocessableEntity, codes.InvalidArgument,
		"Source file skipped", "源文件已跳过")
	ErrInvalidChunkConfig = NewRequestErr(ServiceRAG, 2, "Invalid chunk configuration", "分块配置无效")

	// 向量索引
	ErrIndexDimensionMismatch = NewRequestErr(ServiceRAG, 10, "Vector dimension mismatch", "向量维度不一致")
	ErrInvalidTopK            = NewRequestErr(ServiceRAG, 11, "k must be positive", "k 必须为正数")
	ErrDuplicateChunk         = NewConflictErr(ServiceRAG, 10, "Duplicate chunk id", "重复的分块 ID")
	ErrIndexNotReady          = NewError(ServiceRAG, CategoryInternal, 10, http.StatusServiceUnavailable, codes.FailedPrecondition,
		"Index is not ready", "索引尚未就绪")
	ErrIndexArtifactMissing = NewNotFoundErr(ServiceRAG, 10, "Persisted index artifact missing", "索引持久化文件缺失")
	ErrIndexCorrupt         = NewError(ServiceRAG, CategoryStorage, 10, http.StatusInternalServerError, codes.DataLoss,
		"Persisted index is corrupt", "索引持久化文件损坏")
	ErrIndexPersist = NewError(ServiceRAG, CategoryStorage, 11, http.StatusInternalServerError, codes.Internal,
		"Failed to persist index", "索引持久化失败")

	// 检索
	ErrUnknownFilterField = NewRequestErr(ServiceRAG, 20, "Unknown filter field", "未知的过滤字段")
	ErrEmptyQuery         = NewRequestErr(ServiceRAG, 21, "Query text is empty", "查询内容为空")

	// 会话
	ErrSessionNotFound  = NewNotFoundErr(ServiceRAG, 30, "Session not found", "会话不存在")
	ErrDuplicateSession = NewConflictErr(ServiceRAG, 30, "Session already exists", "会话已存在")
	ErrSessionClosed    = NewConflictErr(ServiceRAG, 31, "Session is closed", "会话已关闭")
	ErrSessionBusy      = NewRateLimitErr(ServiceRAG, 30, "Session has a generation in flight", "会话正在生成回答")
)

// 外部模型供应商错误 (服务代码 90)
var (
	ErrEmbeddingProvider = NewError(ServiceProvider, CategoryNetwork, 1, http.StatusServiceUnavailable, codes.Unavailable,
		"Embedding provider failed", "向量化服务调用失败")
	ErrGenerationProvider = NewNetworkErr(ServiceProvider, 2, "Generation provider failed", "生成服务调用失败")
)

package biz

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// ServiceConfig RAG 服务配置。
type ServiceConfig struct {
	Indexer   *IndexerConfig
	Retriever *RetrieverConfig
	Session   *SessionConfig
	Prompt    PromptConfig
	Generator GeneratorConfig
	// FilterFields 允许过滤的元数据字段（保留字段总是允许）；
	// 为空时使用索引中出现过的元数据键。
	FilterFields []string
	// HistoryTurns 构建提示词时读取的历史消息数。
	HistoryTurns int
}

// Dependencies 由调用方构造并注入的组件。
type Dependencies struct {
	Index    *store.Index
	Embedder *EmbeddingClient
	Chat     llm.ChatProvider
	Cache    *QueryCache
	Metrics  *metrics.Metrics
}

// Service 对外的问答入口，组合索引、检索、会话与生成。
type Service struct {
	index        *store.Index
	indexer      *Indexer
	embedder     *EmbeddingClient
	retriever    *Retriever
	sessions     *SessionStore
	prompts      *PromptBuilder
	generator    *Generator
	orchestrator *Orchestrator
	cache        *QueryCache
	chat         llm.ChatProvider
	metrics      *metrics.Metrics

	// 同一时刻只允许一个索引任务
	indexMu sync.Mutex
}

// NewService 创建 RAG 服务。
func NewService(deps Dependencies, config *ServiceConfig) (*Service, error) {
	if deps.Index == nil || deps.Embedder == nil || deps.Chat == nil {
		return nil, errors.ErrInvalidParam.WithMessage("index, embedder and chat provider are required")
	}
	indexer, err := NewIndexer(deps.Embedder, config.Indexer, deps.Metrics)
	if err != nil {
		return nil, err
	}

	schema := NewFilterSchema(config.FilterFields...).WithIndex(deps.Index)
	retriever := NewRetriever(deps.Index, deps.Embedder, schema, config.Retriever, deps.Metrics)
	sessions := NewSessionStore(config.Session, deps.Metrics)
	prompts := NewPromptBuilder(config.Prompt)
	generator := NewGenerator(deps.Chat, config.Generator, deps.Metrics)

	svc := &Service{
		index:        deps.Index,
		indexer:      indexer,
		embedder:     deps.Embedder,
		retriever:    retriever,
		sessions:     sessions,
		prompts:      prompts,
		generator:    generator,
		orchestrator: NewOrchestrator(sessions, retriever, prompts, generator, config.HistoryTurns, deps.Metrics),
		cache:        deps.Cache,
		chat:         deps.Chat,
		metrics:      deps.Metrics,
	}
	if err := svc.registerGauges(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) registerGauges() error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"index_entries", "Number of chunks in the index.", func() float64 { return float64(s.index.Len()) }},
		{"index_version", "Current index snapshot version.", func() float64 { return float64(s.index.Version()) }},
		{"sessions_active", "Number of active sessions.", func() float64 { return float64(s.sessions.Count()) }},
	}
	for _, g := range gauges {
		if err := s.metrics.RegisterGauge(g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("register gauge %s: %w", g.name, err)
		}
	}
	return nil
}

// Sessions 返回会话存储。
func (s *Service) Sessions() *SessionStore { return s.sessions }

// Index 返回向量索引。
func (s *Service) Index() *store.Index { return s.index }

// LoadIndex 从持久化目录加载索引；没有持久化文件时保持空索引。
func (s *Service) LoadIndex(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	err := s.indexer.Load(ctx, s.index)
	if errors.Is(err, errors.ErrIndexArtifactMissing) {
		logger.Infow("no persisted index found", "dir", s.indexer.Dir())
		return nil
	}
	return err
}

// IndexDirectory 索引目录中的文档。force 为 true 时全量重建，否则按源文件清单增量更新。
func (s *Service) IndexDirectory(ctx context.Context, dir string, force bool) (*BuildReport, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.ErrInvalidParam.WithMessage("directory is required")
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	report, err := s.indexer.Update(ctx, s.index, dir, force)
	if err != nil {
		logger.Errorw("indexing failed", "dir", dir, "error", err.Error())
		return nil, err
	}
	logger.Infow("indexing finished",
		"dir", dir,
		"mode", string(report.Mode),
		"files", report.Files,
		"chunks", report.Chunks,
		"entries", report.Entries,
		"warnings", len(report.Warnings),
		"duration", report.Duration,
	)
	return report, nil
}

// StartSession 为用户创建新会话，返回会话 ID。
func (s *Service) StartSession(_ context.Context, userID string) (string, error) {
	sess, err := s.sessions.Create(userID, "")
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// SendMessage 在会话中提问。streaming 为 true 时从 Answer.Stream 读取回答。
func (s *Service) SendMessage(ctx context.Context, sessionID, text string, k int, streaming bool) (*Answer, error) {
	return s.orchestrator.AnswerTurn(ctx, sessionID, text, k, streaming)
}

// History 返回会话最近 maxTurns 条消息；已关闭的会话仍可读取。
func (s *Service) History(_ context.Context, sessionID string, maxTurns int) ([]Message, error) {
	return s.sessions.History(sessionID, maxTurns)
}

// Session 返回会话快照。
func (s *Service) Session(_ context.Context, sessionID string) (Session, error) {
	return s.sessions.Get(sessionID)
}

// CloseSession 关闭会话。
func (s *Service) CloseSession(_ context.Context, sessionID string) error {
	return s.sessions.Close(sessionID)
}

// EvictIdle 淘汰在 threshold 之前不再活跃的会话，返回数量。
func (s *Service) EvictIdle(_ context.Context, threshold time.Time) int {
	return s.sessions.EvictIdleSince(threshold)
}

// RAGQuery 无状态问答：检索 k 个分块并生成回答。
func (s *Service) RAGQuery(ctx context.Context, question string, k int) (result *QueryResult, err error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.ErrEmptyQuery
	}
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("k must be positive, got %d", k)
	}

	ctx, span := tracing.Start(ctx, "rag.query", attribute.Int("rag.k", k))
	defer func() {
		span.SetAttributes(attribute.Bool("rag.cached", result != nil && result.Cached))
		tracing.End(span, err)
	}()

	version := s.index.Version()
	if cached, _ := s.cache.Get(ctx, question, k, version); cached != nil {
		s.metrics.RecordQuery(true, nil)
		return cached, nil
	}
	defer func() { s.metrics.RecordQuery(false, err) }()

	hits, err := s.retriever.Retrieve(ctx, question, k, nil)
	if err != nil {
		return nil, err
	}
	prompt := s.prompts.Build(question, hits, nil)
	answer, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	result = &QueryResult{
		Answer:  answer,
		Sources: SourcesOf(hits, prompt.ChunkIDs),
		Hits:    hits,
	}
	// 写入失败已在 Set 中记录
	_ = s.cache.Set(ctx, question, k, version, result)
	return result, nil
}

// SearchDocuments 按元数据过滤检索分块。query 为空时只按过滤条件扫描。
func (s *Service) SearchDocuments(ctx context.Context, query string, filter Filter, limit int) (store.RetrievalResult, error) {
	return s.retriever.Search(ctx, strings.TrimSpace(query), filter, limit)
}

// FilterFields 返回允许过滤的字段。
func (s *Service) FilterFields() []string { return s.retriever.Schema().Fields() }

// IndexStats 索引状态。
type IndexStats struct {
	Size      int    `json:"size"`
	State     string `json:"state"`
	Version   uint64 `json:"version"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Dir       string `json:"dir"`
}

// Stats 服务运行状态。
type Stats struct {
	Index          IndexStats               `json:"index"`
	ActiveSessions int                      `json:"active_sessions"`
	EmbedProvider  string                   `json:"embed_provider"`
	ChatProvider   string                   `json:"chat_provider"`
	FilterFields   []string                 `json:"filter_fields"`
	Breaker        *resilience.BreakerStats `json:"breaker,omitempty"`
	Cache          CacheStats               `json:"cache"`
	Metrics        metrics.Snapshot         `json:"metrics"`
}

// Stats 返回索引、会话与指标的当前状态。
func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{
		Index: IndexStats{
			Size:      s.index.Len(),
			State:     s.index.State().String(),
			Version:   s.index.Version(),
			Dimension: s.index.Dimension(),
			Metric:    s.index.Metric(),
			Dir:       s.indexer.Dir(),
		},
		ActiveSessions: s.sessions.Count(),
		EmbedProvider:  s.embedder.Name(),
		ChatProvider:   s.chat.Name(),
		FilterFields:   s.FilterFields(),
		Metrics:        s.metrics.Snapshot(),
	}
	if rp, ok := s.chat.(*resilience.ResilientChatProvider); ok {
		bs := rp.CircuitBreaker().Stats()
		st.Breaker = &bs
	}
	if cs, err := s.cache.Stats(ctx); err == nil {
		st.Cache = cs
	}
	return st
}

// MetricsHandler 返回 Prometheus 抓取端点。
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

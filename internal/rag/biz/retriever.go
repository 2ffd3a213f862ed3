package biz

import (
	"context"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// RetrieverConfig 检索器配置。
type RetrieverConfig struct {
	// Oversample 有过滤条件时候选数为 k*Oversample。
	Oversample int
	// MinCandidates 有过滤条件时的最少候选数。
	MinCandidates int
}

// DefaultRetrieverConfig 返回默认配置。
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{Oversample: 4, MinCandidates: 20}
}

// Retriever 负责查询向量化、近邻检索与元数据过滤。
type Retriever struct {
	index    *store.Index
	embedder *EmbeddingClient
	schema   *FilterSchema
	config   *RetrieverConfig
	metrics  *metrics.Metrics
}

// NewRetriever 创建检索器实例。
func NewRetriever(index *store.Index, embedder *EmbeddingClient, schema *FilterSchema, config *RetrieverConfig, m *metrics.Metrics) *Retriever {
	if config == nil {
		config = DefaultRetrieverConfig()
	}
	if schema == nil {
		schema = NewFilterSchema()
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		schema:   schema,
		config:   config,
		metrics:  m,
	}
}

// Schema 返回过滤字段白名单。
func (r *Retriever) Schema() *FilterSchema { return r.schema }

// candidates 有过滤条件时多取一些候选，过滤后再截断。
func (r *Retriever) candidates(k int, filter Filter) int {
	if len(filter) == 0 {
		return k
	}
	return max(k*max(r.config.Oversample, 1), r.config.MinCandidates)
}

// Retrieve 返回与 query 最相近、且满足 filter 的至多 k 个分块。
// 过滤后不足 k 个时按实际数量返回，不做补齐。
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter Filter) (store.RetrievalResult, error) {
	ctx, span := tracing.Start(ctx, "rag.retrieve",
		attribute.Int("rag.k", k),
		attribute.StringSlice("rag.filter_fields", filter.Fields()),
	)
	start := time.Now()
	res, filtered, err := r.retrieve(ctx, query, k, filter)
	r.metrics.RecordRetrieval(time.Since(start), filtered, err)
	span.SetAttributes(attribute.Int("rag.hits", len(res)), attribute.Int("rag.filtered", filtered))
	tracing.End(span, err)
	return res, err
}

func (r *Retriever) retrieve(ctx context.Context, query string, k int, filter Filter) (store.RetrievalResult, int, error) {
	if k <= 0 {
		return nil, 0, errors.ErrInvalidTopK.WithMessagef("k must be positive, got %d", k)
	}
	if strings.TrimSpace(query) == "" {
		return nil, 0, errors.ErrEmptyQuery
	}
	if err := r.schema.Validate(filter); err != nil {
		return nil, 0, err
	}
	if r.index.State() == store.StateEmpty {
		return nil, 0, errors.ErrIndexNotReady
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	hits, err := r.index.Query(vec, r.candidates(k, filter))
	if err != nil {
		return nil, 0, err
	}
	if len(filter) == 0 {
		return hits, 0, nil
	}

	out := make(store.RetrievalResult, 0, k)
	for _, h := range hits {
		if !filter.Match(h.Chunk) {
			continue
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	filtered := len(hits) - len(out)
	if len(out) < k {
		logger.Debugw("filter left fewer results than requested",
			"k", k,
			"candidates", len(hits),
			"returned", len(out),
			"filter_fields", filter.Fields(),
		)
	}
	return out, filtered, nil
}

// Search 元数据检索。query 为空时按插入顺序扫描索引，分数记为 1；
// 否则等价于 Retrieve(query, limit, filter)。
func (r *Retriever) Search(ctx context.Context, query string, filter Filter, limit int) (store.RetrievalResult, error) {
	if strings.TrimSpace(query) != "" {
		return r.Retrieve(ctx, query, limit, filter)
	}
	if limit <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("limit must be positive, got %d", limit)
	}
	if err := r.schema.Validate(filter); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pred func(store.Chunk) bool
	if len(filter) > 0 {
		pred = filter.Match
	}
	chunks, err := r.index.Scan(pred, limit)
	if err != nil {
		return nil, err
	}
	out := make(store.RetrievalResult, len(chunks))
	for i, c := range chunks {
		out[i] = store.Hit{Chunk: c, Score: 1}
	}
	return out, nil
}

// Package rag provides RAG (Retrieval-Augmented Generation) configuration options.
package rag

import (
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/sentinel-rag/pkg/options"
	"github.com/spf13/pflag"
)

var _ options.IOptions = (*Options)(nil)

// Options contains RAG-specific configuration.
type Options struct {
	// Chunk 分块配置。
	Chunk *ChunkOptions `json:"chunk" mapstructure:"chunk"`

	// Index 索引与数据目录配置。
	Index *IndexOptions `json:"index" mapstructure:"index"`

	// Embedding 向量化批处理配置。
	Embedding *EmbeddingOptions `json:"embedding" mapstructure:"embedding"`

	// Retrieval 检索配置。
	Retrieval *RetrievalOptions `json:"retrieval" mapstructure:"retrieval"`

	// Session 会话配置。
	Session *SessionOptions `json:"session" mapstructure:"session"`

	// Generation 生成配置。
	Generation *GenerationOptions `json:"generation" mapstructure:"generation"`

	// Cache 缓存配置，依赖 redis.enabled。
	Cache *CacheOptions `json:"cache" mapstructure:"cache"`
}

// ChunkOptions 分块配置，单位为字符。
type ChunkOptions struct {
	Size    int `json:"size" mapstructure:"size"`
	Overlap int `json:"overlap" mapstructure:"overlap"`
}

// IndexOptions 索引配置。
type IndexOptions struct {
	// Dir 持久化目录（vectors.bin + metadata.db）。
	Dir string `json:"dir" mapstructure:"dir"`

	// DataDir 待摄取的文档目录。
	DataDir string `json:"data-dir" mapstructure:"data-dir"`

	// Sheet 仅读取指定工作表，为空表示全部。
	Sheet string `json:"sheet" mapstructure:"sheet"`

	// LoadOnStart 启动时加载或增量更新索引。
	LoadOnStart bool `json:"load-on-start" mapstructure:"load-on-start"`
}

// EmbeddingOptions 向量化批处理配置。
type EmbeddingOptions struct {
	BatchSize      int           `json:"batch-size" mapstructure:"batch-size"`
	MaxConcurrency int           `json:"max-concurrency" mapstructure:"max-concurrency"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	// RateLimit 每秒请求数，0 表示不限速。
	RateLimit    float64       `json:"rate-limit" mapstructure:"rate-limit"`
	MaxAttempts  int           `json:"max-attempts" mapstructure:"max-attempts"`
	InitialDelay time.Duration `json:"initial-delay" mapstructure:"initial-delay"`
	MaxDelay     time.Duration `json:"max-delay" mapstructure:"max-delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
}

// RetrievalOptions 检索配置。
type RetrievalOptions struct {
	TopK int `json:"top-k" mapstructure:"top-k"`

	// Oversample 有过滤条件时的候选倍数。
	Oversample int `json:"oversample" mapstructure:"oversample"`

	// MinCandidates 有过滤条件时的最少候选数。
	MinCandidates int `json:"min-candidates" mapstructure:"min-candidates"`

	// FilterFields 允许过滤的元数据字段；为空时使用索引中出现过的字段。
	FilterFields []string `json:"filter-fields" mapstructure:"filter-fields"`
}

// SessionOptions 会话配置。
type SessionOptions struct {
	// MaxTurns 每个会话保留的最大消息数。
	MaxTurns int `json:"max-turns" mapstructure:"max-turns"`

	// HistoryTurns 构造提示词时带入的历史消息数。
	HistoryTurns  int           `json:"history-turns" mapstructure:"history-turns"`
	IdleTimeout   time.Duration `json:"idle-timeout" mapstructure:"idle-timeout"`
	SweepInterval time.Duration `json:"sweep-interval" mapstructure:"sweep-interval"`

	// RetainFor 关闭或过期的会话保留多久后清除。
	RetainFor time.Duration `json:"retain-for" mapstructure:"retain-for"`
}

// GenerationOptions 生成配置。
type GenerationOptions struct {
	SystemPrompt string `json:"system-prompt" mapstructure:"system-prompt"`

	// ContextBudget 提示词字符预算。
	ContextBudget int           `json:"context-budget" mapstructure:"context-budget"`
	StreamBuffer  int           `json:"stream-buffer" mapstructure:"stream-buffer"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`

	// BreakerThreshold 连续失败多少次后熔断。
	BreakerThreshold int           `json:"breaker-threshold" mapstructure:"breaker-threshold"`
	BreakerTimeout   time.Duration `json:"breaker-timeout" mapstructure:"breaker-timeout"`
}

// CacheOptions 缓存配置。
type CacheOptions struct {
	EmbeddingTTL time.Duration `json:"embedding-ttl" mapstructure:"embedding-ttl"`

	// QueryTTL 无状态问答结果缓存时间，0 表示关闭。
	QueryTTL  time.Duration `json:"query-ttl" mapstructure:"query-ttl"`
	KeyPrefix string        `json:"key-prefix" mapstructure:"key-prefix"`
}

// DefaultSystemPrompt is the default system prompt for RAG queries.
const DefaultSystemPrompt = `你是一个基于资料回答问题的助手。请只根据下面的资料回答问题，资料中没有的信息请直接说明不知道。
回答时尽量引用资料中的原文字段。

资料：
{{context}}

问题：{{question}}`

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Chunk: &ChunkOptions{
			Size:    500,
			Overlap: 50,
		},
		Index: &IndexOptions{
			Dir:         "_output/rag-index",
			DataDir:     "_output/rag-data",
			LoadOnStart: true,
		},
		Embedding: &EmbeddingOptions{
			BatchSize:      16,
			MaxConcurrency: 4,
			Timeout:        30 * time.Second,
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			Multiplier:     2,
		},
		Retrieval: &RetrievalOptions{
			TopK:          3,
			Oversample:    4,
			MinCandidates: 20,
		},
		Session: &SessionOptions{
			MaxTurns:      40,
			HistoryTurns:  6,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			RetainFor:     10 * time.Minute,
		},
		Generation: &GenerationOptions{
			SystemPrompt:     DefaultSystemPrompt,
			ContextBudget:    6000,
			StreamBuffer:     64,
			Timeout:          2 * time.Minute,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Cache: &CacheOptions{
			EmbeddingTTL: 24 * time.Hour,
			QueryTTL:     10 * time.Minute,
			KeyPrefix:    "rag:",
		},
	}
}

// AddFlags adds flags for RAG options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "rag."

	fs.IntVar(&o.Chunk.Size, p+"chunk.size", o.Chunk.Size, "Chunk window size in characters.")
	fs.IntVar(&o.Chunk.Overlap, p+"chunk.overlap", o.Chunk.Overlap, "Characters shared by consecutive chunks.")

	fs.StringVar(&o.Index.Dir, p+"index.dir", o.Index.Dir, "Directory holding vectors.bin and metadata.db.")
	fs.StringVar(&o.Index.DataDir, p+"index.data-dir", o.Index.DataDir, "Directory of source documents to ingest.")
	fs.StringVar(&o.Index.Sheet, p+"index.sheet", o.Index.Sheet, "Only read this worksheet from spreadsheets.")
	fs.BoolVar(&o.Index.LoadOnStart, p+"index.load-on-start", o.Index.LoadOnStart, "Load or incrementally update the index at startup.")

	fs.IntVar(&o.Embedding.BatchSize, p+"embedding.batch-size", o.Embedding.BatchSize, "Texts per embedding request.")
	fs.IntVar(&o.Embedding.MaxConcurrency, p+"embedding.max-concurrency", o.Embedding.MaxConcurrency, "Concurrent embedding batches.")
	fs.DurationVar(&o.Embedding.Timeout, p+"embedding.timeout", o.Embedding.Timeout, "Per-batch embedding timeout.")
	fs.Float64Var(&o.Embedding.RateLimit, p+"embedding.rate-limit", o.Embedding.RateLimit, "Embedding requests per second, 0 for unlimited.")
	fs.IntVar(&o.Embedding.MaxAttempts, p+"embedding.max-attempts", o.Embedding.MaxAttempts, "Attempts per embedding batch.")
	fs.DurationVar(&o.Embedding.InitialDelay, p+"embedding.initial-delay", o.Embedding.InitialDelay, "Initial retry backoff.")
	fs.DurationVar(&o.Embedding.MaxDelay, p+"embedding.max-delay", o.Embedding.MaxDelay, "Maximum retry backoff.")
	fs.Float64Var(&o.Embedding.Multiplier, p+"embedding.multiplier", o.Embedding.Multiplier, "Retry backoff multiplier.")

	fs.IntVar(&o.Retrieval.TopK, p+"retrieval.top-k", o.Retrieval.TopK, "Default number of chunks to retrieve.")
	fs.IntVar(&o.Retrieval.Oversample, p+"retrieval.oversample", o.Retrieval.Oversample, "Candidate multiplier when a filter is present.")
	fs.IntVar(&o.Retrieval.MinCandidates, p+"retrieval.min-candidates", o.Retrieval.MinCandidates, "Minimum candidates when a filter is present.")
	fs.StringSliceVar(&o.Retrieval.FilterFields, p+"retrieval.filter-fields", o.Retrieval.FilterFields, "Metadata fields accepted in filters.")

	fs.IntVar(&o.Session.MaxTurns, p+"session.max-turns", o.Session.MaxTurns, "Messages kept per session.")
	fs.IntVar(&o.Session.HistoryTurns, p+"session.history-turns", o.Session.HistoryTurns, "History messages passed to the prompt.")
	fs.DurationVar(&o.Session.IdleTimeout, p+"session.idle-timeout", o.Session.IdleTimeout, "Idle time before a session expires.")
	fs.DurationVar(&o.Session.SweepInterval, p+"session.sweep-interval", o.Session.SweepInterval, "Idle session sweep interval.")
	fs.DurationVar(&o.Session.RetainFor, p+"session.retain-for", o.Session.RetainFor, "How long closed sessions are kept before purge.")

	fs.StringVar(&o.Generation.SystemPrompt, p+"generation.system-prompt", o.Generation.SystemPrompt, "System prompt template with {{context}} and {{question}}.")
	fs.IntVar(&o.Generation.ContextBudget, p+"generation.context-budget", o.Generation.ContextBudget, "Prompt budget in characters.")
	fs.IntVar(&o.Generation.StreamBuffer, p+"generation.stream-buffer", o.Generation.StreamBuffer, "Buffered tokens between provider and consumer.")
	fs.DurationVar(&o.Generation.Timeout, p+"generation.timeout", o.Generation.Timeout, "Timeout for a single answer.")
	fs.IntVar(&o.Generation.BreakerThreshold, p+"generation.breaker-threshold", o.Generation.BreakerThreshold, "Consecutive failures before the circuit opens.")
	fs.DurationVar(&o.Generation.BreakerTimeout, p+"generation.breaker-timeout", o.Generation.BreakerTimeout, "Time the circuit stays open.")

	fs.DurationVar(&o.Cache.EmbeddingTTL, p+"cache.embedding-ttl", o.Cache.EmbeddingTTL, "Embedding cache TTL.")
	fs.DurationVar(&o.Cache.QueryTTL, p+"cache.query-ttl", o.Cache.QueryTTL, "Stateless query cache TTL, 0 disables it.")
	fs.StringVar(&o.Cache.KeyPrefix, p+"cache.key-prefix", o.Cache.KeyPrefix, "Cache key prefix.")
}

// Validate validates the RAG options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("rag.chunk.size must be positive"))
	}
	if o.Chunk.Overlap >= o.Chunk.Size {
		errs = append(errs, fmt.Errorf("rag.chunk.overlap must be smaller than rag.chunk.size"))
	}
	if o.Index.Dir == "" {
		errs = append(errs, fmt.Errorf("rag.index.dir is required"))
	}
	if o.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("rag.embedding.batch-size must be positive"))
	}
	if o.Embedding.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("rag.embedding.max-concurrency must be positive"))
	}
	if o.Embedding.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("rag.embedding.max-attempts must be positive"))
	}
	if o.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("rag.retrieval.top-k must be positive"))
	}
	if o.Generation.ContextBudget <= 0 {
		errs = append(errs, fmt.Errorf("rag.generation.context-budget must be positive"))
	}
	if o.Generation.StreamBuffer < 0 {
		errs = append(errs, fmt.Errorf("rag.generation.stream-buffer must not be negative"))
	}
	if !strings.Contains(o.Generation.SystemPrompt, "{{context}}") {
		errs = append(errs, fmt.Errorf("rag.generation.system-prompt must contain {{context}}"))
	}
	return errs
}

// Complete completes the RAG options with defaults.
func (o *Options) Complete() error {
	def := NewOptions()
	if o.Chunk == nil {
		o.Chunk = def.Chunk
	}
	if o.Index == nil {
		o.Index = def.Index
	}
	if o.Embedding == nil {
		o.Embedding = def.Embedding
	}
	if o.Retrieval == nil {
		o.Retrieval = def.Retrieval
	}
	if o.Session == nil {
		o.Session = def.Session
	}
	if o.Generation == nil {
		o.Generation = def.Generation
	}
	if o.Cache == nil {
		o.Cache = def.Cache
	}
	if o.Chunk.Overlap < 0 {
		o.Chunk.Overlap = 0
	}
	if o.Generation.SystemPrompt == "" {
		o.Generation.SystemPrompt = DefaultSystemPrompt
	}
	if o.Retrieval.Oversample <= 0 {
		o.Retrieval.Oversample = def.Retrieval.Oversample
	}
	return nil
}

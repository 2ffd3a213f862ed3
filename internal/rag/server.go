// Package ragsvc provides the RAG Service server implementation.
package ragsvc

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/chunker"
	"github.com/kart-io/sentinel-rag/internal/pkg/rag/loader"
	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/handler"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/router"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/app"
	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	"github.com/kart-io/sentinel-rag/pkg/middleware"
	httpopts "github.com/kart-io/sentinel-rag/pkg/options/http"
	llmopts "github.com/kart-io/sentinel-rag/pkg/options/llm"
	logopts "github.com/kart-io/sentinel-rag/pkg/options/logger"
	ragopts "github.com/kart-io/sentinel-rag/pkg/options/rag"
	redisopts "github.com/kart-io/sentinel-rag/pkg/options/redis"
	tracingopts "github.com/kart-io/sentinel-rag/pkg/options/tracing"

	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/sentinel-rag/pkg/llm/local"
	_ "github.com/kart-io/sentinel-rag/pkg/llm/ollama"
	_ "github.com/kart-io/sentinel-rag/pkg/llm/openai"
)

// Name is the name of the application.
const Name = "sentinel-rag"

// Config contains application-related configurations.
type Config struct {
	HTTPOptions      *httpopts.Options
	LogOptions       *logopts.Options
	RedisOptions     *redisopts.Options
	EmbeddingOptions *llmopts.ProviderOptions
	ChatOptions      *llmopts.ProviderOptions
	RAGOptions       *ragopts.Options
	TracingOptions   *tracingopts.Options
}

// Components 由配置构造的核心组件，HTTP 服务与离线索引共用。
type Components struct {
	Service *biz.Service
	Metrics *metrics.Metrics
	Pools   *pool.Manager
	Tracing *tracing.Provider
	redis   goredis.UniversalClient
}

// InitLogger 初始化全局日志。
func (cfg *Config) InitLogger(service string) error {
	cfg.LogOptions.WithService(service, app.GetVersion())
	if err := cfg.LogOptions.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// NewComponents 构造 worker 池、缓存、LLM 供应商、索引与服务。
func (cfg *Config) NewComponents(ctx context.Context) (_ *Components, err error) {
	c := &Components{Metrics: metrics.New(), Pools: pool.NewManager()}
	defer func() {
		if err != nil {
			c.Close(time.Second)
		}
	}()
	rag := cfg.RAGOptions

	// 0. Tracing（可选）
	c.Tracing, err = tracing.NewProvider(ctx, cfg.TracingOptions, Name, app.GetVersion())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// 1. Redis（可选）
	redis, err := cfg.RedisOptions.NewClient(ctx)
	if err != nil {
		logger.Warnw("failed to connect to redis, caches will be disabled", "addr", cfg.RedisOptions.Addr(), "error", err.Error())
		redis = nil
	}
	c.redis = redis

	// 2. LLM 供应商
	var embedProvider llm.EmbeddingProvider
	embedProvider, err = llm.NewEmbeddingProvider(cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	if redis != nil && rag.Cache.EmbeddingTTL > 0 {
		embedProvider = llm.NewCachedEmbeddingProvider(embedProvider, redis, &llm.EmbeddingCacheConfig{
			Enabled:   true,
			TTL:       rag.Cache.EmbeddingTTL,
			KeyPrefix: rag.Cache.KeyPrefix + "emb:",
			Namespace: cfg.EmbeddingOptions.Provider + ":" + cfg.EmbeddingOptions.Model,
		})
	}
	logger.Infow("Embedding provider initialized",
		"provider", cfg.EmbeddingOptions.Provider,
		"model", cfg.EmbeddingOptions.Model,
		"cached", redis != nil && rag.Cache.EmbeddingTTL > 0,
	)

	chatProvider, err := llm.NewChatProvider(cfg.ChatOptions.Provider, cfg.ChatOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}
	chat := resilience.NewResilientChatProvider(chatProvider, resilience.DefaultRetryConfig(), &resilience.CircuitBreakerConfig{
		MaxFailures:      rag.Generation.BreakerThreshold,
		Timeout:          rag.Generation.BreakerTimeout,
		HalfOpenMaxCalls: 1,
	})
	logger.Infow("Chat provider initialized",
		"provider", cfg.ChatOptions.Provider,
		"model", cfg.ChatOptions.Model,
	)

	// 3. Worker 池
	embedPool, err := c.Pools.Register(pool.EmbeddingPool, pool.EmbeddingPoolConfig(rag.Embedding.MaxConcurrency))
	if err != nil {
		return nil, err
	}
	if _, err = c.Pools.Register(pool.BackgroundPool, pool.BackgroundPoolConfig()); err != nil {
		return nil, err
	}

	// 4. Biz 层
	embedder := biz.NewEmbeddingClient(embedProvider, embedPool, &biz.EmbeddingConfig{
		BatchSize: rag.Embedding.BatchSize,
		Timeout:   rag.Embedding.Timeout,
		RateLimit: rag.Embedding.RateLimit,
		Retry: &resilience.RetryConfig{
			MaxAttempts:  rag.Embedding.MaxAttempts,
			InitialDelay: rag.Embedding.InitialDelay,
			MaxDelay:     rag.Embedding.MaxDelay,
			Multiplier:   rag.Embedding.Multiplier,
		},
	}, c.Metrics)

	queryCache := biz.NewQueryCache(redis, &biz.QueryCacheConfig{
		Enabled:   redis != nil && rag.Cache.QueryTTL > 0,
		TTL:       rag.Cache.QueryTTL,
		KeyPrefix: rag.Cache.KeyPrefix,
	})

	c.Service, err = biz.NewService(biz.Dependencies{
		Index:    store.NewIndex(0),
		Embedder: embedder,
		Chat:     chat,
		Cache:    queryCache,
		Metrics:  c.Metrics,
	}, cfg.serviceConfig())
	if err != nil {
		return nil, err
	}
	logger.Infow("RAG service initialized",
		"index.dir", rag.Index.Dir,
		"cache.query", queryCache.Enabled(),
		"filter_fields", c.Service.FilterFields(),
	)
	return c, nil
}

func (cfg *Config) serviceConfig() *biz.ServiceConfig {
	rag := cfg.RAGOptions
	return &biz.ServiceConfig{
		Indexer: &biz.IndexerConfig{
			Dir:    rag.Index.Dir,
			Chunk:  chunker.Config{Size: rag.Chunk.Size, Overlap: rag.Chunk.Overlap},
			Loader: loader.Options{Sheet: rag.Index.Sheet},
		},
		Retriever: &biz.RetrieverConfig{
			Oversample:    rag.Retrieval.Oversample,
			MinCandidates: rag.Retrieval.MinCandidates,
		},
		Session: &biz.SessionConfig{
			MaxTurns:      rag.Session.MaxTurns,
			IdleTimeout:   rag.Session.IdleTimeout,
			SweepInterval: rag.Session.SweepInterval,
			RetainFor:     rag.Session.RetainFor,
		},
		Prompt: biz.PromptConfig{
			SystemPrompt:  rag.Generation.SystemPrompt,
			ContextBudget: rag.Generation.ContextBudget,
		},
		Generator: biz.GeneratorConfig{
			Timeout:      rag.Generation.Timeout,
			StreamBuffer: rag.Generation.StreamBuffer,
		},
		FilterFields: rag.Retrieval.FilterFields,
		HistoryTurns: rag.Session.HistoryTurns,
	}
}

// Close 释放 worker 池、Redis 连接并导出剩余 span。
func (c *Components) Close(timeout time.Duration) {
	if c.Pools != nil {
		if err := c.Pools.ReleaseAll(timeout); err != nil {
			logger.Warnw("failed to release worker pools", "error", err.Error())
		}
	}
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
	if c.Tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.Tracing.Shutdown(ctx); err != nil {
			logger.Warnw("failed to flush spans", "error", err.Error())
		}
		c.Tracing = nil
	}
}

// Server represents the RAG server.
type Server struct {
	cfg        *Config
	components *Components
	engine     *gin.Engine
	http       *http.Server
}

// NewServer initializes and returns a new Server instance.
func (cfg *Config) NewServer(ctx context.Context) (*Server, error) {
	printBanner(cfg)

	// 1. 初始化日志
	if err := cfg.InitLogger(Name); err != nil {
		return nil, err
	}
	logger.Info("Starting RAG service...")

	// 2. 核心组件
	components, err := cfg.NewComponents(ctx)
	if err != nil {
		return nil, err
	}
	svc := components.Service

	// 3. 加载或增量更新索引
	if cfg.RAGOptions.Index.LoadOnStart {
		if err := cfg.warmIndex(ctx, svc); err != nil {
			components.Close(time.Second)
			return nil, err
		}
	}

	// 4. Handler 层与路由
	ragHandler, err := handler.NewRAGHandler(svc, handler.Config{
		DefaultK: cfg.RAGOptions.Retrieval.TopK,
		DataDir:  cfg.RAGOptions.Index.DataDir,
	})
	if err != nil {
		components.Close(time.Second)
		return nil, fmt.Errorf("failed to initialize handler: %w", err)
	}

	gin.SetMode(cfg.HTTPOptions.Mode)
	engine := gin.New()
	if components.Tracing.Enabled() {
		engine.Use(middleware.Tracing())
	}
	engine.Use(middleware.RequestID(), middleware.Logger(), middleware.Recovery())
	if len(cfg.HTTPOptions.CORSOrigins) > 0 {
		engine.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.HTTPOptions.CORSOrigins}))
	}
	router.Register(engine, ragHandler)

	logger.Info("RAG service is ready")
	return &Server{
		cfg:        cfg,
		components: components,
		engine:     engine,
		http: &http.Server{
			Addr:         cfg.HTTPOptions.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.HTTPOptions.ReadTimeout,
			WriteTimeout: cfg.HTTPOptions.WriteTimeout,
			IdleTimeout:  cfg.HTTPOptions.IdleTimeout,
		},
	}, nil
}

// warmIndex 加载持久化索引，数据目录存在时再做一次增量更新。
// 索引文件损坏时返回错误；增量更新失败只记录日志，继续使用已加载的索引。
func (cfg *Config) warmIndex(ctx context.Context, svc *biz.Service) error {
	if err := svc.LoadIndex(ctx); err != nil {
		return fmt.Errorf("failed to load index: %w", err)
	}
	dataDir := cfg.RAGOptions.Index.DataDir
	if dataDir == "" {
		return nil
	}
	if _, err := os.Stat(dataDir); err != nil {
		logger.Infow("data directory not found, skipping startup indexing", "dir", dataDir)
		return nil
	}
	report, err := svc.IndexDirectory(ctx, dataDir, false)
	if err != nil {
		logger.Errorw("startup indexing failed", "dir", dataDir, "error", err.Error())
		return nil
	}
	for _, w := range report.WarningMessages() {
		logger.Warnw("ingestion warning", "warning", w)
	}
	return nil
}

// Service returns the RAG service.
func (s *Server) Service() *biz.Service { return s.components.Service }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		s.components.Close(time.Second)
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	timeout := s.cfg.HTTPOptions.ShutdownTimeout
	defer s.components.Close(timeout)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if bg, err := s.components.Pools.Get(pool.BackgroundPool); err == nil {
		sessions := s.components.Service.Sessions()
		if err := bg.Submit(func() { sessions.Run(sweepCtx) }); err != nil {
			logger.Warnw("failed to start session sweeper", "error", err.Error())
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("Shutting down RAG service", "timeout", timeout)
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return <-errCh
}

func printBanner(cfg *Config) {
	fmt.Printf("Starting %s...\n", Name)
	fmt.Printf("  Embedding: %s (%s)\n", cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.Model)
	fmt.Printf("  Chat: %s (%s)\n", cfg.ChatOptions.Provider, cfg.ChatOptions.Model)
	fmt.Printf("  Index: %s\n", cfg.RAGOptions.Index.Dir)
}

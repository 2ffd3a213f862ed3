package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"golang.org/x/time/rate"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// errInvalidBatch 供应商返回的批次数量或维度不对，按可重试处理。
var errInvalidBatch = stderrors.New("provider returned an invalid batch")

// EmbeddingConfig 向量化客户端配置。
type EmbeddingConfig struct {
	// BatchSize 单次请求的最大文本数。
	BatchSize int
	// Timeout 单次 Embed 调用的总超时。
	Timeout time.Duration
	// RateLimit 每秒请求数上限，0 表示不限制。
	RateLimit float64
	// Retry 批次失败时的重试策略。
	Retry *resilience.RetryConfig
}

// DefaultEmbeddingConfig 返回默认配置。
func DefaultEmbeddingConfig() *EmbeddingConfig {
	return &EmbeddingConfig{
		BatchSize: 16,
		Timeout:   30 * time.Second,
		Retry:     resilience.DefaultRetryConfig(),
	}
}

// EmbeddingClient 把文本转换为向量。
// 文本按 BatchSize 分批，批次在 worker 池上并发执行，失败的批次单独重试。
type EmbeddingClient struct {
	provider llm.EmbeddingProvider
	pool     *pool.Pool
	limiter  *rate.Limiter
	config   *EmbeddingConfig
	metrics  *metrics.Metrics
}

// NewEmbeddingClient 创建向量化客户端。p 的容量即最大并发批次数。
func NewEmbeddingClient(provider llm.EmbeddingProvider, p *pool.Pool, config *EmbeddingConfig, m *metrics.Metrics) *EmbeddingClient {
	if config == nil {
		config = DefaultEmbeddingConfig()
	}
	cfg := *config
	config = &cfg
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.Retry == nil {
		config.Retry = resilience.DefaultRetryConfig()
	}
	retry := *config.Retry
	base := retry.RetryableErrors
	if base == nil {
		base = resilience.IsRetryableError
	}
	retry.RetryableErrors = func(err error) bool {
		return stderrors.Is(err, errInvalidBatch) || base(err)
	}
	config.Retry = &retry

	c := &EmbeddingClient{
		provider: provider,
		pool:     p,
		config:   config,
		metrics:  m,
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(1, int(config.RateLimit)))
	}
	return c
}

// Name 返回供应商名称。
func (c *EmbeddingClient) Name() string { return c.provider.Name() }

// Embed 返回与 texts 等长、同序的向量。
// 任一批次重试耗尽后整个调用失败，错误为 ErrEmbeddingProvider。
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	callCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	out := make([][]float32, len(texts))
	size := c.config.BatchSize

	if len(texts) <= size || c.pool == nil {
		for start := 0; start < len(texts); start += size {
			end := min(start+size, len(texts))
			if err := c.embedBatch(callCtx, texts[start:end], out[start:end]); err != nil {
				return nil, c.wrap(ctx, err)
			}
		}
		if err := c.checkDimensions(out); err != nil {
			return nil, err
		}
		return out, nil
	}

	g, _ := pool.NewGroup(callCtx, c.pool)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batch, dst := texts[start:end], out[start:end]
		g.Go(func(ctx context.Context) error {
			return c.embedBatch(ctx, batch, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, c.wrap(ctx, err)
	}
	if err := c.checkDimensions(out); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery 向量化单个查询文本。
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedBatch 请求一个批次并写入 dst；只重试本批次。
func (c *EmbeddingClient) embedBatch(ctx context.Context, batch []string, dst [][]float32) error {
	attempts := 0
	err := resilience.RetryWithBackoff(ctx, c.config.Retry, func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		vecs, err := c.provider.Embed(ctx, batch)
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("%w: got %d vectors for %d texts", errInvalidBatch, len(vecs), len(batch))
		}
		for i, v := range vecs {
			if len(v) == 0 {
				return fmt.Errorf("%w: empty vector at %d", errInvalidBatch, i)
			}
		}
		copy(dst, vecs)
		return nil
	})
	c.metrics.RecordEmbedBatch(attempts-1, err)
	if err != nil {
		logger.Warnw("embedding batch failed",
			"provider", c.provider.Name(),
			"batch_size", len(batch),
			"attempts", attempts,
			"error", err.Error(),
		)
	}
	return err
}

func (c *EmbeddingClient) checkDimensions(vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) != dim {
			return errors.ErrEmbeddingProvider.WithMessagef(
				"provider returned dimension %d at %d, expected %d", len(v), i, dim)
		}
	}
	return nil
}

// wrap 调用方自己取消时原样返回上下文错误。
func (c *EmbeddingClient) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.ErrEmbeddingProvider.WithCause(err)
}

package biz

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// GeneratorConfig 回答生成配置。
type GeneratorConfig struct {
	// Timeout 单次生成的超时，超时后本轮失败。
	Timeout time.Duration
	// StreamBuffer 流式 token 通道容量。
	StreamBuffer int
}

// DefaultGeneratorConfig 返回默认配置。
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Timeout: 60 * time.Second, StreamBuffer: 64}
}

// Generator 调用对话模型生成回答。
// 重试与熔断由传入的 provider 负责（见 resilience.NewResilientChatProvider）。
type Generator struct {
	provider llm.ChatProvider
	config   GeneratorConfig
	metrics  *metrics.Metrics
}

// NewGenerator 创建回答生成器。
func NewGenerator(provider llm.ChatProvider, config GeneratorConfig, m *metrics.Metrics) *Generator {
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = 64
	}
	return &Generator{provider: provider, config: config, metrics: m}
}

// Name 返回供应商名称。
func (g *Generator) Name() string { return g.provider.Name() }

func (g *Generator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.config.Timeout > 0 {
		return context.WithTimeout(ctx, g.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// Generate 一次性生成完整回答。
func (g *Generator) Generate(ctx context.Context, prompt Prompt) (answer string, err error) {
	ctx, span := tracing.Start(ctx, "rag.generate",
		attribute.String("llm.provider", g.provider.Name()),
		attribute.Int("rag.prompt_chunks", len(prompt.ChunkIDs)),
	)
	defer func() { tracing.End(span, err) }()

	gctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	answer, err = g.provider.Chat(gctx, prompt.Messages)
	if err != nil {
		err = generationError(ctx, err)
		g.metrics.RecordLLMCall(time.Since(start), err)
		return "", err
	}
	g.metrics.RecordLLMCall(time.Since(start), nil)
	return answer, nil
}

// GenerateStream 以流的形式生成回答。
// onFinish 在流结束时恰好调用一次：成功时 err 为 nil，answer 为完整回答；
// 取消时 err 为 context 错误。它先于 Tokens 通道关闭执行。
func (g *Generator) GenerateStream(ctx context.Context, prompt Prompt, onFinish func(answer string, err error)) (*TokenStream, error) {
	sctx, cancel := g.withTimeout(ctx)

	start := time.Now()
	stream, err := llm.OpenStream(sctx, g.provider, prompt.Messages)
	if err != nil {
		cancel()
		err = generationError(ctx, err)
		g.metrics.RecordLLMCall(time.Since(start), err)
		return nil, err
	}
	g.metrics.RecordStream(false)

	ts := &TokenStream{
		tokens:   make(chan string, g.config.StreamBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
		onFinish: onFinish,
	}
	// 取消后立即关闭上游流，阻塞中的 Recv 随之返回
	stop := context.AfterFunc(sctx, func() {
		ts.finish(stopCause(ctx, sctx))
		_ = stream.Close()
	})

	go func() {
		defer close(ts.done)
		defer close(ts.tokens)
		defer cancel()
		defer stop()
		defer stream.Close()

		err := ts.pump(sctx, stream)
		switch {
		case sctx.Err() != nil:
			err = stopCause(ctx, sctx)
		case err != nil:
			err = generationError(ctx, err)
		}

		ts.finish(err)
		if err = ts.result(); stderrors.Is(err, context.Canceled) {
			g.metrics.RecordStream(true)
		} else {
			g.metrics.RecordLLMCall(time.Since(start), err)
		}
		if err != nil && !stderrors.Is(err, context.Canceled) {
			logger.Warnw("answer stream failed", "provider", g.provider.Name(), "error", err.Error())
		}
	}()
	return ts, nil
}

// stopCause 区分调用方取消、Close 与生成超时。
func stopCause(parent, sctx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if stderrors.Is(sctx.Err(), context.DeadlineExceeded) {
		return errors.ErrGenerationProvider.WithCause(sctx.Err())
	}
	return context.Canceled
}

func generationError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var e *errors.Errno
	if errors.As(err, &e) {
		return err
	}
	return errors.ErrGenerationProvider.WithCause(err)
}

// TokenStream 流式回答。消费方从 Tokens 读取直到通道关闭，然后调用 Err。
// Close 可以随时调用，它会取消生成且不等待上游返回。
type TokenStream struct {
	tokens chan string
	done   chan struct{}
	cancel context.CancelFunc

	once     sync.Once
	onFinish func(string, error)

	mu   sync.Mutex
	text strings.Builder
	err  error
}

func (s *TokenStream) pump(ctx context.Context, stream llm.Stream) error {
	for {
		tok, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if tok == "" {
			continue
		}

		s.mu.Lock()
		s.text.WriteString(tok)
		s.mu.Unlock()

		select {
		case s.tokens <- tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *TokenStream) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish 只有第一次调用生效。
func (s *TokenStream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		text := s.text.String()
		s.mu.Unlock()
		if s.onFinish != nil {
			if err != nil {
				text = ""
			}
			s.onFinish(text, err)
		}
	})
}

// Tokens 返回 token 通道，流结束后关闭。
func (s *TokenStream) Tokens() <-chan string { return s.tokens }

// Done 在生成协程退出后关闭。
func (s *TokenStream) Done() <-chan struct{} { return s.done }

// Err 阻塞到流结束，返回结束原因；正常完成返回 nil。
func (s *TokenStream) Err() error {
	<-s.done
	return s.result()
}

// Text 返回目前已生成的文本。
func (s *TokenStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Close 取消生成。可重复调用。
func (s *TokenStream) Close() error {
	s.cancel()
	return nil
}

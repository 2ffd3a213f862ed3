package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
)

// ResilientChatProvider 带重试与熔断的 Chat Provider 包装器。
// 流式调用只在建立连接阶段重试；已开始输出的流不会被重放。
type ResilientChatProvider struct {
	provider llm.ChatProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientChatProvider 创建带韧性功能的 Chat Provider。
func NewResilientChatProvider(provider llm.ChatProvider, retryConfig *RetryConfig, cbConfig *CircuitBreakerConfig) *ResilientChatProvider {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	return &ResilientChatProvider{
		provider: provider,
		retry:    retryConfig,
		cb:       NewCircuitBreaker(provider.Name(), cbConfig),
	}
}

// Chat 进行多轮对话（带重试和熔断）。
func (r *ResilientChatProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	var answer string
	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var err error
		answer, err = r.provider.Chat(ctx, messages)
		return err
	})
	return answer, err
}

// ChatStream 打开流式对话；不支持流式的底层供应商退化为单 token 流。
// 熔断器在流结束时记录结果。
func (r *ResilientChatProvider) ChatStream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	var stream llm.Stream
	err := RetryWithBackoff(ctx, r.retry, func() error {
		if err := r.cb.Allow(); err != nil {
			return err
		}
		var err error
		stream, err = llm.OpenStream(ctx, r.provider, messages)
		if err != nil {
			r.cb.Record(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &guardedStream{Stream: stream, cb: r.cb}, nil
}

// Name 返回供应商名称。
func (r *ResilientChatProvider) Name() string {
	return r.provider.Name()
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientChatProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// guardedStream 在流终止时把结果报告给熔断器，只报告一次。
type guardedStream struct {
	llm.Stream
	cb       *CircuitBreaker
	recorded bool
}

func (g *guardedStream) Recv() (string, error) {
	tok, err := g.Stream.Recv()
	if err != nil && !g.recorded {
		g.recorded = true
		if errors.Is(err, io.EOF) {
			g.cb.Record(nil)
		} else {
			g.cb.Record(err)
		}
	}
	return tok, err
}

var _ llm.StreamingChatProvider = (*ResilientChatProvider)(nil)

// IsRetryableError 判断错误是否可重试：网络错误、超时、5xx、408 与 429 可重试，
// 调用方取消、熔断与 4xx 不可重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

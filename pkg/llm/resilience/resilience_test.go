package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
)

var errTemporary = &httpclient.StatusError{StatusCode: 503}

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

// fakeClock 可手动推进的时钟。
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{
		MaxFailures:      maxFailures,
		Timeout:          time.Second,
		HalfOpenMaxCalls: 1,
	})
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb, clock := newTestBreaker(2)
	boom := errors.New("boom")

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitBreakerOpen)

	// 超时后半开，探测失败重新打开
	clock.advance(2 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	// 再次半开，探测成功关闭
	clock.advance(2 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1)
	_ = cb.Execute(func() error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())

	cb.Reset()
	assert.Equal(t, "closed", cb.Stats().State)
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(10))
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("eventual success", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetry(3), func() error {
			calls++
			if calls < 3 {
				return errTemporary
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("max attempts", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetry(2), func() error {
			calls++
			return errTemporary
		})
		assert.ErrorIs(t, err, ErrMaxAttempts)
		assert.ErrorIs(t, err, errTemporary)
		assert.Equal(t, 2, calls)
	})

	t.Run("non retryable", func(t *testing.T) {
		calls := 0
		bad := &httpclient.StatusError{StatusCode: 400}
		err := RetryWithBackoff(ctx, fastRetry(5), func() error {
			calls++
			return bad
		})
		assert.ErrorIs(t, err, bad)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled during wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1}
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := RetryWithBackoff(cctx, cfg, func() error { return errTemporary })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"breaker open", ErrCircuitBreakerOpen, false},
		{"5xx", &httpclient.StatusError{StatusCode: 502}, true},
		{"429 wrapped", fmt.Errorf("embed: %w", &httpclient.StatusError{StatusCode: 429}), true},
		{"401", &httpclient.StatusError{StatusCode: 401}, false},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

// flakyChat 前 failures 次调用返回临时错误。
type flakyChat struct {
	failures int
	calls    int
}

func (f *flakyChat) Name() string { return "flaky" }

func (f *flakyChat) Chat(context.Context, []llm.Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errTemporary
	}
	return "hello world", nil
}

func TestResilientChatProvider(t *testing.T) {
	ctx := context.Background()
	inner := &flakyChat{failures: 1}
	p := NewResilientChatProvider(inner, fastRetry(3), nil)

	answer, err := p.Chat(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", answer)
	assert.Equal(t, 2, inner.calls)

	// 非流式底层供应商退化为单 token 流
	s, err := p.ChatStream(ctx, nil)
	require.NoError(t, err)
	tok, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello world", tok)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, p.CircuitBreaker().State())
}

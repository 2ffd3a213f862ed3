package biz

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/local"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
)

// flakyEmbedder 对包含 failOn 的批次先失败 failures 次。
type flakyEmbedder struct {
	inner    *local.Provider
	failOn   string
	failures int
	status   int
	short    bool

	mu      sync.Mutex
	calls   int
	batches [][]string
}

func (f *flakyEmbedder) Name() string { return "flaky" }

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	fail := false
	for _, t := range texts {
		if t == f.failOn && f.failures > 0 {
			f.failures--
			fail = true
			break
		}
	}
	f.mu.Unlock()

	if fail {
		if f.short {
			return [][]float32{{1}}, nil
		}
		return nil, &httpclient.StatusError{StatusCode: f.status, Body: "upstream"}
	}
	return f.inner.Embed(ctx, texts)
}

func (f *flakyEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

var _ llm.EmbeddingProvider = (*flakyEmbedder)(nil)

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("text number %d", i)
	}
	return out
}

func TestEmbeddingClientKeepsOrderAcrossBatches(t *testing.T) {
	p, err := pool.NewPool("embed-test", pool.EmbeddingPoolConfig(4))
	require.NoError(t, err)
	defer p.Release()

	provider := &flakyEmbedder{inner: local.New(32)}
	m := metrics.New()
	c := NewEmbeddingClient(provider, p, &EmbeddingConfig{BatchSize: 3, Retry: fastRetry(2)}, m)

	in := texts(10)
	got, err := c.Embed(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, len(in))

	want, err := local.New(32).Embed(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.Equal(t, 4, provider.calls)
	for _, b := range provider.batches {
		assert.LessOrEqual(t, len(b), 3)
	}
	assert.Equal(t, uint64(4), m.Snapshot().Embedding.Batches)
}

func TestEmbeddingClientRetriesOnlyFailedBatch(t *testing.T) {
	provider := &flakyEmbedder{
		inner:    local.New(16),
		failOn:   "text number 4",
		failures: 2,
		status:   http.StatusServiceUnavailable,
	}
	c := NewEmbeddingClient(provider, nil, &EmbeddingConfig{BatchSize: 3, Retry: fastRetry(3)}, nil)

	got, err := c.Embed(context.Background(), texts(6))
	require.NoError(t, err)
	assert.Len(t, got, 6)
	// 两个批次，第二个批次失败两次
	assert.Equal(t, 4, provider.calls)
}

func TestEmbeddingClientGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		short     bool
		wantCalls int
	}{
		{name: "server error exhausts retries", status: http.StatusBadGateway, wantCalls: 3},
		{name: "client error fails fast", status: http.StatusBadRequest, wantCalls: 1},
		{name: "short batch is retried", short: true, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &flakyEmbedder{
				inner:    local.New(16),
				failOn:   "text number 0",
				failures: 10,
				status:   tt.status,
				short:    tt.short,
			}
			c := NewEmbeddingClient(provider, nil, &EmbeddingConfig{BatchSize: 4, Retry: fastRetry(3)}, nil)

			_, err := c.Embed(context.Background(), texts(2))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrEmbeddingProvider))
			assert.Equal(t, tt.wantCalls, provider.calls)
		})
	}
}

// mixedEmbedder 第二个批次返回不同维度的向量。
type mixedEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (m *mixedEmbedder) Name() string { return "mixed" }

func (m *mixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	dim := 2
	if m.calls == 2 {
		dim = 3
	}
	m.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dim)
		out[i][0] = 1
	}
	return out, nil
}

func (m *mixedEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func TestEmbeddingClientDimensionMismatch(t *testing.T) {
	c := NewEmbeddingClient(&mixedEmbedder{}, nil, &EmbeddingConfig{
		BatchSize: 2,
		Timeout:   time.Second,
		Retry:     fastRetry(1),
	}, nil)

	vecs, err := c.Embed(context.Background(), texts(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmbeddingProvider))
	assert.Nil(t, vecs)
}

func TestEmbeddingClientCallerCancel(t *testing.T) {
	provider := &flakyEmbedder{inner: local.New(16)}
	c := NewEmbeddingClient(provider, nil, &EmbeddingConfig{BatchSize: 4, Timeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Embed(ctx, texts(2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbeddingClientEmpty(t *testing.T) {
	c := newTestEmbedder(t, nil)
	got, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	v, err := c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, testDim)
}

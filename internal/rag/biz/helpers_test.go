package biz

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/chunker"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/llm/local"
	"github.com/kart-io/sentinel-rag/pkg/llm/resilience"
	ragopts "github.com/kart-io/sentinel-rag/pkg/options/rag"
)

const testDim = 128

func fastRetry(attempts int) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestEmbedder(t *testing.T, provider llm.EmbeddingProvider) *EmbeddingClient {
	t.Helper()
	if provider == nil {
		provider = local.New(testDim)
	}
	return NewEmbeddingClient(provider, nil, &EmbeddingConfig{
		BatchSize: 8,
		Timeout:   5 * time.Second,
		Retry:     fastRetry(3),
	}, metrics.New())
}

// chunkSpec 测试用分块：文本与元数据。
type chunkSpec struct {
	text string
	meta store.Metadata
}

// buildIndex 用离线供应商向量化后建立索引。
func buildIndex(t *testing.T, emb *EmbeddingClient, chunks ...chunkSpec) *store.Index {
	t.Helper()
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vecs, err := emb.Embed(context.Background(), texts)
	require.NoError(t, err)

	entries := make([]store.Entry, len(chunks))
	for i, c := range chunks {
		docID := "doc-" + string(rune('a'+i%26)) + strings.Repeat("x", i/26)
		entries[i] = store.Entry{
			Chunk: store.Chunk{
				ID:         store.ChunkID(docID, 0),
				DocumentID: docID,
				Text:       c.text,
				Metadata:   c.meta,
			},
			Vector: vecs[i],
		}
	}
	idx := store.NewIndex(0)
	require.NoError(t, idx.Build(entries))
	return idx
}

func testServiceConfig(dir string) *ServiceConfig {
	return &ServiceConfig{
		Indexer:   &IndexerConfig{Dir: dir, Chunk: chunker.Config{Size: 500, Overlap: 50}},
		Retriever: DefaultRetrieverConfig(),
		Session:   DefaultSessionConfig(),
		Prompt: PromptConfig{
			SystemPrompt:  ragopts.DefaultSystemPrompt,
			ContextBudget: 6000,
		},
		Generator:    GeneratorConfig{Timeout: 5 * time.Second, StreamBuffer: 4},
		FilterFields: []string{"title", "location", "salary", "company", "city"},
		HistoryTurns: 6,
	}
}

func newTestService(t *testing.T, idx *store.Index, chat llm.ChatProvider) *Service {
	t.Helper()
	if idx == nil {
		idx = store.NewIndex(0)
	}
	if chat == nil {
		chat = local.New(testDim)
	}
	svc, err := NewService(Dependencies{
		Index:    idx,
		Embedder: newTestEmbedder(t, nil),
		Chat:     chat,
		Metrics:  metrics.New(),
	}, testServiceConfig(t.TempDir()))
	require.NoError(t, err)
	return svc
}

// scriptedChat 按脚本输出 token；block 为 true 时输出完后阻塞到流被关闭。
type scriptedChat struct {
	tokens []string
	fail   error
	block  bool

	calls  atomic.Int32
	closed atomic.Int32
}

func (c *scriptedChat) Name() string { return "scripted" }

func (c *scriptedChat) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.fail != nil {
		return "", c.fail
	}
	return strings.Join(c.tokens, ""), nil
}

func (c *scriptedChat) ChatStream(ctx context.Context, _ []llm.Message) (llm.Stream, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &scriptedStream{chat: c, closed: make(chan struct{})}, nil
}

type scriptedStream struct {
	chat   *scriptedChat
	next   int
	once   sync.Once
	closed chan struct{}
}

func (s *scriptedStream) Recv() (string, error) {
	if s.next < len(s.chat.tokens) {
		tok := s.chat.tokens[s.next]
		s.next++
		return tok, nil
	}
	if s.chat.fail != nil {
		return "", s.chat.fail
	}
	if s.chat.block {
		<-s.closed
		return "", io.ErrClosedPipe
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.chat.closed.Add(1)
	})
	return nil
}

// drain 读完所有 token。
func drain(t *testing.T, ts *TokenStream) string {
	t.Helper()
	var b strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tok, ok := <-ts.Tokens():
			if !ok {
				return b.String()
			}
			b.WriteString(tok)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

var jobChunks = []chunkSpec{
	{text: "title: Python 开发工程师\nlocation: 深圳\nsalary: 15-20K", meta: store.Metadata{"title": "Python 开发工程师", "location": "深圳", "salary": "15-20K"}},
	{text: "title: Go 后端工程师\nlocation: 上海\nsalary: 20-30K", meta: store.Metadata{"title": "Go 后端工程师", "location": "上海", "salary": "20-30K"}},
	{text: "title: 销售经理\nlocation: 北京\nsalary: 8-10K", meta: store.Metadata{"title": "销售经理", "location": "北京", "salary": "8-10K"}},
	{text: "title: Python 数据分析师\nlocation: 深圳\nsalary: 12-18K", meta: store.Metadata{"title": "Python 数据分析师", "location": "深圳", "salary": "12-18K"}},
}

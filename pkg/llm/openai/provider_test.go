package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

const testAPIKey = "test-key"

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL + "/"
	cfg.APIKey = testAPIKey
	cfg.MaxRetries = 0
	cfg.Timeout = 5 * time.Second
	return NewProviderWithConfig(cfg)
}

func TestAliasesRegistered(t *testing.T) {
	for name := range aliases {
		p, err := llm.NewProvider(name, map[string]any{llm.KeyAPIKey: testAPIKey})
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}

	_, err := llm.NewProvider("dashscope", map[string]any{})
	assert.Error(t, err)
}

func TestProvider_Embed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))

		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// 乱序返回，验证按 index 回填
		_, _ = fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	})

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestProvider_EmbedShortBatch(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	})

	_, err := p.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "missing embedding for input 1")
}

func TestProvider_Chat(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		if !assert.Len(t, req.Messages, 2) {
			return
		}
		assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"你好"}}]}`)
	})

	answer, err := p.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "ctx"},
		{Role: llm.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "你好", answer)
}

func TestProvider_ChatStatusError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	_, err := p.Chat(context.Background(), nil)
	var se *httpclient.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestProvider_ChatStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo", ""} {
			_, _ = fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		_, _ = fmt.Fprint(w, ": keep-alive\n\ndata: [DONE]\n\n")
	})

	s, err := p.ChatStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var sb strings.Builder
	for {
		tok, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sb.WriteString(tok)
	}
	assert.Equal(t, "Hello", sb.String())
}

func TestProvider_ChatStreamTruncated(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	})

	s, err := p.ChatStream(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	tok, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", tok)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeSSE(t *testing.T) {
	tok, done, err := decodeSSE([]byte(`data: {"error":{"message":"overloaded"}}`))
	assert.ErrorIs(t, err, errStreamFailed)
	assert.False(t, done)
	assert.Empty(t, tok)

	_, done, err = decodeSSE([]byte("event: ping"))
	require.NoError(t, err)
	assert.False(t, done)
}

package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerOptions_Defaults(t *testing.T) {
	opts := NewServerOptions()
	require.NoError(t, opts.Complete())
	assert.NoError(t, opts.Validate())

	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Same(t, opts.RAGOptions, cfg.RAGOptions)
	assert.Same(t, opts.EmbeddingOptions, cfg.EmbeddingOptions)
	assert.Same(t, opts.ChatOptions, cfg.ChatOptions)
}

func TestServerOptions_Flags(t *testing.T) {
	opts := NewServerOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--http.addr=:9090",
		"--log.level=debug",
		"--redis.enabled=true",
		"--embedding.provider=ollama",
		"--chat.model=qwen2.5",
		"--rag.retrieval.top-k=5",
		"--rag.session.idle-timeout=10m",
		"--tracing.enabled",
	}))
	assert.Equal(t, ":9090", opts.HTTPOptions.Addr)
	assert.Equal(t, "debug", opts.LogOptions.Level)
	assert.True(t, opts.RedisOptions.Enabled)
	assert.Equal(t, "ollama", opts.EmbeddingOptions.Provider)
	assert.Equal(t, "qwen2.5", opts.ChatOptions.Model)
	assert.Equal(t, 5, opts.RAGOptions.Retrieval.TopK)
	assert.Equal(t, 10*time.Minute, opts.RAGOptions.Session.IdleTimeout)
	assert.True(t, opts.TracingOptions.Enabled)
}

func TestServerOptions_ValidateAggregates(t *testing.T) {
	opts := NewServerOptions()
	require.NoError(t, opts.Complete())
	opts.HTTPOptions.Addr = ""
	opts.ChatOptions.Provider = "openai"
	opts.RAGOptions.Chunk.Overlap = opts.RAGOptions.Chunk.Size

	err := opts.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "http.addr cannot be empty")
	assert.Contains(t, msg, "chat: api-key is required for openai provider")
	assert.Contains(t, msg, "rag.chunk.overlap")
}

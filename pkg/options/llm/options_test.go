package llm

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

func TestProviderOptions_AddFlags(t *testing.T) {
	opts := NewChatOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs, "chat")

	require.NoError(t, fs.Parse([]string{
		"--chat.provider=openai",
		"--chat.api-key=sk-test",
		"--chat.model=gpt-4o",
		"--chat.timeout=5s",
	}))
	assert.Equal(t, "openai", opts.Provider)
	assert.Equal(t, "sk-test", opts.APIKey)
	assert.Equal(t, "gpt-4o", opts.Model)
	assert.Equal(t, 5*time.Second, opts.Timeout)
}

func TestProviderOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *ProviderOptions)
		wantErr int
	}{
		{name: "local default", mutate: func(*ProviderOptions) {}},
		{name: "ollama needs no key", mutate: func(o *ProviderOptions) { o.Provider = "ollama" }},
		{name: "openai without key", mutate: func(o *ProviderOptions) { o.Provider = "openai" }, wantErr: 1},
		{name: "empty provider", mutate: func(o *ProviderOptions) { o.Provider = "" }, wantErr: 2},
		{name: "bad timeout", mutate: func(o *ProviderOptions) { o.Timeout = 0 }, wantErr: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewEmbeddingOptions()
			tt.mutate(o)
			assert.Len(t, o.Validate(), tt.wantErr)
		})
	}
}

func TestProviderOptions_ToConfigMap(t *testing.T) {
	o := NewEmbeddingOptions()
	o.Provider = "dashscope"
	o.APIKey = "k"
	o.Model = "text-embedding-v3"

	cfg := o.ToConfigMap()
	assert.Equal(t, "k", cfg[llm.KeyAPIKey])
	assert.Equal(t, "text-embedding-v3", cfg[llm.KeyEmbedModel])
	assert.NotContains(t, cfg, llm.KeyBaseURL, "empty base url keeps the provider default")
	assert.Equal(t, 30*time.Second, cfg[llm.KeyTimeout])
}

// Package openai 提供兼容 OpenAI API 的供应商实现。
// 同一实现以不同默认地址注册为 openai、dashscope 与 deepseek。
//
//	import _ "github.com/kart-io/sentinel-rag/pkg/llm/openai"
//
//	provider, err := llm.NewProvider("dashscope", map[string]any{
//	    "api_key":     os.Getenv("DASHSCOPE_API_KEY"),
//	    "chat_model":  "qwen-plus",
//	    "embed_model": "text-embedding-v3",
//	})
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// ProviderName 是 OpenAI 供应商的名称标识符。
const ProviderName = "openai"

// 兼容 OpenAI API 的别名及其默认配置。
var aliases = map[string]Config{
	ProviderName: {
		BaseURL:    "https://api.openai.com/v1",
		EmbedModel: "text-embedding-3-small",
		ChatModel:  "gpt-4o-mini",
	},
	"dashscope": {
		BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
		EmbedModel: "text-embedding-v3",
		ChatModel:  "qwen-plus",
	},
	"deepseek": {
		BaseURL:   "https://api.deepseek.com/v1",
		ChatModel: "deepseek-chat",
	},
}

func init() {
	for name, defaults := range aliases {
		llm.RegisterProvider(name, factory(name, defaults))
	}
}

// Config OpenAI 供应商配置。
type Config struct {
	// Name 注册名，用于日志与缓存命名空间。
	Name string `json:"name" mapstructure:"name"`

	// BaseURL API 基础地址。
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// APIKey API 密钥。
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// EmbedModel 用于生成嵌入的模型。
	EmbedModel string `json:"embed_model" mapstructure:"embed_model"`

	// ChatModel 用于对话的模型。
	ChatModel string `json:"chat_model" mapstructure:"chat_model"`

	// Timeout 非流式请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries HTTP 层最大重试次数。
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// Organization 组织 ID（可选）。
	Organization string `json:"organization" mapstructure:"organization"`

	// Temperature 为 0 时不发送，使用服务端默认值。
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	// MaxTokens 为 0 时不发送。
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`
}

// DefaultConfig 返回 openai 的默认配置。
func DefaultConfig() *Config {
	cfg := aliases[ProviderName]
	cfg.Name = ProviderName
	cfg.Timeout = 120 * time.Second
	cfg.MaxRetries = 3
	return &cfg
}

func factory(name string, defaults Config) llm.ProviderFactory {
	return func(configMap map[string]any) (llm.Provider, error) {
		cfg := &Config{
			Name:         name,
			BaseURL:      llm.ConfigString(configMap, llm.KeyBaseURL, defaults.BaseURL),
			APIKey:       llm.ConfigString(configMap, llm.KeyAPIKey, ""),
			EmbedModel:   llm.ConfigString(configMap, llm.KeyEmbedModel, defaults.EmbedModel),
			ChatModel:    llm.ConfigString(configMap, llm.KeyChatModel, defaults.ChatModel),
			Timeout:      llm.ConfigDuration(configMap, llm.KeyTimeout, 120*time.Second),
			MaxRetries:   llm.ConfigInt(configMap, llm.KeyMaxRetries, 3),
			Organization: llm.ConfigString(configMap, llm.KeyOrganization, ""),
			Temperature:  llm.ConfigFloat(configMap, llm.KeyTemperature, 0),
			MaxTokens:    llm.ConfigInt(configMap, llm.KeyMaxTokens, 0),
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: api_key is required", name)
		}
		return NewProviderWithConfig(cfg), nil
	}
}

// NewProvider 从配置 map 创建 openai 供应商。
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	return factory(ProviderName, aliases[ProviderName])(configMap)
}

// Provider OpenAI 兼容供应商实现。
type Provider struct {
	config *Config
	client *httpclient.Client
}

// NewProviderWithConfig 使用结构化配置创建供应商。
func NewProviderWithConfig(cfg *Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = ProviderName
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{
		config: cfg,
		client: httpclient.NewClient(cfg.Timeout, cfg.MaxRetries),
	}
}

// Name 返回供应商名称。
func (p *Provider) Name() string {
	return p.config.Name
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed 为多个文本生成向量嵌入。返回数量不符时报错。
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if p.config.EmbedModel == "" {
		return nil, fmt.Errorf("%s: embeddings not supported", p.Name())
	}

	req, err := p.newRequest(ctx, "/embeddings", embeddingRequest{Model: p.config.EmbedModel, Input: texts})
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := p.client.DoJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("%s embed: %w", p.Name(), err)
	}

	// 按 index 回填，保持与输入相同的顺序
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("%s embed: index %d out of range", p.Name(), d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	for i, e := range embeddings {
		if len(e) == 0 {
			return nil, fmt.Errorf("%s embed: missing embedding for input %d", p.Name(), i)
		}
	}
	return embeddings, nil
}

// EmbedSingle 为单个文本生成向量嵌入。
func (p *Provider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) chatRequest(messages []llm.Message, stream bool) chatRequest {
	return chatRequest{
		Model:       p.config.ChatModel,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	}
}

// Chat 进行多轮对话。
func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	req, err := p.newRequest(ctx, "/chat/completions", p.chatRequest(messages, false))
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := p.client.DoJSON(req, &resp); err != nil {
		return "", fmt.Errorf("%s chat: %w", p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s chat: empty choices", p.Name())
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream 以 SSE 方式进行流式对话。
func (p *Provider) ChatStream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	req, err := p.newRequest(ctx, "/chat/completions", p.chatRequest(messages, true))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.DoStream(req)
	if err != nil {
		return nil, fmt.Errorf("%s chat stream: %w", p.Name(), err)
	}
	return llm.NewLineStream(resp.Body, decodeSSE), nil
}

var errStreamFailed = errors.New("stream reported error")

// decodeSSE 解析 "data: {...}" 行，"data: [DONE]" 表示结束。
func decodeSSE(line []byte) (string, bool, error) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// 注释、event:、id: 等行
		return "", false, nil
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("[DONE]")) {
		return "", true, nil
	}

	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, fmt.Errorf("%w: %s", errStreamFailed, chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}

func (p *Provider) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if p.config.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.config.Organization)
	}
	return req, nil
}

var _ llm.StreamingChatProvider = (*Provider)(nil)

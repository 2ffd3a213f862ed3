package llm

import (
	"strconv"
	"time"
)

// 供应商配置 map 的通用键。
const (
	KeyBaseURL      = "base_url"
	KeyAPIKey       = "api_key"
	KeyEmbedModel   = "embed_model"
	KeyChatModel    = "chat_model"
	KeyTimeout      = "timeout"
	KeyMaxRetries   = "max_retries"
	KeyOrganization = "organization"
	KeyTemperature  = "temperature"
	KeyMaxTokens    = "max_tokens"
	KeyDimension    = "dimension"
)

// ConfigString 读取字符串配置，缺失或为空时返回 def。
func ConfigString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt 读取整数配置，兼容 int / int64 / float64 / 数字字符串。
func ConfigInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ConfigFloat 读取浮点配置。
func ConfigFloat(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// ConfigDuration 读取时长配置，兼容 time.Duration 与 "30s" 形式的字符串。
func ConfigDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case time.Duration:
		if v > 0 {
			return v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

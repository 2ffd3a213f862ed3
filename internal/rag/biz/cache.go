package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// Source 回答引用的资料。
type Source struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Source     string         `json:"source,omitempty"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Metadata   store.Metadata `json:"metadata,omitempty"`
}

// QueryResult 无状态查询结果。
type QueryResult struct {
	Answer  string                `json:"answer"`
	Sources []Source              `json:"sources"`
	Hits    store.RetrievalResult `json:"hits"`
	Cached  bool                  `json:"cached"`
}

// SourcesOf 把检索结果转换为引用列表，只保留 ids 中出现的分块。
func SourcesOf(hits store.RetrievalResult, ids []string) []Source {
	used := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		used[id] = struct{}{}
	}
	out := make([]Source, 0, len(ids))
	for _, h := range hits {
		if _, ok := used[h.Chunk.ID]; !ok {
			continue
		}
		src, _ := h.Chunk.Metadata.String(store.MetaSource)
		out = append(out, Source{
			ChunkID:    h.Chunk.ID,
			DocumentID: h.Chunk.DocumentID,
			Source:     src,
			Content:    h.Chunk.Text,
			Score:      h.Score,
			Metadata:   h.Chunk.Metadata,
		})
	}
	return out
}

// QueryCacheConfig 查询缓存配置。
type QueryCacheConfig struct {
	// Enabled 是否启用缓存。
	Enabled bool
	// TTL 缓存过期时间。
	TTL time.Duration
	// KeyPrefix 缓存键前缀。
	KeyPrefix string
}

// QueryCache 基于 Redis 的查询结果缓存。
// 键包含索引版本，索引重建后旧结果自然失效。
type QueryCache struct {
	redis  goredis.UniversalClient
	config *QueryCacheConfig
}

// NewQueryCache 创建查询缓存实例。redis 为 nil 时缓存不生效。
func NewQueryCache(redis goredis.UniversalClient, config *QueryCacheConfig) *QueryCache {
	if config == nil {
		config = &QueryCacheConfig{
			Enabled:   false,
			TTL:       time.Hour,
			KeyPrefix: "rag:",
		}
	}
	return &QueryCache{
		redis:  redis,
		config: config,
	}
}

// Enabled 缓存是否可用。
func (c *QueryCache) Enabled() bool {
	return c != nil && c.config.Enabled && c.redis != nil
}

func (c *QueryCache) key(question string, k int, version uint64) string {
	h := sha256.New()
	h.Write([]byte(question))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k)))
	return c.config.KeyPrefix + "query:" + strconv.FormatUint(version, 10) + ":" + hex.EncodeToString(h.Sum(nil))
}

// Get 读取缓存，未命中返回 nil, nil。
func (c *QueryCache) Get(ctx context.Context, question string, k int, version uint64) (*QueryResult, error) {
	if !c.Enabled() {
		return nil, nil
	}
	cacheKey := c.key(question, k, version)

	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			logger.Debugw("cache miss", "key", cacheKey)
			return nil, nil
		}
		logger.Warnw("failed to get from cache", "error", err.Error(), "key", cacheKey)
		return nil, err
	}

	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warnw("failed to unmarshal cached result", "error", err.Error(), "key", cacheKey)
		// 删除损坏的缓存
		_ = c.redis.Del(ctx, cacheKey).Err()
		return nil, err
	}
	result.Cached = true
	logger.Debugw("cache hit", "key", cacheKey, "answer_length", len(result.Answer))
	return &result, nil
}

// Set 写入缓存。
func (c *QueryCache) Set(ctx context.Context, question string, k int, version uint64, result *QueryResult) error {
	if !c.Enabled() {
		return nil
	}
	cacheKey := c.key(question, k, version)

	data, err := json.Marshal(result)
	if err != nil {
		logger.Warnw("failed to marshal result for caching", "error", err.Error())
		return err
	}
	if err := c.redis.Set(ctx, cacheKey, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("failed to set cache", "error", err.Error(), "key", cacheKey)
		return err
	}
	return nil
}

// Clear 删除全部查询缓存，返回删除数量。
func (c *QueryCache) Clear(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	iter := c.redis.Scan(ctx, 0, c.config.KeyPrefix+"query:*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warnw("failed to delete cache key", "error", err.Error(), "key", iter.Val())
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		logger.Warnw("error during cache scan", "error", err.Error())
		return deleted, err
	}
	logger.Infow("cleared query cache", "deleted_count", deleted)
	return deleted, nil
}

// CacheStats 缓存统计。
type CacheStats struct {
	Enabled   bool   `json:"enabled"`
	KeyCount  int    `json:"key_count"`
	TTL       string `json:"ttl,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// Stats 统计当前缓存键数量。
func (c *QueryCache) Stats(ctx context.Context) (CacheStats, error) {
	if !c.Enabled() {
		return CacheStats{}, nil
	}

	iter := c.redis.Scan(ctx, 0, c.config.KeyPrefix+"query:*", 0).Iterator()
	n := 0
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return CacheStats{}, err
	}
	return CacheStats{
		Enabled:   true,
		KeyCount:  n,
		TTL:       c.config.TTL.String(),
		KeyPrefix: c.config.KeyPrefix,
	}, nil
}

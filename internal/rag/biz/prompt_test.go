package biz

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/llm"
)

func hitsOf(texts ...string) store.RetrievalResult {
	out := make(store.RetrievalResult, len(texts))
	for i, text := range texts {
		out[i] = store.Hit{
			Chunk: store.Chunk{ID: store.ChunkID("doc", i), DocumentID: "doc", Text: text},
			Score: 1 - float64(i)*0.1,
		}
	}
	return out
}

func TestPromptBuilderFillsTemplate(t *testing.T) {
	b := NewPromptBuilder(PromptConfig{SystemPrompt: "资料：\n{{context}}\n问题：{{question}}", ContextBudget: 1000})
	p := b.Build("哪里招聘 Go？", hitsOf("上海 Go 工程师", "北京 销售"), nil)

	require.Len(t, p.Messages, 2)
	assert.Equal(t, llm.RoleSystem, p.Messages[0].Role)
	assert.Equal(t, "资料：\n[1] 上海 Go 工程师\n\n[2] 北京 销售\n问题：哪里招聘 Go？", p.Messages[0].Content)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "哪里招聘 Go？"}, p.Messages[1])
	assert.Equal(t, []string{"doc#0", "doc#1"}, p.ChunkIDs)
}

func TestPromptBuilderContextBudget(t *testing.T) {
	text := strings.Repeat("字", 100)
	// 每块 "[n] " + 100 + "\n\n" = 106
	b := NewPromptBuilder(PromptConfig{SystemPrompt: "{{context}}", ContextBudget: 250})
	p := b.Build("q", hitsOf(text, text, text), nil)
	assert.Equal(t, []string{"doc#0", "doc#1"}, p.ChunkIDs)

	// 预算不足一块时仍放入截断后的第一块
	small := NewPromptBuilder(PromptConfig{SystemPrompt: "{{context}}", ContextBudget: 10})
	p = small.Build("q", hitsOf(text, text), nil)
	assert.Equal(t, []string{"doc#0"}, p.ChunkIDs)
	assert.Equal(t, 10, utf8.RuneCountInString(p.Messages[0].Content))
}

func TestPromptBuilderHistoryNewestFirst(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Text: strings.Repeat("a", 40)},
		{Role: RoleAssistant, Text: strings.Repeat("b", 40)},
		{Role: RoleUser, Text: strings.Repeat("c", 40)},
		{Role: RoleAssistant, Text: strings.Repeat("d", 40)},
	}
	// 资料 "[1] x\n\n" 占 7，剩余 93 只够最近两条
	b := NewPromptBuilder(PromptConfig{SystemPrompt: "{{context}}", ContextBudget: 100})
	p := b.Build("next", hitsOf("x"), history)

	require.Len(t, p.Messages, 4)
	assert.Equal(t, llm.RoleUser, p.Messages[1].Role)
	assert.Equal(t, history[2].Text, p.Messages[1].Content)
	assert.Equal(t, llm.RoleAssistant, p.Messages[2].Role)
	assert.Equal(t, history[3].Text, p.Messages[2].Content)
	assert.Equal(t, "next", p.Messages[3].Content)
}

func TestPromptBuilderWithoutHits(t *testing.T) {
	b := NewPromptBuilder(PromptConfig{SystemPrompt: "{{context}}"})
	p := b.Build("q", nil, nil)
	assert.Empty(t, p.ChunkIDs)
	assert.Equal(t, noContext, p.Messages[0].Content)
}

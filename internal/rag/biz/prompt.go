package biz

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/textutil"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/llm"
)

const (
	placeholderContext  = "{{context}}"
	placeholderQuestion = "{{question}}"
	noContext           = "（没有检索到相关资料）"
)

// PromptConfig 提示词配置。
type PromptConfig struct {
	// SystemPrompt 系统提示词模板，包含 {{context}} 与 {{question}}。
	SystemPrompt string
	// ContextBudget 资料与历史的总字符预算。
	ContextBudget int
}

// Prompt 发送给生成模型的消息及其引用的分块。
type Prompt struct {
	Messages []llm.Message
	ChunkIDs []string
}

// PromptBuilder 在字符预算内组装提示词。
type PromptBuilder struct {
	config PromptConfig
}

// NewPromptBuilder 创建提示词构建器。
func NewPromptBuilder(config PromptConfig) *PromptBuilder {
	if config.ContextBudget <= 0 {
		config.ContextBudget = 6000
	}
	return &PromptBuilder{config: config}
}

// Build 按相关度从高到低放入分块直到预算用完，至少放入一个分块；
// 剩余预算从最新到最旧放入历史消息，放不下的旧消息被丢弃。
func (b *PromptBuilder) Build(question string, hits store.RetrievalResult, history []Message) Prompt {
	budget := b.config.ContextBudget

	var (
		ctx strings.Builder
		ids []string
	)
	for i, h := range hits {
		block := formatHit(len(ids)+1, h)
		n := utf8.RuneCountInString(block)
		if n > budget {
			if i > 0 {
				break
			}
			block = textutil.TruncateRunes(block, max(budget, 1))
			n = utf8.RuneCountInString(block)
		}
		ctx.WriteString(block)
		ids = append(ids, h.Chunk.ID)
		budget -= n
	}
	contextText := strings.TrimRight(ctx.String(), "\n")
	if contextText == "" {
		contextText = noContext
	}

	var kept []Message
	for i := len(history) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(history[i].Text)
		if n > budget {
			break
		}
		budget -= n
		kept = append(kept, history[i])
	}

	system := strings.ReplaceAll(b.config.SystemPrompt, placeholderContext, contextText)
	system = strings.ReplaceAll(system, placeholderQuestion, question)

	msgs := make([]llm.Message, 0, len(kept)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for i := len(kept) - 1; i >= 0; i-- {
		role := llm.RoleUser
		if kept[i].Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: kept[i].Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: question})

	return Prompt{Messages: msgs, ChunkIDs: ids}
}

func formatHit(n int, h store.Hit) string {
	return fmt.Sprintf("[%d] %s\n\n", n, strings.TrimSpace(h.Chunk.Text))
}

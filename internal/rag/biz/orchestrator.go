package biz

import (
	"context"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// Answer 一轮对话的结果。流式时 Text 为空，回答从 Stream 读取。
type Answer struct {
	SessionID string                `json:"session_id"`
	Text      string                `json:"answer,omitempty"`
	ChunkIDs  []string              `json:"chunk_ids"`
	Hits      store.RetrievalResult `json:"hits"`
	Stream    *TokenStream          `json:"-"`
}

// Orchestrator 串联会话、检索与生成，完成一轮对话。
type Orchestrator struct {
	sessions     *SessionStore
	retriever    *Retriever
	prompts      *PromptBuilder
	generator    *Generator
	historyTurns int
	metrics      *metrics.Metrics
}

// NewOrchestrator 创建对话编排器。historyTurns 为构建提示词时读取的历史消息数。
func NewOrchestrator(sessions *SessionStore, retriever *Retriever, prompts *PromptBuilder, generator *Generator, historyTurns int, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		sessions:     sessions,
		retriever:    retriever,
		prompts:      prompts,
		generator:    generator,
		historyTurns: historyTurns,
		metrics:      m,
	}
}

// AnswerTurn 处理会话中的一条用户消息。
//
// 同一会话同一时刻只允许一个进行中的回答，否则返回 ErrSessionBusy。
// 用户消息在检索前写入；助手消息只在生成成功后写入。
// 流式回答在流结束、失败或被关闭时释放忙碌标记。
func (o *Orchestrator) AnswerTurn(ctx context.Context, sessionID, text string, k int, streaming bool) (*Answer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.ErrEmptyQuery
	}
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("k must be positive, got %d", k)
	}

	release, err := o.sessions.Acquire(sessionID)
	if err != nil {
		o.metrics.RecordTurn(errors.Is(err, errors.ErrSessionBusy))
		return nil, err
	}
	o.metrics.RecordTurn(false)

	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	history, err := o.sessions.History(sessionID, o.historyTurns)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Append(sessionID, Message{Role: RoleUser, Text: text}); err != nil {
		return nil, err
	}

	hits, err := o.retriever.Retrieve(ctx, text, k, nil)
	if err != nil {
		return nil, err
	}
	prompt := o.prompts.Build(text, hits, history)
	answer := &Answer{SessionID: sessionID, ChunkIDs: prompt.ChunkIDs, Hits: hits}

	if !streaming {
		out, err := o.generator.Generate(ctx, prompt)
		if err != nil {
			logger.Warnw("generation failed", "session_id", sessionID, "error", err.Error())
			return nil, err
		}
		answer.Text = out
		if err := o.sessions.Append(sessionID, Message{
			Role:              RoleAssistant,
			Text:              out,
			RetrievedChunkIDs: prompt.ChunkIDs,
		}); err != nil {
			return nil, err
		}
		return answer, nil
	}

	start := time.Now()
	stream, err := o.generator.GenerateStream(ctx, prompt, func(out string, err error) {
		defer release()
		if err != nil {
			logger.Debugw("answer stream ended without completion",
				"session_id", sessionID, "elapsed", time.Since(start), "error", err.Error())
			return
		}
		if err := o.sessions.Append(sessionID, Message{
			Role:              RoleAssistant,
			Text:              out,
			RetrievedChunkIDs: prompt.ChunkIDs,
		}); err != nil {
			logger.Warnw("failed to record streamed answer", "session_id", sessionID, "error", err.Error())
		}
	})
	if err != nil {
		return nil, err
	}
	handedOff = true
	answer.Stream = stream
	return answer, nil
}

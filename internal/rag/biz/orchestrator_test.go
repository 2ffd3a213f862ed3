package biz

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/llm"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// recordingChat 记录每次调用收到的消息。
type recordingChat struct {
	mu    sync.Mutex
	calls [][]llm.Message
}

func (r *recordingChat) Name() string { return "recording" }

func (r *recordingChat) Chat(_ context.Context, msgs []llm.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, slices.Clone(msgs))
	return "answer " + msgs[len(msgs)-1].Content, nil
}

func newJobService(t *testing.T, chat llm.ChatProvider) (*Service, string) {
	t.Helper()
	svc := newTestService(t, buildIndex(t, newTestEmbedder(t, nil), jobChunks...), chat)
	sid, err := svc.StartSession(context.Background(), "u1")
	require.NoError(t, err)
	return svc, sid
}

func TestAnswerTurn(t *testing.T) {
	svc, sid := newJobService(t, nil)
	ctx := context.Background()

	ans, err := svc.SendMessage(ctx, sid, "有 Python 开发的岗位吗？", 3, false)
	require.NoError(t, err)
	assert.NotEmpty(t, ans.Text)
	assert.LessOrEqual(t, len(ans.ChunkIDs), 3)
	assert.Contains(t, ans.Text, "Python")

	h, err := svc.History(ctx, sid, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, RoleUser, h[0].Role)
	assert.Equal(t, RoleAssistant, h[1].Role)
	assert.Equal(t, ans.Text, h[1].Text)
	assert.Equal(t, ans.ChunkIDs, h[1].RetrievedChunkIDs)
	assert.False(t, svc.Sessions().Busy(sid))
}

func TestAnswerTurnHistoryExcludesCurrentTurn(t *testing.T) {
	chat := &recordingChat{}
	svc, sid := newJobService(t, chat)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, sid, "第一个问题", 2, false)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, sid, "第二个问题", 2, false)
	require.NoError(t, err)

	require.Len(t, chat.calls, 2)
	assert.Len(t, chat.calls[0], 2)

	second := chat.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "第一个问题"}, second[1])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "answer 第一个问题"}, second[2])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "第二个问题"}, second[3])
}

func TestAnswerTurnValidation(t *testing.T) {
	svc, sid := newJobService(t, nil)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, sid, " ", 3, false)
	assert.True(t, errors.Is(err, errors.ErrEmptyQuery))
	_, err = svc.SendMessage(ctx, sid, "hi", 0, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidTopK))
	_, err = svc.SendMessage(ctx, "missing", "hi", 3, false)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	require.NoError(t, svc.CloseSession(ctx, sid))
	_, err = svc.SendMessage(ctx, sid, "hi", 3, false)
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))

	h, err := svc.History(ctx, sid, 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestAnswerTurnGenerationError(t *testing.T) {
	svc, sid := newJobService(t, &scriptedChat{fail: stderrors.New("upstream down")})
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, sid, "Python 岗位", 3, false)
	assert.True(t, errors.Is(err, errors.ErrGenerationProvider))

	h, err := svc.History(ctx, sid, 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, RoleUser, h[0].Role)
	assert.False(t, svc.Sessions().Busy(sid))
}

func TestAnswerTurnStreaming(t *testing.T) {
	svc, sid := newJobService(t, &scriptedChat{tokens: []string{"深圳", "有", "两个", "岗位"}})
	ctx := context.Background()

	ans, err := svc.SendMessage(ctx, sid, "深圳的岗位", 2, true)
	require.NoError(t, err)
	require.NotNil(t, ans.Stream)
	assert.Empty(t, ans.Text)

	assert.Equal(t, "深圳有两个岗位", drain(t, ans.Stream))
	require.NoError(t, ans.Stream.Err())

	h, err := svc.History(ctx, sid, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "深圳有两个岗位", h[1].Text)
	assert.Equal(t, ans.ChunkIDs, h[1].RetrievedChunkIDs)
	assert.False(t, svc.Sessions().Busy(sid))
}

func TestAnswerTurnBusyAndStreamCancel(t *testing.T) {
	chat := &scriptedChat{tokens: []string{"正在", "生成"}, block: true}
	svc, sid := newJobService(t, chat)
	ctx := context.Background()

	ans, err := svc.SendMessage(ctx, sid, "Go 岗位", 3, true)
	require.NoError(t, err)
	assert.Equal(t, "正在", <-ans.Stream.Tokens())

	// 同一会话同时只允许一个回答
	_, err = svc.SendMessage(ctx, sid, "再问一次", 3, false)
	assert.True(t, errors.Is(err, errors.ErrSessionBusy))
	_, err = svc.SendMessage(ctx, sid, "再问一次", 3, true)
	assert.True(t, errors.Is(err, errors.ErrSessionBusy))

	// 其他会话不受影响
	other, err := svc.StartSession(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, svc.Sessions().Busy(other))

	done := make(chan *Answer, 1)
	go func() {
		a, err := svc.SendMessage(ctx, other, "Python 岗位", 3, false)
		assert.NoError(t, err)
		done <- a
	}()
	select {
	case a := <-done:
		require.NotNil(t, a)
		assert.Equal(t, "正在生成", a.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("other session blocked by the streaming one")
	}
	assert.True(t, svc.Sessions().Busy(sid))
	oh, err := svc.History(ctx, other, 0)
	require.NoError(t, err)
	assert.Len(t, oh, 2)

	start := time.Now()
	require.NoError(t, ans.Stream.Close())
	assert.Eventually(t, func() bool { return !svc.Sessions().Busy(sid) }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, ans.Stream.Err(), context.Canceled)

	// 取消后只保留用户消息
	h, err := svc.History(ctx, sid, 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "Go 岗位", h[0].Text)

	stats := svc.Stats(ctx)
	assert.Equal(t, uint64(2), stats.Metrics.Sessions.Busy)
	assert.Equal(t, uint64(1), stats.Metrics.LLM.StreamsCancelled)
}

func TestAnswerTurnClientDisconnect(t *testing.T) {
	svc, sid := newJobService(t, &scriptedChat{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	ans, err := svc.SendMessage(ctx, sid, "Go 岗位", 3, true)
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool { return !svc.Sessions().Busy(sid) }, time.Second, time.Millisecond)
	drain(t, ans.Stream)

	h, err := svc.History(context.Background(), sid, 0)
	require.NoError(t, err)
	assert.Len(t, h, 1)

	// 释放后可以继续提问
	_, err = svc.SendMessage(context.Background(), sid, "Go 岗位", 3, true)
	require.NoError(t, err)
}

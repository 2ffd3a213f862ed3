package handler

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/pkg/infra/logger"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// SSE 事件名。
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// CreateSessionRequest represents a create session request.
type CreateSessionRequest struct {
	UserID string `json:"user_id" binding:"required,nonblank"`
}

// CreateSessionResponse is returned by CreateSession.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession starts a new conversation for a user.
func (h *RAGHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	id, err := h.service.StartSession(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, CreateSessionResponse{SessionID: id})
}

// SendMessageRequest represents a message in a session.
type SendMessageRequest struct {
	Text string `json:"text" binding:"required,nonblank"`
	// K 为空时使用默认值；显式的非正数返回参数错误。
	K      *int `json:"k"`
	Stream bool `json:"stream"`
}

// MessageResponse is the non-streaming answer of a turn.
type MessageResponse struct {
	SessionID string       `json:"session_id"`
	Answer    string       `json:"answer"`
	ChunkIDs  []string     `json:"chunk_ids"`
	Sources   []biz.Source `json:"sources"`
}

// TokenEvent is the payload of a token event.
type TokenEvent struct {
	Text string `json:"text"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendMessage answers a message. With stream=true the answer is sent as
// server-sent events: token* followed by done or error.
func (h *RAGHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sessionID := c.Param("id")
	ctx := logger.WithSessionID(c.Request.Context(), sessionID)

	ans, err := h.service.SendMessage(ctx, sessionID, req.Text, kOrDefault(req.K, h.config.DefaultK), req.Stream)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ans.Stream == nil {
		response.OK(c, MessageResponse{
			SessionID: ans.SessionID,
			Answer:    ans.Text,
			ChunkIDs:  ans.ChunkIDs,
			Sources:   biz.SourcesOf(ans.Hits, ans.ChunkIDs),
		})
		return
	}
	h.streamAnswer(c, ans)
}

// streamAnswer 把回答流写成 SSE。客户端断开时请求 ctx 取消，生成随之停止。
func (h *RAGHandler) streamAnswer(c *gin.Context, ans *biz.Answer) {
	stream := ans.Stream
	defer func() { _ = stream.Close() }()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	tokens := stream.Tokens()
	reqDone := c.Request.Context().Done()
	c.Stream(func(_ io.Writer) bool {
		select {
		case tok, ok := <-tokens:
			if ok {
				c.SSEvent(EventToken, TokenEvent{Text: tok})
				return true
			}
			if err := stream.Err(); err != nil {
				e := errors.FromError(err)
				c.SSEvent(EventError, ErrorEvent{Code: e.Code, Message: e.Message(response.Language(c))})
				return false
			}
			c.SSEvent(EventDone, MessageResponse{
				SessionID: ans.SessionID,
				Answer:    stream.Text(),
				ChunkIDs:  ans.ChunkIDs,
				Sources:   biz.SourcesOf(ans.Hits, ans.ChunkIDs),
			})
			return false
		case <-reqDone:
			return false
		}
	})
}

// HistoryResponse is returned by History.
type HistoryResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []biz.Message `json:"turns"`
}

// History returns the most recent messages of a session.
func (h *RAGHandler) History(c *gin.Context) {
	maxTurns := 0
	if v := c.Query("max_turns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.Fail(c, errors.ErrInvalidParam.WithMessagef("invalid max_turns %q", v))
			return
		}
		maxTurns = n
	}
	sessionID := c.Param("id")
	turns, err := h.service.History(c.Request.Context(), sessionID, maxTurns)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, HistoryResponse{SessionID: sessionID, Turns: turns})
}

// CloseSession closes a session. Closing twice is not an error.
func (h *RAGHandler) CloseSession(c *gin.Context) {
	if err := h.service.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, nil)
}

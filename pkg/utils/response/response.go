// Package response provides the unified API response envelope.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/pkg/infra/logger"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// Response is the unified API response structure.
type Response struct {
	// Code is the business error code (0 = success)
	Code int `json:"code"`

	// Message is a human-readable message
	Message string `json:"message"`

	// Data contains the response payload (nil for errors)
	Data any `json:"data,omitempty"`

	// Details carries field-level validation messages.
	Details []string `json:"details,omitempty"`

	// RequestID is the unique request identifier for tracing
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is the response timestamp (Unix milliseconds)
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Success creates a successful response with data.
func Success(data any) *Response {
	return &Response{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// Err creates an error response from an Errno type.
func Err(e *errors.Errno) *Response {
	if e == nil {
		return Success(nil)
	}
	return &Response{
		Code:    e.Code,
		Message: e.MessageEN,
	}
}

// ErrWithLang creates an error response with language-specific message.
func ErrWithLang(e *errors.Errno, lang string) *Response {
	resp := Err(e)
	if e != nil {
		resp.Message = e.Message(lang)
	}
	return resp
}

// OK writes a 200 response with data.
func OK(c *gin.Context, data any) {
	write(c, http.StatusOK, Success(data))
}

// Created writes a 201 response with data.
func Created(c *gin.Context, data any) {
	write(c, http.StatusCreated, Success(data))
}

// Fail maps err to its errno and writes the envelope with the errno's HTTP
// status. Server-side failures are logged with the full error chain.
func Fail(c *gin.Context, err error, details ...string) {
	e := errors.FromError(err)
	resp := ErrWithLang(e, Language(c))
	resp.Details = details

	status := e.HTTPStatus()
	log := logger.GetLogger(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "code", e.Code, "error", err.Error())
	} else {
		log.Debugw("request rejected", "code", e.Code, "error", err.Error())
	}
	_ = c.Error(err)
	write(c, status, resp)
}

func write(c *gin.Context, status int, resp *Response) {
	resp.RequestID = logger.RequestID(c.Request.Context())
	resp.Timestamp = time.Now().UnixMilli()
	c.JSON(status, resp)
}

// Language 根据 Accept-Language 选择消息语言。
func Language(c *gin.Context) string {
	al := c.GetHeader("Accept-Language")
	if len(al) >= 2 && (al[:2] == "zh" || al[:2] == "ZH") {
		return "zh"
	}
	return "en"
}

package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/pkg/infra/logger"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// RecoveryConfig defines the config for Recovery middleware.
type RecoveryConfig struct {
	// EnableStackTrace logs the stack of the panicking goroutine.
	EnableStackTrace bool

	// OnPanic is called after the panic is logged.
	OnPanic func(c *gin.Context, err any)
}

// Recovery returns a middleware that recovers from panics.
func Recovery() gin.HandlerFunc {
	return RecoveryWithConfig(RecoveryConfig{EnableStackTrace: true})
}

// RecoveryWithConfig returns a Recovery middleware with custom config.
func RecoveryWithConfig(config RecoveryConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// 客户端已断开时 gin 会以 http.ErrAbortHandler panic
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			fields := []any{"panic", fmt.Sprint(rec), "path", c.Request.URL.Path}
			if config.EnableStackTrace {
				fields = append(fields, "stack", string(debug.Stack()))
			}
			logger.GetLogger(c.Request.Context()).Errorw("panic recovered", fields...)

			if config.OnPanic != nil {
				config.OnPanic(c, rec)
			}
			if !c.Writer.Written() {
				resp := response.Err(errors.ErrInternal)
				resp.RequestID = GetRequestID(c)
				c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}

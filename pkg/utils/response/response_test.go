package response

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h gin.HandlerFunc, lang string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	engine := gin.New()
	engine.GET("/x", h)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestOK(t *testing.T) {
	w, resp := serve(t, func(c *gin.Context) { OK(c, map[string]int{"n": 1}) }, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, resp.Code)
	assert.NotZero(t, resp.Timestamp)
}

func TestFail(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		lang       string
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{
			name:       "session busy",
			err:        errors.ErrSessionBusy,
			wantStatus: http.StatusTooManyRequests,
			wantCode:   errors.ErrSessionBusy.Code,
			wantMsg:    errors.ErrSessionBusy.MessageEN,
		},
		{
			name:       "wrapped not found in chinese",
			err:        fmt.Errorf("lookup: %w", errors.ErrSessionNotFound),
			lang:       "zh-CN,zh;q=0.9",
			wantStatus: http.StatusNotFound,
			wantCode:   errors.ErrSessionNotFound.Code,
			wantMsg:    errors.ErrSessionNotFound.MessageZH,
		},
		{
			name:       "plain error is internal",
			err:        fmt.Errorf("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   errors.ErrInternal.Code,
			wantMsg:    errors.ErrInternal.MessageEN,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := serve(t, func(c *gin.Context) { Fail(c, tt.err) }, tt.lang)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
		})
	}
}

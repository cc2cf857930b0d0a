package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })
	return r
}

func do(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	r := newEngine(APIKeyAuth([]string{"sk_live_123456789", " "}, nil))
	tests := []struct {
		name   string
		header map[string]string
		code   int
	}{
		{"缺少密钥", nil, http.StatusUnauthorized},
		{"错误密钥", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"X-API-Key", map[string]string{"X-API-Key": "sk_live_123456789"}, http.StatusOK},
		{"Bearer", map[string]string{"Authorization": "Bearer sk_live_123456789"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, do(r, tt.header).Code)
		})
	}

	t.Run("未配置密钥时放行", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(newEngine(APIKeyAuth(nil, nil)), nil).Code)
	})
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "sk_l****6789", maskAPIKey("sk_live_123456789"))
}

func TestRateLimit(t *testing.T) {
	limited := 0
	r := newEngine(RateLimit(rate.NewLimiter(rate.Every(1e9*60), 2), func() { limited++ }, nil))

	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	w := do(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1, limited)
}

func TestRequestID(t *testing.T) {
	r := newEngine(RequestID())
	w := do(r, nil)
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))

	w = do(r, map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", w.Body.String())
}

package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	appmetrics "github.com/taoyao-code/magstim-server/internal/metrics"
)

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestServerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	srv := New(cfg, nil)
	srv.MountMetrics("", appmetrics.Handler(appmetrics.NewRegistry()))
	srv.Engine().GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	t.Run("指标", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/metrics").Code)
	})
	t.Run("请求 ID", func(t *testing.T) {
		rr := serve(srv, http.MethodGet, "/ping")
		assert.Equal(t, "pong", rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	})
	t.Run("未启用 pprof", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/debug/pprof/").Code)
	})
	t.Run("panic 恢复", func(t *testing.T) {
		srv.Engine().GET("/boom", func(*gin.Context) { panic("boom") })
		assert.Equal(t, http.StatusInternalServerError, serve(srv, http.MethodGet, "/boom").Code)
	})
}

func TestPprof(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", Pprof: cfgpkg.HTTPPprof{Enable: true, Prefix: "dbg/pprof/"}}
	srv := New(cfg, nil)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/dbg/pprof/").Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/dbg/pprof/goroutine").Code)
}

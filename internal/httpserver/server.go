// Package httpserver gin 引擎与 http.Server 封装
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/api/middleware"
	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
)

// Server HTTP 服务封装
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

// New 创建 Gin 引擎（恢复、请求 ID、访问日志）与 HTTP Server
func New(cfg cfgpkg.HTTPConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(logger))

	if cfg.Pprof.Enable {
		mountPprof(r, cfg.Pprof.Prefix)
	}

	return &Server{
		engine: r,
		logger: logger,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Engine 供各模块注册路由
func (s *Server) Engine() *gin.Engine { return s.engine }

// Handler 返回根处理器（测试用）
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// MountMetrics 注册指标路由
func (s *Server) MountMetrics(path string, h http.Handler) {
	if h == nil {
		return
	}
	if path == "" {
		path = "/metrics"
	}
	s.engine.GET(path, gin.WrapH(h))
}

// Start 启动 HTTP 服务（阻塞），正常关闭时返回 nil
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func mountPprof(r *gin.Engine, prefix string) {
	if prefix == "" {
		prefix = "/debug/pprof"
	}
	prefix = "/" + strings.Trim(prefix, "/")
	g := r.Group(prefix)
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}

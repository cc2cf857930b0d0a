package app

import (
	"net/http"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	"github.com/taoyao-code/magstim-server/internal/httpserver"
)

// NewHTTPServer 根据配置创建 HTTP 服务器并挂载指标路由
func NewHTTPServer(cfg *cfgpkg.Config, metricsHandler http.Handler, logger *zap.Logger) *httpserver.Server {
	srv := httpserver.New(cfg.HTTP, logger)
	if cfg.Metrics.Enable {
		srv.MountMetrics(cfg.Metrics.Path, metricsHandler)
	}
	return srv
}

package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/magstim-server/internal/api/middleware"
	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
)

// RegisterRoutes 注册 /api/v1 控制路由
// onLimited 在触发请求被限流时回调（指标），可为 nil
func RegisterRoutes(r gin.IRouter, h *DeviceHandler, cfg cfgpkg.APIConfig, onLimited func(), logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v1 := r.Group("/api/v1")
	if len(cfg.AuthKeys) > 0 {
		v1.Use(middleware.APIKeyAuth(cfg.AuthKeys, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(cfg.AuthKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 触发类请求共享一个令牌桶
	fire := []gin.HandlerFunc{}
	if cfg.FireRate > 0 {
		burst := cfg.FireBurst
		if burst <= 0 {
			burst = 1
		}
		fire = append(fire, middleware.RateLimit(rate.NewLimiter(rate.Limit(cfg.FireRate), burst), onLimited, logger))
	}

	// 连接与布防
	v1.POST("/connect", h.Connect)
	v1.POST("/disconnect", h.Disconnect)
	v1.POST("/arm", h.Arm)
	v1.POST("/disarm", h.Disarm)
	v1.POST("/poke", h.Poke)
	v1.POST("/fire", append(fire, h.Fire)...)
	v1.POST("/quickfire", append(fire, h.QuickFire)...)
	v1.POST("/quickfire/reset", h.ResetQuickFire)

	// 参数
	v1.PUT("/power", h.SetPower)
	v1.PUT("/frequency", h.SetFrequency)
	v1.PUT("/pulses", h.SetNPulses)
	v1.PUT("/duration", h.SetDuration)
	v1.PUT("/rtms", h.RTMSMode)
	v1.GET("/enhanced", h.GetEnhanced)
	v1.PUT("/enhanced", h.SetEnhanced)
	v1.POST("/validate", h.Validate)
	v1.POST("/coil-safety-switch/ignore", h.IgnoreCoilSafetySwitch)
	v1.GET("/charge-delay", h.GetChargeDelay)
	v1.PUT("/charge-delay", h.SetChargeDelay)

	// 查询
	v1.GET("/parameters", h.GetParameters)
	v1.GET("/temperature", h.GetTemperature)
	v1.GET("/status", h.GetStatus)
	v1.GET("/version", h.GetVersion)
	v1.GET("/error-code", h.GetErrorCode)
	v1.GET("/system-status", h.GetSystemStatus)
	v1.GET("/energy", h.Energy)
	v1.GET("/audit", h.ListAudit)
	v1.GET("/ports", h.ListPorts)

	logger.Info("control routes registered", zap.String("prefix", "/api/v1"))
}

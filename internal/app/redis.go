package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	redisstorage "github.com/taoyao-code/magstim-server/internal/storage/redis"
)

// NewRedisClient 创建Redis客户端；未启用时返回 nil
func NewRedisClient(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	if !cfg.Enabled {
		logger.Info("redis is disabled, skipping initialization")
		return nil, nil
	}

	client, err := redisstorage.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))

	return client, nil
}

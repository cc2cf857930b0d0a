package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/magstim-server/internal/health"
	redisstorage "github.com/taoyao-code/magstim-server/internal/storage/redis"
)

// NewHealthAggregator 创建健康检查聚合器：设备链路必选，数据库与 Redis 按启用情况添加
func NewHealthAggregator(dev health.DeviceStatuser, requireConnected bool, dbpool *pgxpool.Pool, redisClient *redisstorage.Client) *health.Aggregator {
	agg := health.NewAggregator(health.NewDeviceChecker(dev, requireConnected))
	if dbpool != nil {
		agg.AddChecker(health.NewDatabaseChecker(dbpool))
	}
	if redisClient != nil {
		// 启用 Redis 时串口租约依赖它
		agg.AddChecker(health.NewRedisChecker(redisClient, true))
	}
	return agg
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
)

// ClientName 连接在 CLIENT LIST 中显示的名称
const ClientName = "magstim-server"

// Client 设备侧 Redis 客户端：状态快照、最近事件与串口租约共用一个连接池
type Client struct {
	*redis.Client
	statusTTL time.Duration
	leaseTTL  time.Duration
}

// NewClient 连接 Redis；租约依赖过期时间，TTL 小于读写超时时拒绝启动
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}
	if cfg.LeaseTTL > 0 && cfg.LeaseTTL <= cfg.ReadTimeout+cfg.WriteTimeout {
		return nil, fmt.Errorf("redis leaseTTL %s must exceed read+write timeout", cfg.LeaseTTL)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   ClientName,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &Client{Client: rdb, statusTTL: cfg.StatusTTL, leaseTTL: cfg.LeaseTTL}, nil
}

// StatusCache 使用配置的快照 TTL
func (c *Client) StatusCache() *StatusCache {
	return NewStatusCache(c, c.statusTTL)
}

// PortLease 为串口 port 创建租约，owner 为本进程标识
func (c *Client) PortLease(port, owner string, logger *zap.Logger) *PortLease {
	return NewPortLease(c, port, owner, c.leaseTTL, logger)
}

// Close 关闭连接池
func (c *Client) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

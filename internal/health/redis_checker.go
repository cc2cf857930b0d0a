package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger 可探活的客户端（*redis.Client 包装满足此接口）
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// RedisChecker Redis 健康检查：状态缓存与串口租约依赖它
type RedisChecker struct {
	client Pinger
	// leaseRequired 为 true 时 Redis 不可用判为不健康（串口租约无法续约）
	leaseRequired bool
}

// NewRedisChecker 创建 Redis 健康检查器
func NewRedisChecker(client Pinger, leaseRequired bool) *RedisChecker {
	return &RedisChecker{client: client, leaseRequired: leaseRequired}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.client.HealthCheck(ctx); err != nil {
		status := StatusDegraded
		if c.leaseRequired {
			status = StatusUnhealthy
		}
		return CheckResult{
			Status:  status,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
}

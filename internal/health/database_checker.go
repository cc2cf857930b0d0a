package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseChecker 审计库健康检查
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

// NewDatabaseChecker 创建数据库健康检查器
func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

func (c *DatabaseChecker) Name() string { return "database" }

// Check 数据库不可用只影响审计落库，设备控制仍可用，因此判为降级
func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.pool.Stat()
	utilization := 0.0
	if stats.MaxConns() > 0 {
		utilization = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
	}
	status, message := StatusHealthy, "ok"
	if utilization > 0.9 {
		status, message = StatusDegraded, "connection pool near limit"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"total_conns":    stats.TotalConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
			"utilization":    fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}

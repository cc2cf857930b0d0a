package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/magstim-server/internal/audit"
)

const (
	keyPrefix       = "magstim:"
	recentEventsCap = 100
)

func statusKey(port string) string { return keyPrefix + "status:" + port }
func eventsKey(port string) string { return keyPrefix + "events:" + port }
func leaseKey(port string) string  { return keyPrefix + "lease:" + port }

// StatusCache 设备状态快照与最近审计事件缓存
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewStatusCache ttl<=0 时快照不过期
func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// SetStatus 写入状态快照（JSON）
func (c *StatusCache) SetStatus(ctx context.Context, port string, status any) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return c.rdb.Set(ctx, statusKey(port), b, c.ttl).Err()
}

// GetStatus 读取状态快照；不存在时返回 false
func (c *StatusCache) GetStatus(ctx context.Context, port string, out any) (bool, error) {
	b, err := c.rdb.Get(ctx, statusKey(port)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// WriteEvents 实现 audit.Sink：按设备写入最近事件列表，只保留最新 100 条
func (c *StatusCache) WriteEvents(ctx context.Context, events []audit.Event) error {
	pipe := c.rdb.TxPipeline()
	touched := make(map[string]bool)
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		pipe.LPush(ctx, eventsKey(ev.Device), b)
		touched[ev.Device] = true
	}
	for dev := range touched {
		pipe.LTrim(ctx, eventsKey(dev), 0, recentEventsCap-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecentEvents 最近 n 条事件，新的在前
func (c *StatusCache) RecentEvents(ctx context.Context, port string, n int) ([]audit.Event, error) {
	if n <= 0 || n > recentEventsCap {
		n = recentEventsCap
	}
	raw, err := c.rdb.LRange(ctx, eventsKey(port), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(raw))
	for _, s := range raw {
		var ev audit.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

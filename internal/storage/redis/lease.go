package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLeaseHeld 串口已被其他进程占用
var ErrLeaseHeld = errors.New("serial port lease held by another process")

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// PortLease 跨进程的串口独占租约：同一串口同一时刻只允许一个进程持有远程控制
type PortLease struct {
	rdb    redis.Cmdable
	port   string
	owner  string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPortLease owner 为本进程标识
func NewPortLease(rdb redis.Cmdable, port, owner string, ttl time.Duration, logger *zap.Logger) *PortLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortLease{rdb: rdb, port: port, owner: owner, ttl: ttl, logger: logger}
}

// Acquire 取得租约并启动续约协程；已被他人持有时返回 ErrLeaseHeld
func (l *PortLease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, leaseKey(l.port), l.owner, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		holder, _ := l.rdb.Get(ctx, leaseKey(l.port)).Result()
		if holder != l.owner {
			return ErrLeaseHeld
		}
		if _, err := l.renew(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		rctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.keepRenewing(rctx, l.done)
	}
	return nil
}

func (l *PortLease) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(l.port)}, l.owner, l.ttl.Milliseconds()).Int64()
	return n == 1, err
}

func (l *PortLease) keepRenewing(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.renew(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				l.logger.Warn("port lease renew failed", zap.String("port", l.port), zap.Error(err))
			case err == nil && !ok:
				l.logger.Error("port lease lost", zap.String("port", l.port))
			}
		}
	}
}

// Release 停止续约并删除租约（仅当仍由本进程持有）
func (l *PortLease) Release(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return releaseScript.Run(ctx, l.rdb, []string{leaseKey(l.port)}, l.owner).Err()
}

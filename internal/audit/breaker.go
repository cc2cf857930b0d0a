package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常写入
	BreakerOpen                         // 冷却期内跳过写入
	BreakerHalfOpen                     // 冷却结束，放行一次试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// ErrSinkOpen 熔断期间写入被跳过
var ErrSinkOpen = errors.New("audit sink circuit open")

// BreakerSink 为 Sink 加熔断：连续失败达到阈值后在冷却期内直接跳过，
// 避免数据库或 Redis 故障时每批事件都等待写超时
type BreakerSink struct {
	sink      Sink
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trips    int64
	skipped  int64
}

// NewBreakerSink threshold<=0 时为 5，cooldown<=0 时为 30s
func NewBreakerSink(sink Sink, threshold int, cooldown time.Duration) *BreakerSink {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerSink{sink: sink, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WriteEvents 实现 Sink
func (b *BreakerSink) WriteEvents(ctx context.Context, events []Event) error {
	if !b.allow(len(events)) {
		return ErrSinkOpen
	}
	err := b.sink.WriteEvents(ctx, events)
	b.done(err)
	return err
}

func (b *BreakerSink) allow(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.skipped += int64(n)
			return false
		}
		b.state = BreakerHalfOpen
	case BreakerHalfOpen:
		// 试探进行中
		b.skipped += int64(n)
		return false
	}
	return true
}

func (b *BreakerSink) done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.trips++
	}
}

// State 当前状态
func (b *BreakerSink) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats 熔断统计
type BreakerStats struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
	Trips    int64  `json:"trips"`
	Skipped  int64  `json:"skipped"`
}

// Stats 返回统计信息
func (b *BreakerSink) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{State: b.state.String(), Failures: b.failures, Trips: b.trips, Skipped: b.skipped}
}

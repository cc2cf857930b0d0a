package keepalive

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Message 设备发给保活调度器的控制消息
type Message int

const (
	Stop     Message = iota // 终止
	Pause                   // 放弃远程控制后暂停，节奏恢复为慢速
	Resume                  // 有命令发出，重新计时
	SpeedUp                 // 已布防，快速节奏
	SlowDown                // 已撤防，慢速节奏
)

func (m Message) String() string {
	switch m {
	case Stop:
		return "stop"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case SpeedUp:
		return "speed_up"
	case SlowDown:
		return "slow_down"
	}
	return "unknown"
}

// State 调度器状态
type State int32

const (
	Paused State = iota
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

const (
	DefaultFast = 500 * time.Millisecond
	DefaultSlow = 5 * time.Second
)

// Poker 发送保活帧（不等待回执）
type Poker interface {
	Poke()
}

// PokerFunc 函数适配器
type PokerFunc func()

func (f PokerFunc) Poke() { f() }

// Config 保活节奏
type Config struct {
	Fast time.Duration // 布防后
	Slow time.Duration // 撤防/初始
}

// Scheduler 保活调度器
// 初始为 Paused；Resume/SpeedUp/SlowDown 进入 Active；Stop 为终态
type Scheduler struct {
	poker  Poker
	fast   time.Duration
	slow   time.Duration
	logger *zap.Logger

	ctrl     chan Message
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	state    atomic.Int32
	pokes    atomic.Int64
}

// New 创建调度器，需调用 Start 启动
func New(poker Poker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Fast <= 0 {
		cfg.Fast = DefaultFast
	}
	if cfg.Slow <= 0 {
		cfg.Slow = DefaultSlow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		poker:  poker,
		fast:   cfg.Fast,
		slow:   cfg.Slow,
		logger: logger,
		ctrl:   make(chan Message, 16),
		done:   make(chan struct{}),
	}
}

// Start 启动调度协程
func (s *Scheduler) Start() {
	select {
	case <-s.done:
		return
	default:
	}
	if s.started.Swap(true) {
		return
	}
	go s.run()
}

// Notify 发送控制消息；调度器停止后丢弃
func (s *Scheduler) Notify(m Message) {
	select {
	case <-s.done:
	case s.ctrl <- m:
	}
}

// Stop 终止调度器并等待协程退出
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			s.state.Store(int32(Stopped))
			close(s.done)
			return
		}
		s.Notify(Stop)
	})
	<-s.done
}

// Done 协程退出后关闭
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// State 当前状态
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Pokes 已发送的保活次数
func (s *Scheduler) Pokes() int64 { return s.pokes.Load() }

func (s *Scheduler) run() {
	defer close(s.done)
	latency := s.slow

	for {
		if s.State() == Paused {
			m := <-s.ctrl
			switch m {
			case Stop:
				s.state.Store(int32(Stopped))
				return
			case Pause:
				continue
			case SpeedUp:
				latency = s.fast
			case SlowDown:
				latency = s.slow
			}
			s.state.Store(int32(Active))
			s.logger.Debug("keepalive active", zap.Duration("interval", latency))
		}

		if !s.waitTick(&latency) {
			if s.State() == Stopped {
				return
			}
			continue
		}
		s.pokes.Add(1)
		s.poker.Poke()
	}
}

// waitTick 等待一个节奏周期；期间收到普通消息则重新计时
// 返回 false 表示被 Pause/Stop 中断，不发送保活
func (s *Scheduler) waitTick(latency *time.Duration) bool {
	timer := time.NewTimer(*latency)
	defer timer.Stop()
	for {
		select {
		case m := <-s.ctrl:
			switch m {
			case Stop:
				s.state.Store(int32(Stopped))
				return false
			case Pause:
				*latency = s.slow
				s.state.Store(int32(Paused))
				s.logger.Debug("keepalive paused")
				return false
			case SpeedUp:
				*latency = s.fast
			case SlowDown:
				*latency = s.slow
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(*latency)
		case <-timer.C:
			return true
		}
	}
}

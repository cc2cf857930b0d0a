package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink 审计事件的持久化目标
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// SinkFunc 函数适配器
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) WriteEvents(ctx context.Context, events []Event) error { return f(ctx, events) }

// WriterConfig 异步写入参数
type WriterConfig struct {
	QueueSize     int           // 队列容量，满时丢弃
	BatchSize     int           // 单次写入条数上限
	FlushInterval time.Duration // 未满批次的最长等待
	WriteTimeout  time.Duration // 单个 Sink 写入超时
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

// Writer 异步审计记录器：Record 从不阻塞，队列满时丢弃并计数
type Writer struct {
	cfg    WriterConfig
	sinks  map[string]Sink
	logger *zap.Logger
	onDrop func()

	queue   chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// WriterOption Writer 可选项
type WriterOption func(*Writer)

// WithDropHook 事件被丢弃时回调（用于指标）
func WithDropHook(f func()) WriterOption {
	return func(w *Writer) { w.onDrop = f }
}

// NewWriter 创建并启动异步写入协程；sinks 以名称区分，便于日志定位
func NewWriter(cfg WriterConfig, sinks map[string]Sink, logger *zap.Logger, opts ...WriterOption) *Writer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger.With(zap.String("component", "audit_writer")),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Record 入队一条事件
func (w *Writer) Record(ev Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(ev)
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.drop(ev)
	}
}

func (w *Writer) drop(ev Event) {
	w.dropped.Add(1)
	if w.onDrop != nil {
		w.onDrop()
	}
	w.logger.Warn("audit event dropped", zap.String("op", ev.Op), zap.String("id", ev.ID.String()))
}

// Dropped 已丢弃事件数
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written 已交给全部 Sink 的事件数
func (w *Writer) Written() int64 { return w.written.Load() }

// Close 停止接收并写完队列中剩余事件
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, w.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush 依次写入每个 Sink；单个 Sink 失败只记录日志
func (w *Writer) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	events := append([]Event(nil), batch...)
	for name, sink := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		if err := sink.WriteEvents(ctx, events); err != nil {
			w.logger.Error("audit sink write failed", zap.String("sink", name),
				zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
	w.written.Add(int64(len(events)))
}

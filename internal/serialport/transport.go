package serialport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/logging"
)

const (
	foregroundQueueSize = 64
	maxVersionReplyLen  = 64
)

type opKind int

const (
	opExchange opKind = iota
	opPoke
	opRTSHigh
	opRTSLow
	opClose
)

// Reply 一次交换的结果；Data 为完整回执（含回显与 CRC）
type Reply struct {
	Data []byte
	Err  error
}

// Exchange 前台请求描述
type Exchange struct {
	Frame    []byte
	ReplyLen int  // 回执总字节数（含回显与 CRC）
	Version  bool // 变长版本回执，以 0x00 结束后再读一个 CRC 字节
}

type request struct {
	op     opKind
	ex     Exchange
	result chan Reply
	// ctx 提交方的等待上下文；轮到处理时已结束则不再写入串口
	ctx context.Context
}

// Transport 串口唯一持有者
// 前台请求按提交顺序逐个处理；保活请求仅在前台队列为空时处理，且最多排队一个
type Transport struct {
	port   Port
	logger *zap.Logger

	fg   chan *request
	bg   chan *request
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	onIOError   func(op string)
	onPokeError func(err error)
}

// Option Transport 可选项
type Option func(*Transport)

// WithIOErrorHook 串口错误回调（指标）
func WithIOErrorHook(fn func(op string)) Option {
	return func(t *Transport) { t.onIOError = fn }
}

// WithPokeResultHook 保活结果回调，err 为 nil 表示成功
func WithPokeResultHook(fn func(err error)) Option {
	return func(t *Transport) { t.onPokeError = fn }
}

// NewTransport 创建传输层，需调用 Start 启动
func NewTransport(port Port, logger *zap.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		port:   port,
		logger: logger,
		fg:     make(chan *request, foregroundQueueSize),
		bg:     make(chan *request, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start 启动串口处理循环
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.wg.Add(1)
	go t.loop()
}

// Submit 提交一次写后读交换，返回的 channel 恰好收到一个 Reply
func (t *Transport) Submit(ctx context.Context, ex Exchange) <-chan Reply {
	r := &request{op: opExchange, ex: ex, result: make(chan Reply, 1), ctx: ctx}
	if err := t.enqueue(ctx, r); err != nil {
		r.result <- Reply{Err: err}
	}
	return r.result
}

// Poke 提交保活帧；已有保活在排队时直接丢弃，永不阻塞
func (t *Transport) Poke(ex Exchange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.bg <- &request{op: opPoke, ex: ex}:
		return true
	default:
		return false
	}
}

// QuickFire 拉高 RTS 触发刺激，不等待回执
func (t *Transport) QuickFire(ctx context.Context) error {
	return t.enqueue(ctx, &request{op: opRTSHigh})
}

// ResetQuickFire 拉低 RTS
func (t *Transport) ResetQuickFire(ctx context.Context) error {
	return t.enqueue(ctx, &request{op: opRTSLow})
}

// Close 在队尾放入关闭哨兵：之前提交的请求全部处理完后循环退出并释放串口
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	if !started {
		_ = t.port.Close()
		close(t.done)
		return
	}
	t.fg <- &request{op: opClose}
}

// Wait 等待处理循环退出
func (t *Transport) Wait() {
	<-t.done
	t.wg.Wait()
}

// Done 处理循环退出后关闭
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) enqueue(ctx context.Context, r *request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &IOError{Op: "closed", Err: ErrClosed}
	}
	select {
	case t.fg <- r:
		return nil
	case <-ctx.Done():
		return &IOError{Op: "write", Err: ctx.Err()}
	}
}

func (t *Transport) loop() {
	defer t.wg.Done()
	defer close(t.done)
	defer t.shutdown()

	for {
		var r *request
		select {
		case r = <-t.fg:
		default:
			select {
			case r = <-t.fg:
			case r = <-t.bg:
			}
		}
		if r.op == opClose {
			return
		}
		t.handle(r)
	}
}

func (t *Transport) handle(r *request) {
	switch r.op {
	case opRTSHigh, opRTSLow:
		if err := t.port.SetRTS(r.op == opRTSHigh); err != nil {
			t.ioError("write")
			t.logger.Warn("set RTS failed", zap.Bool("high", r.op == opRTSHigh), zap.Error(err))
		}
	case opPoke:
		_, err := t.exchange(r.ex)
		if t.onPokeError != nil {
			t.onPokeError(err)
		}
		if err != nil {
			t.logger.Warn("keepalive poke failed", logging.Frame("frame", r.ex.Frame), zap.Error(err))
		}
	case opExchange:
		if r.ctx != nil && r.ctx.Err() != nil {
			t.logger.Debug("exchange abandoned before write", logging.Frame("frame", r.ex.Frame), zap.Error(r.ctx.Err()))
			r.result <- Reply{Err: &IOError{Op: "timeout", Err: r.ctx.Err()}}
			return
		}
		data, err := t.exchange(r.ex)
		if ce := t.logger.Check(zap.DebugLevel, "frame exchanged"); ce != nil {
			ce.Write(logging.Frame("tx", r.ex.Frame), logging.Frame("rx", data), zap.Error(err))
		}
		r.result <- Reply{Data: data, Err: err}
	}
}

// exchange 写入一帧并按回执规则读取：
// 首字节 '?' 时仅此一字节；第二字节为 '?' 或 'S' 时再读 CRC；否则读满 ReplyLen
func (t *Transport) exchange(ex Exchange) ([]byte, error) {
	if err := t.port.ResetInputBuffer(); err != nil {
		t.logger.Debug("reset input buffer failed", zap.Error(err))
	}
	if _, err := t.port.Write(ex.Frame); err != nil {
		t.ioError("write")
		return nil, &IOError{Op: "write", Err: err}
	}

	reply := make([]byte, 0, ex.ReplyLen+1)
	first, err := t.readByte()
	if err != nil {
		return nil, err
	}
	reply = append(reply, first)
	if first == '?' {
		return reply, nil
	}

	if ex.Version {
		// 状态字节之后读到 0x00 为止，再读 CRC
		for {
			b, err := t.readByte()
			if err != nil {
				return reply, err
			}
			reply = append(reply, b)
			if len(reply) > 2 && b == 0 {
				break
			}
			if len(reply) >= maxVersionReplyLen {
				return reply, &IOError{Op: "read", Err: errors.New("version reply not terminated")}
			}
		}
		crc, err := t.readByte()
		if err != nil {
			return reply, err
		}
		return append(reply, crc), nil
	}

	second, err := t.readByte()
	if err != nil {
		return reply, err
	}
	reply = append(reply, second)
	remaining := ex.ReplyLen - 2
	if second == '?' || second == 'S' {
		remaining = 1
	}
	for ; remaining > 0; remaining-- {
		b, err := t.readByte()
		if err != nil {
			return reply, err
		}
		reply = append(reply, b)
	}
	return reply, nil
}

func (t *Transport) readByte() (byte, error) {
	var buf [1]byte
	n, err := t.port.Read(buf[:])
	if err != nil {
		t.ioError("read")
		return 0, &IOError{Op: "read", Err: err}
	}
	if n == 0 {
		t.ioError("timeout")
		return 0, &IOError{Op: "timeout", Err: ErrTimeout}
	}
	return buf[0], nil
}

func (t *Transport) ioError(op string) {
	if t.onIOError != nil {
		t.onIOError(op)
	}
}

// shutdown 释放串口并让残留请求以 closed 结束
func (t *Transport) shutdown() {
	if err := t.port.Close(); err != nil {
		t.logger.Warn("close serial port failed", zap.Error(err))
	}
	for {
		select {
		case r := <-t.fg:
			if r.result != nil {
				r.result <- Reply{Err: &IOError{Op: "closed", Err: ErrClosed}}
			}
		case <-t.bg:
		default:
			return
		}
	}
}

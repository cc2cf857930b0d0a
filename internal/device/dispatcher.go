package device

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/keepalive"
	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/serialport"
)

// submitter 传输层提交接口
type submitter interface {
	Submit(ctx context.Context, ex serialport.Exchange) <-chan serialport.Reply
}

// notifier 保活控制接口
type notifier interface {
	Notify(m keepalive.Message)
}

// Dispatcher 同步请求/回执门面：组帧、提交、等待、校验、解码
type Dispatcher struct {
	tr          submitter
	ka          notifier
	readTimeout time.Duration
	observer    Observer
	logger      *zap.Logger

	connected atomic.Bool
	mu        sync.RWMutex
	version   magstim.Version
}

func newDispatcher(tr submitter, ka notifier, readTimeout time.Duration, observer Observer, logger *zap.Logger) *Dispatcher {
	if readTimeout <= 0 {
		readTimeout = serialport.DefaultReadTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{tr: tr, ka: ka, readTimeout: readTimeout, observer: observer, logger: logger}
}

// SetConnected 远程控制建立/释放后更新
func (d *Dispatcher) SetConnected(v bool) { d.connected.Store(v) }

// Connected 是否已建立远程控制
func (d *Dispatcher) Connected() bool { return d.connected.Load() }

// Version 当前软件版本
func (d *Dispatcher) Version() magstim.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *Dispatcher) setVersion(v magstim.Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// permitted 未连接时只放行：远程控制开/关、参数、温度、撤防，以及版本已知后的 Rapid 参数查询
func (d *Dispatcher) permitted(code string) bool {
	if d.connected.Load() {
		return true
	}
	switch code[0] {
	case 'Q', 'R', 'J', 'F':
		return true
	case '\\':
		return d.Version().Known()
	}
	return strings.HasPrefix(code, "EA")
}

// timeout 整体等待上限：每个回执字节一次读超时，另加排队余量
func (d *Dispatcher) timeout(cmd magstim.Command) time.Duration {
	n := cmd.ReplyLen
	if cmd.Reply == magstim.ReplyVersion {
		n = 24
	}
	return d.readTimeout * time.Duration(n+2+4)
}

// Execute 发送命令并返回解码后的参数
func (d *Dispatcher) Execute(ctx context.Context, cmd magstim.Command) (*magstim.Parameters, error) {
	raw, err := d.roundTrip(ctx, cmd)
	if err != nil {
		return nil, err
	}
	params, err := magstim.Decode(cmd.Reply, raw[1:len(raw)-1], d.Version())
	if err != nil {
		return nil, magstim.NewError(magstim.KindParameterAcquisition, cmd.Code, err)
	}
	return params, nil
}

// GetVersion 读取软件版本并记录
func (d *Dispatcher) GetVersion(ctx context.Context) (magstim.Version, error) {
	raw, err := d.roundTrip(ctx, magstim.CmdGetVersion)
	if err != nil {
		return magstim.Version{}, err
	}
	v, err := magstim.ParseVersion(raw[1 : len(raw)-1])
	if err != nil {
		return magstim.Version{}, magstim.NewError(magstim.KindInvalidData, magstim.CmdGetVersion.Code, err)
	}
	d.setVersion(v)
	return v, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, cmd magstim.Command) (raw []byte, err error) {
	start := time.Now()
	defer func() {
		d.observer.CommandDone(cmd.Label(), err, time.Since(start))
		if err != nil {
			d.logger.Debug("command failed", zap.String("cmd", cmd.Code), zap.String("reply", string(cmd.Reply)), zap.Error(err))
		}
	}()

	if cmd.Code == "" {
		return nil, magstim.NewError(magstim.KindInvalidCommand, "", magstim.ErrEmptyFrame)
	}
	if !d.permitted(cmd.Code) {
		return nil, magstim.NewError(magstim.KindNoRemoteControl, cmd.Code, nil)
	}
	frame, err := magstim.BuildFrame([]byte(cmd.Code))
	if err != nil {
		return nil, magstim.NewError(magstim.KindInvalidCommand, cmd.Code, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.timeout(cmd))
	defer cancel()

	var reply serialport.Reply
	select {
	case reply = <-d.tr.Submit(waitCtx, serialport.Exchange{
		Frame:    frame,
		ReplyLen: cmd.ReplyLen,
		Version:  cmd.Reply == magstim.ReplyVersion,
	}):
	case <-waitCtx.Done():
		return nil, magstim.NewError(magstim.KindTransportIO, cmd.Code, &serialport.IOError{Op: "timeout", Err: waitCtx.Err()})
	}
	if reply.Err != nil {
		return nil, magstim.NewError(magstim.KindTransportIO, cmd.Code, reply.Err)
	}
	if err := validate(cmd, reply.Data); err != nil {
		return nil, err
	}

	if d.connected.Load() && d.ka != nil {
		d.ka.Notify(keepaliveMessageFor(cmd.Code))
	}
	return reply.Data, nil
}

// validate 回执校验顺序：'?' 无效命令，第二字节 '?' 无效数据，'S' 冲突，回显不符，CRC
func validate(cmd magstim.Command, data []byte) error {
	if len(data) == 0 {
		return magstim.NewError(magstim.KindTransportIO, cmd.Code, &serialport.IOError{Op: "read", Err: serialport.ErrTimeout})
	}
	if data[0] == '?' {
		return magstim.NewError(magstim.KindInvalidCommand, cmd.Code, nil)
	}
	if len(data) > 1 {
		switch data[1] {
		case '?':
			return magstim.NewError(magstim.KindInvalidData, cmd.Code, nil)
		case 'S':
			return magstim.NewError(magstim.KindCommandConflict, cmd.Code, nil)
		}
	}
	if data[0] != cmd.Op() {
		return magstim.NewError(magstim.KindInvalidConfirmation, cmd.Code, nil)
	}
	if len(data) < 3 {
		return magstim.NewError(magstim.KindChecksumMismatch, cmd.Code, nil)
	}
	if err := magstim.VerifyFrame(data); err != nil {
		return magstim.NewError(magstim.KindChecksumMismatch, cmd.Code, nil)
	}
	return nil
}

// keepaliveMessageFor 释放控制暂停保活，撤防减速，布防加速，其他命令重新计时
func keepaliveMessageFor(code string) keepalive.Message {
	switch {
	case code[0] == 'R':
		return keepalive.Pause
	case strings.HasPrefix(code, "EA"):
		return keepalive.SlowDown
	case strings.HasPrefix(code, "EB"):
		return keepalive.SpeedUp
	}
	return keepalive.Resume
}

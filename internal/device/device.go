package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/audit"
	"github.com/taoyao-code/magstim-server/internal/keepalive"
	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/serialport"
)

// ConnState 连接状态
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// ArmState 布防状态
type ArmState int

const (
	Disarmed ArmState = iota
	Arming
	Armed
)

func (s ArmState) String() string {
	switch s {
	case Arming:
		return "arming"
	case Armed:
		return "armed"
	}
	return "disarmed"
}

// Device 磁刺激器设备：连接/布防状态、按型号的合法性检查，命令经 Dispatcher 发送
// mu 只保护状态字段，不跨越任何 I/O 等待
type Device struct {
	cfg      Config
	info     *SystemInfo
	open     Opener
	logger   *zap.Logger
	observer Observer
	recorder audit.Recorder
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu            sync.Mutex
	state         ConnState
	disconnecting bool
	arm           ArmState
	transport     *serialport.Transport
	keepalive     *keepalive.Scheduler
	disp          *Dispatcher
	rapid         *rapidState // 仅 Rapid
}

// Option 设备可选项
type Option func(*Device)

// WithLogger 日志
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver 指标
func WithObserver(o Observer) Option {
	return func(d *Device) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithRecorder 审计事件
func WithRecorder(r audit.Recorder) Option {
	return func(d *Device) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithSystemInfo Rapid 能量/频率表
func WithSystemInfo(info *SystemInfo) Option {
	return func(d *Device) { d.info = info }
}

// New 创建设备；open 负责按地址打开串口
func New(cfg Config, open Opener, opts ...Option) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		cfg:      cfg,
		open:     open,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		recorder: audit.Nop{},
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("port", cfg.Port), zap.String("kind", string(cfg.Kind)))
	if cfg.Kind == KindRapid {
		d.rapid = &rapidState{}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kind 设备型号
func (d *Device) Kind() Kind { return d.cfg.Kind }

// Config 设备参数副本
func (d *Device) Config() Config { return d.cfg }

// SystemInfo 能量/频率表，可能为 nil
func (d *Device) SystemInfo() *SystemInfo { return d.info }

// State 当前连接状态
func (d *Device) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// dispatcher 当前连接的 Dispatcher；未连接时返回 NoRemoteControl
func (d *Device) dispatcher() (*Dispatcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disp == nil {
		return nil, magstim.NewError(magstim.KindNoRemoteControl, "", nil)
	}
	return d.disp, nil
}

func (d *Device) execute(ctx context.Context, cmd magstim.Command) (*magstim.Parameters, error) {
	disp, err := d.dispatcher()
	if err != nil {
		return nil, err
	}
	return disp.Execute(ctx, cmd)
}

// record 发送审计事件
func (d *Device) record(op string, args map[string]any, start time.Time, err error) {
	d.recorder.Record(audit.NewEvent(d.cfg.Port, string(d.cfg.Kind), op, args, err, d.now().Sub(start)))
}

// Connect 打开串口并取得远程控制；失败时关闭已启动的传输层
// Rapid 随后读取软件版本，失败则断开
func (d *Device) Connect(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("connect", nil, start, err) }()

	d.mu.Lock()
	switch {
	case d.state == Connected:
		d.mu.Unlock()
		return nil
	case d.state == Connecting || d.disconnecting:
		d.mu.Unlock()
		return magstim.NewError(magstim.KindCommandConflict, "", errors.New("connection attempt already in progress"))
	}
	d.state = Connecting
	d.mu.Unlock()

	port, err := d.open(d.cfg.Port)
	if err != nil {
		d.resetState()
		d.observer.IOError("open")
		return magstim.NewError(magstim.KindTransportIO, "", err)
	}

	tr := serialport.NewTransport(port, d.logger,
		serialport.WithIOErrorHook(d.observer.IOError),
		serialport.WithPokeResultHook(d.observer.PokeDone),
	)
	tr.Start()

	kaCmd := magstim.Keepalive(d.cfg.unlockCode())
	kaFrame := magstim.MustBuildFrame(kaCmd.Code)
	ka := keepalive.New(keepalive.PokerFunc(func() {
		tr.Poke(serialport.Exchange{Frame: kaFrame, ReplyLen: kaCmd.ReplyLen})
	}), keepalive.Config{Fast: d.cfg.FastPoke, Slow: d.cfg.SlowPoke}, d.logger)
	disp := newDispatcher(tr, ka, d.cfg.ReadTimeout, d.observer, d.logger)

	d.mu.Lock()
	d.transport, d.keepalive, d.disp = tr, ka, disp
	d.mu.Unlock()

	if _, err := disp.Execute(ctx, magstim.RemoteControl(true, d.cfg.unlockCode())); err != nil {
		tr.Close()
		tr.Wait()
		ka.Stop()
		d.resetState()
		d.logger.Warn("could not establish remote control", zap.Error(err))
		return err
	}

	disp.SetConnected(true)
	ka.Start()
	ka.Notify(keepalive.Resume)

	d.mu.Lock()
	d.state = Connected
	d.arm = Disarmed
	if d.rapid != nil {
		d.rapid.reset()
	}
	d.mu.Unlock()
	d.observer.Connected(true)

	if d.rapid != nil {
		if _, err := disp.GetVersion(ctx); err != nil {
			d.logger.Warn("could not determine software version, disconnecting", zap.Error(err))
			_ = d.Disconnect(ctx)
			return err
		}
		d.logger.Info("device connected", zap.String("version", disp.Version().String()))
		return nil
	}
	d.logger.Info("device connected")
	return nil
}

func (d *Device) resetState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Disconnected
	d.disconnecting = false
	d.arm = Disarmed
	d.transport, d.keepalive, d.disp = nil, nil, nil
	if d.rapid != nil {
		d.rapid.reset()
	}
}

// Disconnect 撤防、停止保活、释放远程控制、关闭传输层
// 可在命令执行中调用：关闭哨兵排在已提交请求之后
func (d *Device) Disconnect(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.state != Connected || d.disconnecting {
		d.mu.Unlock()
		return nil
	}
	d.disconnecting = true
	tr, ka, disp := d.transport, d.keepalive, d.disp
	if d.rapid != nil {
		d.rapid.reset()
	}
	d.mu.Unlock()

	start := d.now()
	defer func() { d.record("disconnect", nil, start, err) }()

	if _, derr := disp.Execute(ctx, magstim.CmdDisarm); derr != nil {
		d.logger.Debug("disarm before disconnect failed", zap.Error(derr))
	}
	ka.Stop()
	_, err = disp.Execute(ctx, magstim.RemoteControl(false, ""))
	disp.SetConnected(false)
	tr.Close()
	tr.Wait()

	d.resetState()
	d.observer.Connected(false)
	d.observer.Armed(false)
	d.logger.Info("device disconnected", zap.Error(err))
	return err
}

// RemoteControl 取得/释放远程控制
func (d *Device) RemoteControl(ctx context.Context, enable bool) (*magstim.Parameters, error) {
	d.invalidateSequence()
	return d.execute(ctx, magstim.RemoteControl(enable, d.cfg.unlockCode()))
}

// controlStatus 发送取得控制命令读取状态字节，不改变序列校验结果
func (d *Device) controlStatus(ctx context.Context) (*magstim.Parameters, error) {
	return d.execute(ctx, magstim.RemoteControl(true, d.cfg.unlockCode()))
}

// GetParameters 读取当前参数（按型号选择命令与回执）
func (d *Device) GetParameters(ctx context.Context) (*magstim.Parameters, error) {
	switch d.cfg.Kind {
	case KindBistim:
		return d.execute(ctx, magstim.CmdGetBistimParameters)
	case KindRapid:
		disp, err := d.dispatcher()
		if err != nil {
			return nil, err
		}
		v := disp.Version()
		if !v.Known() {
			return nil, magstim.NewError(magstim.KindGetSystemStatus, magstim.GetRapidParameters(v).Code, nil)
		}
		return disp.Execute(ctx, magstim.GetRapidParameters(v))
	}
	return d.execute(ctx, magstim.CmdGetMagstimParameters)
}

// GetTemperature 读取线圈温度
func (d *Device) GetTemperature(ctx context.Context) (*magstim.Parameters, error) {
	return d.execute(ctx, magstim.CmdGetTemperature)
}

// Poke silent 时只让保活重新计时，否则立即发送一次远程控制命令
func (d *Device) Poke(ctx context.Context, silent bool) error {
	d.mu.Lock()
	ka, connected := d.keepalive, d.state == Connected
	d.mu.Unlock()
	if silent && connected && ka != nil {
		ka.Notify(keepalive.Resume)
		return nil
	}
	_, err := d.RemoteControl(ctx, true)
	return err
}

// currentPower 从参数回执中取当前功率；BiStim 取通道 A
func (d *Device) currentPower(p *magstim.Parameters) (int, error) {
	switch {
	case d.cfg.Kind == KindBistim && p.BistimParam != nil:
		return int(p.BistimParam.PowerA), nil
	case d.cfg.Kind == KindRapid && p.RapidParam != nil:
		return int(p.RapidParam.Power), nil
	case d.cfg.Kind == KindMagstim && p.MagstimParam != nil:
		return int(p.MagstimParam.Power), nil
	}
	return 0, magstim.NewError(magstim.KindParameterAcquisition, "", errors.New("power field missing from parameters"))
}

// SetPower 设置功率（0-100，Rapid 增强模式下 0-110）
// delay 时按变化量等待：每升 1 等 PowerStepUp，每降 1 等 PowerStepDown
func (d *Device) SetPower(ctx context.Context, power int, delay bool) (err error) {
	start := d.now()
	defer func() { d.record("set_power", map[string]any{"power": power, "delay": delay}, start, err) }()

	d.invalidateSequence()

	limit := 100
	var prior *magstim.Parameters
	if d.rapid != nil || delay {
		if power >= 0 && power <= 110 {
			if prior, err = d.GetParameters(ctx); err != nil {
				return magstim.NewError(magstim.KindParameterAcquisition, "", err)
			}
			if d.rapid != nil && prior.Rapid != nil && prior.Rapid.EnhancedPowerMode {
				limit = 110
			}
		}
	}
	if power < 0 || power > limit {
		return magstim.NewError(magstim.KindParameterRange, "", nil)
	}

	priorPower := 0
	if delay {
		if priorPower, err = d.currentPower(prior); err != nil {
			return err
		}
	}

	if _, err = d.execute(ctx, magstim.SetPower("@", power)); err != nil {
		return err
	}

	if delay {
		var wait time.Duration
		if power > priorPower {
			wait = time.Duration(power-priorPower) * d.cfg.PowerStepUp
		} else {
			wait = time.Duration(priorPower-power) * d.cfg.PowerStepDown
		}
		if err = d.sleep(ctx, wait); err != nil {
			return magstim.NewError(magstim.KindTransportIO, "", err)
		}
	}

	if d.rapid != nil {
		return d.capFrequencyToPower(ctx)
	}
	return nil
}

// Arm 布防；delay 时成功后等待硬件稳定
func (d *Device) Arm(ctx context.Context, delay bool) (err error) {
	start := d.now()
	defer func() { d.record("arm", map[string]any{"delay": delay}, start, err) }()

	d.setArm(Arming)
	if _, err = d.execute(ctx, magstim.CmdArm); err != nil {
		d.setArm(Disarmed)
		return err
	}
	d.setArm(Armed)
	if delay {
		if err = d.sleep(ctx, d.cfg.ArmDelay); err != nil {
			return magstim.NewError(magstim.KindTransportIO, "", err)
		}
	}
	return nil
}

// Disarm 撤防
func (d *Device) Disarm(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("disarm", nil, start, err) }()

	if _, err = d.execute(ctx, magstim.CmdDisarm); err != nil {
		return err
	}
	d.setArm(Disarmed)
	return nil
}

func (d *Device) setArm(s ArmState) {
	d.mu.Lock()
	d.arm = s
	d.mu.Unlock()
	d.observer.Armed(s == Armed)
}

// ArmState 最近一次布防命令的结果
func (d *Device) ArmState() ArmState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arm
}

// IsArmed 向设备查询是否已布防（armed 或 ready 位）
func (d *Device) IsArmed(ctx context.Context) (bool, error) {
	p, err := d.controlStatus(ctx)
	if err != nil {
		return false, err
	}
	return p.Instr.Armed || p.Instr.Ready, nil
}

// IsUnderControl 是否处于远程控制
func (d *Device) IsUnderControl(ctx context.Context) (bool, error) {
	p, err := d.controlStatus(ctx)
	if err != nil {
		return false, err
	}
	return p.Instr.RemoteStatus, nil
}

// IsReadyToFire 是否可以触发
func (d *Device) IsReadyToFire(ctx context.Context) (bool, error) {
	p, err := d.controlStatus(ctx)
	if err != nil {
		return false, err
	}
	return p.Instr.Ready, nil
}

// Fire 通过命令触发一次刺激
func (d *Device) Fire(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("fire", nil, start, err) }()

	train, err := d.checkFire()
	if err != nil {
		return err
	}
	if _, err = d.execute(ctx, magstim.CmdFire); err != nil {
		// 传输层错误时帧可能已送达，仍按已触发计算下一串的最早时间
		if errors.Is(err, magstim.ErrTransportIO) {
			d.trainFired(train)
		}
		return err
	}
	d.trainFired(train)
	return nil
}

// QuickFire 拉高 RTS 触发，不等待回执
func (d *Device) QuickFire(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("quick_fire", nil, start, err) }()

	train, err := d.checkFire()
	if err != nil {
		return err
	}
	d.mu.Lock()
	tr, connected := d.transport, d.state == Connected
	d.mu.Unlock()
	if !connected || tr == nil {
		return magstim.NewError(magstim.KindNoRemoteControl, "", nil)
	}
	if err = tr.QuickFire(ctx); err != nil {
		return magstim.NewError(magstim.KindTransportIO, "", err)
	}
	d.trainFired(train)
	return nil
}

// ResetQuickFire 拉低 RTS
func (d *Device) ResetQuickFire(ctx context.Context) error {
	d.mu.Lock()
	tr := d.transport
	d.mu.Unlock()
	if tr == nil {
		return magstim.NewError(magstim.KindNoRemoteControl, "", nil)
	}
	if err := tr.ResetQuickFire(ctx); err != nil {
		return magstim.NewError(magstim.KindTransportIO, "", err)
	}
	return nil
}

// Status 设备状态快照
type Status struct {
	Port              string          `json:"port"`
	Kind              Kind            `json:"kind"`
	State             string          `json:"state"`
	Arm               string          `json:"arm"`
	Version           magstim.Version `json:"version"`
	Keepalive         string          `json:"keepalive"`
	RepetitiveMode    bool            `json:"repetitiveMode"`
	SequenceValidated bool            `json:"sequenceValidated"`
	NextTrainAt       *time.Time      `json:"nextTrainAt,omitempty"`
}

// Status 返回本地状态，不访问设备
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Port:      d.cfg.Port,
		Kind:      d.cfg.Kind,
		State:     d.state.String(),
		Arm:       d.arm.String(),
		Keepalive: keepalive.Stopped.String(),
	}
	if d.disp != nil {
		s.Version = d.disp.Version()
	}
	if d.keepalive != nil {
		s.Keepalive = d.keepalive.State().String()
	}
	if d.rapid != nil {
		s.RepetitiveMode = d.rapid.repetitive
		s.SequenceValidated = d.rapid.validated
		if !d.rapid.nextTrainAt.IsZero() {
			at := d.rapid.nextTrainAt
			s.NextTrainAt = &at
		}
	}
	return s
}

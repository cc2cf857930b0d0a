package device

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

const maxValidatedOnTime = 60.0 // s

// rapidState Rapid 独有状态
type rapidState struct {
	repetitive  bool
	validated   bool
	generation  uint64 // 每次参数变更加一；校验期间若变化则结果作废
	trainLength time.Duration // 校验时计算：持续时间 + 最小间隔
	nextTrainAt time.Time
}

func (r *rapidState) reset() { *r = rapidState{} }

type trainTiming struct {
	active bool
	length time.Duration
}

func (d *Device) invalidateSequence() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rapid != nil {
		d.rapid.validated = false
		d.rapid.generation++
	}
}

func (d *Device) sequenceGeneration() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rapid == nil {
		return 0
	}
	return d.rapid.generation
}

// commitValidation 仅当读取参数以来没有参数变更时标记序列已校验
func (d *Device) commitValidation(gen uint64, trainLength time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rapid == nil || d.rapid.generation != gen {
		return false
	}
	d.rapid.validated = true
	d.rapid.trainLength = trainLength
	return true
}

// requireRapid 非 Rapid 设备返回 NotSupported
func (d *Device) requireRapid() (*Dispatcher, error) {
	if d.rapid == nil {
		return nil, magstim.NewError(magstim.KindNotSupported, "", nil)
	}
	return d.dispatcher()
}

// requireSystemStatusVersion 系统状态类命令需要软件版本 >= 9
func (d *Device) requireSystemStatusVersion() (*Dispatcher, magstim.Version, error) {
	disp, err := d.requireRapid()
	if err != nil {
		return nil, magstim.Version{}, err
	}
	v := disp.Version()
	switch {
	case !v.Known():
		return nil, v, magstim.NewError(magstim.KindGetSystemStatus, "", nil)
	case v.Major < 9:
		return nil, v, magstim.NewError(magstim.KindVersionUnsupported, "", nil)
	}
	return disp, v, nil
}

// checkFire 重复模式且启用能量安全时：必须已校验序列，且距上一串结束满足最小间隔
func (d *Device) checkFire() (trainTiming, error) {
	if d.rapid == nil {
		return trainTiming{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rapid.repetitive || !d.cfg.EnforceEnergySafety {
		return trainTiming{}, nil
	}
	if !d.rapid.validated {
		return trainTiming{}, magstim.NewError(magstim.KindSequenceValidation, "", nil)
	}
	if now := d.now(); now.Before(d.rapid.nextTrainAt) {
		return trainTiming{}, magstim.NewError(magstim.KindMinWaitTime, "",
			errors.New("next train allowed in "+d.rapid.nextTrainAt.Sub(now).Round(time.Millisecond).String()))
	}
	return trainTiming{active: true, length: d.rapid.trainLength}, nil
}

func (d *Device) trainFired(t trainTiming) {
	if !t.active {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rapid != nil {
		d.rapid.nextTrainAt = d.now().Add(t.length)
	}
}

// rapidParams 读取 Rapid 参数，缺少字段视为参数获取失败
func (d *Device) rapidParams(ctx context.Context) (*magstim.Parameters, error) {
	p, err := d.GetParameters(ctx)
	if err != nil {
		return nil, magstim.NewError(magstim.KindParameterAcquisition, "", err)
	}
	if p.RapidParam == nil || p.Rapid == nil {
		return nil, magstim.NewError(magstim.KindParameterAcquisition, "", errors.New("rapid parameters missing from reply"))
	}
	return p, nil
}

// GetVersion 读取并记录软件版本
func (d *Device) GetVersion(ctx context.Context) (magstim.Version, error) {
	disp, err := d.requireRapid()
	if err != nil {
		return magstim.Version{}, err
	}
	return disp.GetVersion(ctx)
}

// Version 已记录的软件版本
func (d *Device) Version() magstim.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disp == nil {
		return magstim.Version{}
	}
	return d.disp.Version()
}

// GetErrorCode 读取当前错误码
func (d *Device) GetErrorCode(ctx context.Context) (*magstim.Parameters, error) {
	disp, err := d.requireRapid()
	if err != nil {
		return nil, err
	}
	return disp.Execute(ctx, magstim.CmdGetErrorCode)
}

// IgnoreCoilSafetySwitch 忽略线圈安全开关
func (d *Device) IgnoreCoilSafetySwitch(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("ignore_coil_safety_switch", nil, start, err) }()

	disp, err := d.requireRapid()
	if err != nil {
		return err
	}
	_, err = disp.Execute(ctx, magstim.CmdIgnoreCoilSafetySwitch)
	return err
}

// RTMSMode 开关重复刺激模式；开启时若当前频率为 0 则设为 1 Hz
func (d *Device) RTMSMode(ctx context.Context, enable bool) (err error) {
	start := d.now()
	defer func() { d.record("rtms_mode", map[string]any{"enable": enable}, start, err) }()

	disp, err := d.requireRapid()
	if err != nil {
		return err
	}
	d.invalidateSequence()
	if _, err = disp.Execute(ctx, magstim.RTMSMode(enable, disp.Version())); err != nil {
		return err
	}

	d.mu.Lock()
	d.rapid.repetitive = enable
	d.mu.Unlock()
	if !enable {
		return nil
	}

	p, err := d.rapidParams(ctx)
	if err != nil {
		return err
	}
	if p.RapidParam.Frequency == 0 {
		if _, uerr := disp.Execute(ctx, magstim.SetFrequency(10)); uerr != nil {
			return magstim.NewError(magstim.KindParameterUpdate, "", uerr)
		}
	}
	return nil
}

// EnhancedPowerMode 开关增强功率模式
func (d *Device) EnhancedPowerMode(ctx context.Context, enable bool) (err error) {
	start := d.now()
	defer func() { d.record("enhanced_power_mode", map[string]any{"enable": enable}, start, err) }()

	disp, err := d.requireRapid()
	if err != nil {
		return err
	}
	d.invalidateSequence()
	_, err = disp.Execute(ctx, magstim.EnhancedPower(enable))
	return err
}

// IsEnhanced 是否处于增强功率模式
func (d *Device) IsEnhanced(ctx context.Context) (bool, error) {
	if _, err := d.requireRapid(); err != nil {
		return false, err
	}
	p, err := d.rapidParams(ctx)
	if err != nil {
		return false, err
	}
	return p.Rapid.EnhancedPowerMode, nil
}

// maxFrequency 当前电压/机型/功率下的频率上限
func (d *Device) maxFrequency(power float64) (float64, error) {
	return d.info.MaxFrequencyAt(d.cfg.Voltage, d.cfg.SuperRapid, int(math.Round(power)))
}

// capFrequencyToPower 功率改变后若频率超过新上限则下调频率
func (d *Device) capFrequencyToPower(ctx context.Context) error {
	p, err := d.rapidParams(ctx)
	if err != nil {
		return err
	}
	if p.Rapid.SinglePulseMode {
		return nil
	}
	maxFreq, err := d.maxFrequency(p.RapidParam.Power)
	if err != nil {
		return err
	}
	if p.RapidParam.Frequency <= maxFreq {
		return nil
	}
	d.logger.Info("frequency above limit for new power, lowering",
		zap.Float64("frequency", p.RapidParam.Frequency), zap.Float64("max", maxFreq))
	if err := d.setFrequency(ctx, maxFreq); err != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", err)
	}
	return nil
}

// SetFrequency 设置频率（Hz，最多一位小数），随后按 持续时间×频率 更新脉冲数
func (d *Device) SetFrequency(ctx context.Context, hz float64) (err error) {
	start := d.now()
	defer func() { d.record("set_frequency", map[string]any{"frequency": hz}, start, err) }()

	if _, err = d.requireRapid(); err != nil {
		return err
	}
	return d.setFrequency(ctx, hz)
}

func (d *Device) setFrequency(ctx context.Context, hz float64) error {
	d.invalidateSequence()
	disp, err := d.dispatcher()
	if err != nil {
		return err
	}
	tenths, err := magstim.Tenths(hz)
	if err != nil {
		return err
	}

	p, err := d.rapidParams(ctx)
	if err != nil {
		return err
	}
	maxFreq, err := d.maxFrequency(p.RapidParam.Power)
	if err != nil {
		return err
	}
	if hz < 0 || hz > maxFreq {
		return magstim.NewError(magstim.KindParameterRange, "", nil)
	}

	if _, err := disp.Execute(ctx, magstim.SetFrequency(tenths)); err != nil {
		return err
	}

	// 联动：脉冲数 = 持续时间 × 频率
	p, err = d.rapidParams(ctx)
	if err != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", err)
	}
	pulses := int(math.Round(p.RapidParam.Duration * p.RapidParam.Frequency))
	if _, err := disp.Execute(ctx, magstim.SetNPulses(pulses, disp.Version())); err != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", err)
	}
	return nil
}

// maxNPulses 脉冲数上限，与版本无关；版本只决定字段宽度
const maxNPulses = 6000

// durationLimit 持续时间上限（0.1 s）：v9 及以上 9999，否则 999
func durationLimit(v magstim.Version) int {
	if v.Major >= 9 {
		return 9999
	}
	return 999
}

// SetNPulses 设置脉冲数，随后按 脉冲数÷频率 更新持续时间
func (d *Device) SetNPulses(ctx context.Context, n int) (err error) {
	start := d.now()
	defer func() { d.record("set_npulses", map[string]any{"nPulses": n}, start, err) }()

	disp, err := d.requireRapid()
	if err != nil {
		return err
	}
	d.invalidateSequence()
	v := disp.Version()
	if n < 0 || n > maxNPulses {
		return magstim.NewError(magstim.KindParameterRange, "", nil)
	}
	if _, err = disp.Execute(ctx, magstim.SetNPulses(n, v)); err != nil {
		return err
	}

	p, perr := d.rapidParams(ctx)
	if perr != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", perr)
	}
	if p.RapidParam.Frequency <= 0 {
		return magstim.NewError(magstim.KindParameterUpdate, "", errors.New("frequency is zero, duration cannot be derived"))
	}
	tenths := int(math.Round(p.RapidParam.NPulses / p.RapidParam.Frequency * 10))
	if tenths > durationLimit(v) {
		return magstim.NewError(magstim.KindParameterUpdate, "", errors.New("derived duration exceeds field width"))
	}
	if _, uerr := disp.Execute(ctx, magstim.SetDuration(tenths, v)); uerr != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", uerr)
	}
	return nil
}

// SetDuration 设置持续时间（秒，最多一位小数），随后按 持续时间×频率 更新脉冲数
func (d *Device) SetDuration(ctx context.Context, seconds float64) (err error) {
	start := d.now()
	defer func() { d.record("set_duration", map[string]any{"duration": seconds}, start, err) }()

	disp, err := d.requireRapid()
	if err != nil {
		return err
	}
	d.invalidateSequence()
	tenths, err := magstim.Tenths(seconds)
	if err != nil {
		return err
	}
	v := disp.Version()
	if tenths < 0 || tenths > durationLimit(v) {
		return magstim.NewError(magstim.KindParameterRange, "", nil)
	}
	if _, err = disp.Execute(ctx, magstim.SetDuration(tenths, v)); err != nil {
		return err
	}

	p, perr := d.rapidParams(ctx)
	if perr != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", perr)
	}
	pulses := int(math.Round(p.RapidParam.Duration * p.RapidParam.Frequency))
	if pulses > maxNPulses {
		return magstim.NewError(magstim.KindParameterUpdate, "", errors.New("derived pulse count exceeds limit"))
	}
	if _, uerr := disp.Execute(ctx, magstim.SetNPulses(pulses, v)); uerr != nil {
		return magstim.NewError(magstim.KindParameterUpdate, "", uerr)
	}
	return nil
}

// ValidateSequence 以当前功率与频率计算最长连续刺激时间，校验当前持续时间（上限按 60 s 计）
func (d *Device) ValidateSequence(ctx context.Context) (err error) {
	start := d.now()
	defer func() { d.record("validate_sequence", nil, start, err) }()

	if _, err = d.requireRapid(); err != nil {
		return err
	}
	gen := d.sequenceGeneration()
	p, err := d.rapidParams(ctx)
	if err != nil {
		return err
	}
	rp := p.RapidParam
	power := int(math.Round(rp.Power))
	maxOn, err := d.info.MaxOnTime(power, rp.Frequency)
	if err != nil {
		return err
	}
	if math.Min(rp.Duration, maxValidatedOnTime) > maxOn {
		d.invalidateSequence()
		return magstim.NewError(magstim.KindMaxOnTime, "", nil)
	}
	minWait, err := d.info.MinWaitTime(power, int(math.Round(rp.NPulses)), rp.Frequency)
	if err != nil {
		return err
	}

	if !d.commitValidation(gen, time.Duration((rp.Duration+minWait)*float64(time.Second))) {
		return magstim.NewError(magstim.KindSequenceValidation, "",
			errors.New("parameters changed while the sequence was being validated"))
	}
	return nil
}

// SetChargeDelay 设置充电延迟（ms），需要软件版本 >= 9
func (d *Device) SetChargeDelay(ctx context.Context, ms int) (err error) {
	start := d.now()
	defer func() { d.record("set_charge_delay", map[string]any{"delay": ms}, start, err) }()

	disp, v, err := d.requireSystemStatusVersion()
	if err != nil {
		return err
	}
	if ms < 0 {
		return magstim.NewError(magstim.KindParameterRange, "", nil)
	}
	d.invalidateSequence()
	_, err = disp.Execute(ctx, magstim.SetChargeDelay(ms, v))
	return err
}

// GetChargeDelay 读取充电延迟
func (d *Device) GetChargeDelay(ctx context.Context) (*magstim.Parameters, error) {
	disp, v, err := d.requireSystemStatusVersion()
	if err != nil {
		return nil, err
	}
	return disp.Execute(ctx, magstim.GetChargeDelay(v))
}

// GetSystemStatus 读取扩展系统状态
func (d *Device) GetSystemStatus(ctx context.Context) (*magstim.Parameters, error) {
	disp, _, err := d.requireSystemStatusVersion()
	if err != nil {
		return nil, err
	}
	return disp.Execute(ctx, magstim.CmdGetSystemStatus)
}

// MinWaitTime 两串刺激的最小间隔（秒）
func (d *Device) MinWaitTime(power, nPulses int, hz float64) (float64, error) {
	if d.rapid == nil {
		return 0, magstim.NewError(magstim.KindNotSupported, "", nil)
	}
	return d.info.MinWaitTime(power, nPulses, hz)
}

// MaxOnTime 最长连续刺激时间（秒）
func (d *Device) MaxOnTime(power int, hz float64) (float64, error) {
	if d.rapid == nil {
		return 0, magstim.NewError(magstim.KindNotSupported, "", nil)
	}
	return d.info.MaxOnTime(power, hz)
}

// MaxContinuousFrequency 可持续运行的最大频率（Hz）
func (d *Device) MaxContinuousFrequency(power int) (float64, error) {
	if d.rapid == nil {
		return 0, magstim.NewError(magstim.KindNotSupported, "", nil)
	}
	return d.info.MaxContinuousFrequency(power)
}

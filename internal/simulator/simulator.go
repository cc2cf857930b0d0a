package simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

// Model 模拟的设备型号
type Model string

const (
	ModelMagstim Model = "magstim"
	ModelBistim  Model = "bistim"
	ModelRapid   Model = "rapid"
)

// Config 模拟器配置
type Config struct {
	Model        Model
	Version      magstim.Version // 仅 Rapid 回应 ND
	UnlockCode   string          // 非空时仅接受 "Q"+code 取得控制
	ReplyLatency time.Duration   // 每次写入后的处理延迟
}

// DefaultConfig 默认 Rapid v9 模拟器
func DefaultConfig(model Model) Config {
	if model == "" {
		model = ModelRapid
	}
	return Config{Model: model, Version: magstim.Version{Major: 9, Minor: 0, Patch: 0}}
}

// Device 说 Magstim 串口协议的虚拟设备，实现 serialport.Port
type Device struct {
	cfg Config

	mu      sync.Mutex
	pending []byte
	closed  bool
	rts     bool
	faults  *Injector

	remote      bool
	armed       bool
	power       int
	powerB      int
	ppOffset    int
	frequency   int // 0.1 Hz
	nPulses     int
	duration    int // 0.1 s
	wait        int // 0.1 s
	enhanced    bool
	singlePulse bool
	chargeDelay int
	coil1Temp   int // 0.1 ℃
	coil2Temp   int
	errorCode   int

	fires      int
	quickFires int
	received   []string
}

// New 创建模拟设备
func New(cfg Config) *Device {
	if cfg.Model == "" {
		cfg.Model = ModelRapid
	}
	if cfg.Model == ModelRapid && !cfg.Version.Known() {
		cfg.Version = magstim.Version{Major: 9}
	}
	return &Device{
		cfg:       cfg,
		faults:    NewInjector(),
		power:     30,
		frequency: 10,
		nPulses:   1,
		duration:  0,
		wait:      10,
		coil1Temp: 215,
		coil2Temp: 198,
	}
}

// Faults 故障注入器
func (d *Device) Faults() *Injector { return d.faults }

// Write 接收一帧并准备回执
func (d *Device) Write(frame []byte) (int, error) {
	if d.cfg.ReplyLatency > 0 {
		time.Sleep(d.cfg.ReplyLatency)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("simulator: port closed")
	}
	if len(frame) < 2 {
		d.pending = []byte{'?'}
		return len(frame), nil
	}
	code := string(frame[:len(frame)-1])
	d.received = append(d.received, code)

	if err := magstim.VerifyFrame(frame); err != nil {
		d.pending = []byte{'?'}
		return len(frame), nil
	}

	reply := d.handle(code)
	d.pending = d.faults.apply(code, reply)
	return len(frame), nil
}

// Read 每次返回一个字节；无数据时模拟读超时返回 (0, nil)
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("simulator: port closed")
	}
	if len(d.pending) == 0 || len(p) == 0 {
		return 0, nil
	}
	p[0] = d.pending[0]
	d.pending = d.pending[1:]
	return 1, nil
}

// SetRTS RTS 上升沿在布防状态下触发一次刺激
func (d *Device) SetRTS(v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v && !d.rts && d.armed {
		d.quickFires++
	}
	d.rts = v
	return nil
}

// ResetInputBuffer 丢弃未读数据
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	return nil
}

// Close 关闭端口
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Snapshot 当前模拟状态（测试用）
type Snapshot struct {
	Remote      bool
	Armed       bool
	RTS         bool
	Power       int
	Frequency   int
	NPulses     int
	Duration    int
	Enhanced    bool
	ChargeDelay int
	Fires       int
	QuickFires  int
	Received    []string
	Closed      bool
}

// Snapshot 返回状态副本
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Remote:      d.remote,
		Armed:       d.armed,
		RTS:         d.rts,
		Power:       d.power,
		Frequency:   d.frequency,
		NPulses:     d.nPulses,
		Duration:    d.duration,
		Enhanced:    d.enhanced,
		ChargeDelay: d.chargeDelay,
		Fires:       d.fires,
		QuickFires:  d.quickFires,
		Received:    append([]string(nil), d.received...),
		Closed:      d.closed,
	}
}

// SetRapidParams 直接设置 Rapid 参数（测试用）
func (d *Device) SetRapidParams(power, frequencyTenths, nPulses, durationTenths int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power = power
	d.frequency = frequencyTenths
	d.nPulses = nPulses
	d.duration = durationTenths
}

func (d *Device) isRapid() bool { return d.cfg.Model == ModelRapid }

func (d *Device) v9() bool { return d.cfg.Version.Major >= 9 }

func (d *Device) instrByte() byte {
	var b byte
	if !d.armed {
		b |= 1 << 0
	}
	if d.armed {
		b |= 1<<1 | 1<<2
	}
	b |= 1 << 3
	if d.errorCode != 0 {
		b |= 1 << 5
	}
	if d.remote {
		b |= 1 << 7
	}
	return b
}

func (d *Device) rapidByte() byte {
	var b byte
	if d.enhanced {
		b |= 1 << 0
	}
	if d.duration > 0 {
		b |= 1 << 1
	}
	if d.singlePulse {
		b |= 1 << 3
	}
	b |= 1 << 4
	if d.armed {
		b |= 1 << 5
	}
	return b
}

func reply(echo byte, body ...byte) []byte {
	out := append([]byte{echo}, body...)
	return append(out, magstim.CalculateCRC(out))
}

func (d *Device) powerLimit() int {
	if d.isRapid() && d.enhanced {
		return 110
	}
	return 100
}

// handle 按命令更新状态并生成回执
func (d *Device) handle(code string) []byte {
	op := code[0]
	arg := code[1:]

	// 未取得远程控制时只响应查询类命令
	if !d.remote && !strings.ContainsRune(`QRJFNI\x`, rune(op)) && code != "EA" {
		return reply(op, 'S')
	}

	switch op {
	case 'Q':
		if d.cfg.UnlockCode != "" && arg != d.cfg.UnlockCode {
			return reply(op, '?')
		}
		d.remote = true
		return reply(op, d.instrByte())
	case 'R':
		d.remote = false
		d.armed = false
		return reply(op, d.instrByte())
	case 'J':
		if d.cfg.Model == ModelBistim {
			return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%03d%03d%03d", d.power, d.powerB, d.ppOffset)...)...)
		}
		return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%03d000000", d.power)...)...)
	case '\\':
		if !d.isRapid() {
			return []byte{'?'}
		}
		return reply(op, append([]byte{d.instrByte(), d.rapidByte()}, d.rapidDigits()...)...)
	case '@', 'A':
		n, err := strconv.Atoi(arg)
		if err != nil || len(arg) != 3 || n < 0 || n > d.powerLimit() {
			return reply(op, '?')
		}
		if op == 'A' {
			d.powerB = n
		} else {
			d.power = n
		}
		return reply(op, d.instrByte())
	case 'F':
		return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%03d%03d", d.coil1Temp, d.coil2Temp)...)...)
	case 'E':
		switch arg {
		case "B":
			d.armed = true
		case "A":
			d.armed = false
		case "H":
			if !d.armed {
				return reply(op, 'S')
			}
			d.fires++
		default:
			return []byte{'?'}
		}
		return reply(op, d.instrByte())
	case 'N':
		if !d.isRapid() {
			return []byte{'?'}
		}
		body := append([]byte{d.instrByte()}, d.cfg.Version.String()...)
		return reply(op, append(body, 0)...)
	case 'I':
		return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%03d", d.errorCode)...)...)
	case 'b':
		return reply(op, d.instrByte())
	}

	if !d.isRapid() {
		return []byte{'?'}
	}
	return d.handleRapid(op, arg)
}

func (d *Device) handleRapid(op byte, arg string) []byte {
	instrRapid := func() []byte { return reply(op, d.instrByte(), d.rapidByte()) }
	num := func(width int) (int, bool) {
		if len(arg) != width {
			return 0, false
		}
		n, err := strconv.Atoi(arg)
		return n, err == nil && n >= 0
	}

	switch op {
	case '^':
		d.enhanced = true
		return instrRapid()
	case '_':
		d.enhanced = false
		if d.power > 100 {
			d.power = 100
		}
		return instrRapid()
	case 'B':
		n, ok := num(4)
		if !ok || n > 1000 {
			return reply(op, '?')
		}
		d.frequency = n
		return instrRapid()
	case 'D':
		width := 4
		if d.v9() {
			width = 5
		}
		n, ok := num(width)
		if !ok || n > 6000 {
			return reply(op, '?')
		}
		d.nPulses = n
		return instrRapid()
	case '[':
		width, limit := 3, 999
		if d.v9() {
			width, limit = 4, 9999
		}
		n, ok := num(width)
		if !ok || n > limit {
			return reply(op, '?')
		}
		d.duration = n
		return instrRapid()
	case 'n':
		if !d.v9() {
			return []byte{'?'}
		}
		width := 4
		if d.cfg.Version.Major >= 10 {
			width = 5
		}
		n, ok := num(width)
		if !ok {
			return reply(op, '?')
		}
		d.chargeDelay = n
		if width == 5 {
			return reply(op, d.instrByte(), d.rapidByte(), d.extByte(), '0')
		}
		return instrRapid()
	case 'o':
		if !d.v9() {
			return []byte{'?'}
		}
		if d.cfg.Version.Major > 9 {
			return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%05d", d.chargeDelay)...)...)
		}
		return reply(op, append([]byte{d.instrByte()}, fmt.Sprintf("%04d", d.chargeDelay)...)...)
	case 'x':
		if !d.v9() {
			return []byte{'?'}
		}
		return reply(op, d.instrByte(), d.rapidByte(), d.extByte(), '0')
	}
	return []byte{'?'}
}

func (d *Device) extByte() byte {
	if d.chargeDelay > 0 {
		return 1 << 2
	}
	return 0
}

func (d *Device) rapidDigits() string {
	if d.v9() {
		return fmt.Sprintf("%03d%04d%05d%04d%04d", d.power, d.frequency, d.nPulses, d.duration, d.wait)
	}
	if d.cfg.Version.Major >= 7 {
		return fmt.Sprintf("%03d%04d%04d%03d%04d", d.power, d.frequency, d.nPulses, d.duration, d.wait)
	}
	return fmt.Sprintf("%03d%04d%04d%03d%03d", d.power, d.frequency, d.nPulses, d.duration, d.wait)
}

package magstim

import (
	"fmt"
	"strconv"
	"strings"
)

// ReplyKind 回执解析类型
type ReplyKind string

const (
	ReplyInstr        ReplyKind = "instr"        // 回显 + 状态 + CRC
	ReplyInstrRapid   ReplyKind = "instrRapid"   // 回显 + 状态 + rapid状态 + CRC
	ReplyRapidParam   ReplyKind = "rapidParam"   // 两个状态字节 + 参数数字串
	ReplyMagstimParam ReplyKind = "magstimParam" // 状态 + power
	ReplyBistimParam  ReplyKind = "bistimParam"  // 状态 + powerA/powerB/ppOffset
	ReplyMagstimTemp  ReplyKind = "magstimTemp"  // 状态 + 两个线圈温度
	ReplySystemRapid  ReplyKind = "systemRapid"  // 两个状态字节 + 扩展状态
	ReplyError        ReplyKind = "error"        // 状态 + 当前错误码
	ReplyInstrCharge  ReplyKind = "instrCharge"  // 状态 + 充电延迟
	ReplyVersion      ReplyKind = "version"      // 变长，以 0x00 结束
)

// HasRapidStatus 回执是否包含第二个（rapid）状态字节
func (k ReplyKind) HasRapidStatus() bool {
	return k == ReplyInstrRapid || k == ReplyRapidParam || k == ReplySystemRapid
}

// InstrStatus 第一个状态字节
type InstrStatus struct {
	Standby      bool `json:"standby"`
	Armed        bool `json:"armed"`
	Ready        bool `json:"ready"`
	CoilPresent  bool `json:"coilPresent"`
	ReplaceCoil  bool `json:"replaceCoil"`
	ErrorPresent bool `json:"errorPresent"`
	ErrorType    bool `json:"errorType"`
	RemoteStatus bool `json:"remoteStatus"`
}

// RapidStatus 第二个状态字节（仅 Rapid 系列）
type RapidStatus struct {
	EnhancedPowerMode     bool `json:"enhancedPowerMode"`
	Train                 bool `json:"train"`
	Wait                  bool `json:"wait"`
	SinglePulseMode       bool `json:"singlePulseMode"`
	HVPSUConnected        bool `json:"hvpsuConnected"`
	CoilReady             bool `json:"coilReady"`
	ThetaPSUDetected      bool `json:"thetaPSUDetected"`
	ModifiedCoilAlgorithm bool `json:"modifiedCoilAlgorithm"`
}

// ExtInstrStatus 系统状态扩展字节
type ExtInstrStatus struct {
	Plus1ModuleDetected      bool `json:"plus1ModuleDetected"`
	SpecialTriggerModeActive bool `json:"specialTriggerModeActive"`
	ChargeDelaySet           bool `json:"chargeDelaySet"`
}

// RapidParam Rapid 参数
type RapidParam struct {
	Power     float64 `json:"power"`
	Frequency float64 `json:"frequency"` // Hz
	NPulses   float64 `json:"nPulses"`
	Duration  float64 `json:"duration"` // s
	Wait      float64 `json:"wait"`     // s
}

// MagstimParam 单脉冲机型参数
type MagstimParam struct {
	Power float64 `json:"power"`
}

// BistimParam BiStim 参数
type BistimParam struct {
	PowerA   float64 `json:"powerA"`
	PowerB   float64 `json:"powerB"`
	PPOffset float64 `json:"ppOffset"`
}

// MagstimTemp 线圈温度（摄氏度）
type MagstimTemp struct {
	Coil1Temp float64 `json:"coil1Temp"`
	Coil2Temp float64 `json:"coil2Temp"`
}

// Parameters 一次回执解析出的全部字段，按类别分组；未出现的类别为 nil
type Parameters struct {
	Instr        *InstrStatus    `json:"instr,omitempty"`
	Rapid        *RapidStatus    `json:"rapid,omitempty"`
	ExtInstr     *ExtInstrStatus `json:"extInstr,omitempty"`
	RapidParam   *RapidParam     `json:"rapidParam,omitempty"`
	MagstimParam *MagstimParam   `json:"magstimParam,omitempty"`
	BistimParam  *BistimParam    `json:"bistimParam,omitempty"`
	MagstimTemp  *MagstimTemp    `json:"magstimTemp,omitempty"`
	ErrorCode    *int            `json:"currentErrorCode,omitempty"`
	ChargeDelay  *int            `json:"chargeDelay,omitempty"`
}

func bit(b byte, n uint) bool { return (b>>n)&1 == 1 }

// DecodeInstrStatus 解析第一个状态字节
func DecodeInstrStatus(b byte) InstrStatus {
	return InstrStatus{
		Standby:      bit(b, 0),
		Armed:        bit(b, 1),
		Ready:        bit(b, 2),
		CoilPresent:  bit(b, 3),
		ReplaceCoil:  bit(b, 4),
		ErrorPresent: bit(b, 5),
		ErrorType:    bit(b, 6),
		RemoteStatus: bit(b, 7),
	}
}

// DecodeRapidStatus 解析第二个状态字节
func DecodeRapidStatus(b byte) RapidStatus {
	return RapidStatus{
		EnhancedPowerMode:     bit(b, 0),
		Train:                 bit(b, 1),
		Wait:                  bit(b, 2),
		SinglePulseMode:       bit(b, 3),
		HVPSUConnected:        bit(b, 4),
		CoilReady:             bit(b, 5),
		ThetaPSUDetected:      bit(b, 6),
		ModifiedCoilAlgorithm: bit(b, 7),
	}
}

// Decode 解析回执载荷
// payload 为去掉回显字节与 CRC 字节之后的内容；version 决定 rapidParam 的字段宽度
func Decode(kind ReplyKind, payload []byte, version Version) (*Parameters, error) {
	if kind == ReplyVersion {
		return &Parameters{}, nil
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("decode %s: empty payload", kind)
	}
	p := &Parameters{}
	instr := DecodeInstrStatus(payload[0])
	p.Instr = &instr
	rest := payload[1:]

	if kind.HasRapidStatus() {
		if len(rest) < 1 {
			return nil, fmt.Errorf("decode %s: missing rapid status byte", kind)
		}
		rapid := DecodeRapidStatus(rest[0])
		p.Rapid = &rapid
		rest = rest[1:]
	}

	var err error
	switch kind {
	case ReplyMagstimParam:
		var mp MagstimParam
		if mp.Power, err = digits(rest, 0, 3); err != nil {
			return nil, err
		}
		p.MagstimParam = &mp
	case ReplyBistimParam:
		var bp BistimParam
		if bp.PowerA, err = digits(rest, 0, 3); err != nil {
			return nil, err
		}
		if bp.PowerB, err = digits(rest, 3, 3); err != nil {
			return nil, err
		}
		if bp.PPOffset, err = digits(rest, 6, 3); err != nil {
			return nil, err
		}
		p.BistimParam = &bp
	case ReplyRapidParam:
		rp, err := decodeRapidParam(rest, version)
		if err != nil {
			return nil, err
		}
		p.RapidParam = rp
	case ReplyMagstimTemp:
		var t MagstimTemp
		if t.Coil1Temp, err = digits(rest, 0, 3); err != nil {
			return nil, err
		}
		if t.Coil2Temp, err = digits(rest, 3, 3); err != nil {
			return nil, err
		}
		t.Coil1Temp /= 10
		t.Coil2Temp /= 10
		p.MagstimTemp = &t
	case ReplySystemRapid:
		if len(rest) > 0 {
			p.ExtInstr = &ExtInstrStatus{
				Plus1ModuleDetected:      bit(rest[0], 0),
				SpecialTriggerModeActive: bit(rest[0], 1),
				ChargeDelaySet:           bit(rest[0], 2),
			}
		}
	case ReplyError:
		code, err := atoi(rest)
		if err != nil {
			return nil, err
		}
		p.ErrorCode = &code
	case ReplyInstrCharge:
		delay, err := atoi(rest)
		if err != nil {
			return nil, err
		}
		p.ChargeDelay = &delay
	}
	return p, nil
}

// decodeRapidParam 软件版本 >= 9 为20位布局，否则为旧布局（nPulses 4位，duration 3位）
func decodeRapidParam(b []byte, version Version) (*RapidParam, error) {
	var (
		rp                 RapidParam
		err                error
		pulsesW, durationW int
	)
	if version.Major >= 9 {
		pulsesW, durationW = 5, 4
		if len(b) != 20 {
			return nil, fmt.Errorf("decode rapidParam: expected 20 digits, got %d", len(b))
		}
	} else {
		pulsesW, durationW = 4, 3
		if len(b) < 15 {
			return nil, fmt.Errorf("decode rapidParam: expected at least 15 digits, got %d", len(b))
		}
	}
	off := 0
	if rp.Power, err = digits(b, off, 3); err != nil {
		return nil, err
	}
	off += 3
	if rp.Frequency, err = digits(b, off, 4); err != nil {
		return nil, err
	}
	off += 4
	if rp.NPulses, err = digits(b, off, pulsesW); err != nil {
		return nil, err
	}
	off += pulsesW
	if rp.Duration, err = digits(b, off, durationW); err != nil {
		return nil, err
	}
	off += durationW
	if rp.Wait, err = digits(b, off, len(b)-off); err != nil {
		return nil, err
	}
	rp.Frequency /= 10
	rp.Duration /= 10
	rp.Wait /= 10
	return &rp, nil
}

func digits(b []byte, off, n int) (float64, error) {
	if off+n > len(b) || n <= 0 {
		return 0, fmt.Errorf("decode: field [%d:%d] out of payload length %d", off, off+n, len(b))
	}
	v, err := strconv.Atoi(string(b[off : off+n]))
	if err != nil {
		return 0, fmt.Errorf("decode: field %q: %w", b[off:off+n], err)
	}
	return float64(v), nil
}

func atoi(b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("decode: empty numeric field")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("decode: field %q: %w", s, err)
	}
	return v, nil
}

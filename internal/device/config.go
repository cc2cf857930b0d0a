package device

import (
	"fmt"
	"time"

	"github.com/taoyao-code/magstim-server/internal/serialport"
)

// Kind 设备型号
type Kind string

const (
	KindMagstim Kind = "magstim" // 200² 单脉冲
	KindBistim  Kind = "bistim"
	KindRapid   Kind = "rapid"
)

// ParseKind 解析型号名称
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMagstim, KindBistim, KindRapid:
		return Kind(s), nil
	case "":
		return KindRapid, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Config 设备构造参数，构造后只读
type Config struct {
	Port                string
	Kind                Kind
	UnlockCode          string
	Voltage             int // 240 | 115
	SuperRapid          int // 0 标准，1 Super，2 Super+
	EnforceEnergySafety bool
	ReadTimeout         time.Duration
	FastPoke            time.Duration
	SlowPoke            time.Duration
	ArmDelay            time.Duration // 布防后硬件稳定时间
	PowerStepUp         time.Duration // 功率每升 1 的等待
	PowerStepDown       time.Duration // 功率每降 1 的等待
}

// DefaultConfig 默认设备参数
func DefaultConfig() Config {
	return Config{
		Kind:                KindRapid,
		Voltage:             240,
		EnforceEnergySafety: true,
		ReadTimeout:         serialport.DefaultReadTimeout,
		FastPoke:            500 * time.Millisecond,
		SlowPoke:            5 * time.Second,
		ArmDelay:            1100 * time.Millisecond,
		PowerStepUp:         10 * time.Millisecond,
		PowerStepDown:       100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Voltage == 0 {
		c.Voltage = d.Voltage
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.FastPoke <= 0 {
		c.FastPoke = d.FastPoke
	}
	if c.SlowPoke <= 0 {
		c.SlowPoke = d.SlowPoke
	}
	if c.ArmDelay < 0 {
		c.ArmDelay = 0
	}
	if c.PowerStepUp < 0 {
		c.PowerStepUp = 0
	}
	if c.PowerStepDown < 0 {
		c.PowerStepDown = 0
	}
	return c
}

// unlockCode 解锁码仅对 Rapid 生效
func (c Config) unlockCode() string {
	if c.Kind != KindRapid {
		return ""
	}
	return c.UnlockCode
}

// Opener 按地址打开串口（物理串口或模拟器）
type Opener func(address string) (serialport.Port, error)

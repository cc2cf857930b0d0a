package magstim

import (
	"errors"
	"fmt"
)

// Kind 错误类型（与设备原有数字错误码一一对应）
type Kind int

const (
	KindTransportIO          Kind = 1  // 串口读写失败或超时
	KindInvalidCommand       Kind = 3  // 设备不认识该命令
	KindInvalidData          Kind = 4  // 数据值不被接受
	KindCommandConflict      Kind = 5  // 命令与当前设置冲突
	KindInvalidConfirmation  Kind = 6  // 回执首字节与命令不符
	KindChecksumMismatch     Kind = 7  // 校验失败
	KindNoRemoteControl      Kind = 8  // 未取得远程控制
	KindParameterAcquisition Kind = 9  // 无法读取当前参数
	KindParameterUpdate      Kind = 10 // 主参数已改，联动参数更新失败
	KindParameterFloat       Kind = 11 // 该参数不允许小数
	KindParameterPrecision   Kind = 12 // 小数位超出字段精度
	KindParameterRange       Kind = 13 // 参数超出范围
	KindGetSystemStatus      Kind = 14 // 软件版本未知
	KindVersionUnsupported   Kind = 15 // 软件版本不支持该命令
	KindSequenceValidation   Kind = 16 // rTMS 序列尚未校验
	KindMinWaitTime          Kind = 17 // 两串刺激间隔不足
	KindMaxOnTime            Kind = 18 // 超出最大持续刺激时间
	KindNotSupported         Kind = 19 // 设备类型不支持该操作
)

var kindNames = map[Kind]string{
	KindTransportIO:          "TransportIoError",
	KindInvalidCommand:       "InvalidCommand",
	KindInvalidData:          "InvalidData",
	KindCommandConflict:      "CommandConflict",
	KindInvalidConfirmation:  "InvalidConfirmation",
	KindChecksumMismatch:     "ChecksumMismatch",
	KindNoRemoteControl:      "NoRemoteControl",
	KindParameterAcquisition: "ParameterAcquisitionError",
	KindParameterUpdate:      "ParameterUpdateError",
	KindParameterFloat:       "ParameterFloatError",
	KindParameterPrecision:   "ParameterPrecisionError",
	KindParameterRange:       "ParameterRangeError",
	KindGetSystemStatus:      "GetSystemStatusError",
	KindVersionUnsupported:   "VersionUnsupportedError",
	KindSequenceValidation:   "SequenceValidationError",
	KindMinWaitTime:          "MinWaitTimeViolation",
	KindMaxOnTime:            "MaxOnTimeExceeded",
	KindNotSupported:         "NotSupported",
}

var kindMessages = map[Kind]string{
	KindTransportIO:          "serial transport failure",
	KindInvalidCommand:       "invalid command sent",
	KindInvalidData:          "invalid data provided",
	KindCommandConflict:      "command conflicts with current system configuration",
	KindInvalidConfirmation:  "unexpected command confirmation received",
	KindChecksumMismatch:     "message contents and CRC value do not match",
	KindNoRemoteControl:      "remote control of the stimulator is not established",
	KindParameterAcquisition: "could not obtain prior parameter settings",
	KindParameterUpdate:      "could not update secondary parameter to accommodate primary parameter change",
	KindParameterFloat:       "a float value is not allowed for this parameter",
	KindParameterPrecision:   "too many decimal places for this parameter",
	KindParameterRange:       "parameter value is outside the allowed range",
	KindGetSystemStatus:      "software version has not been established",
	KindVersionUnsupported:   "command is not compatible with the software version",
	KindSequenceValidation:   "sequence must be validated before running an rTMS train",
	KindMinWaitTime:          "minimum wait time between trains violated",
	KindMaxOnTime:            "maximum on time exceeded for current train",
	KindNotSupported:         "operation not supported by this device kind",
}

// String 返回错误类型名称
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code 返回原有数字错误码
func (k Kind) Code() int { return int(k) }

// Error 协议/设备错误
type Error struct {
	Kind    Kind
	Command string // 出错命令（不含校验字节），可空
	Err     error  // 底层原因，可空
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Command != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Command)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按错误类型匹配，使 errors.Is(err, ErrParameterRange) 可用
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError 创建协议错误
func NewError(kind Kind, command string, cause error) *Error {
	return &Error{Kind: kind, Command: command, Err: cause}
}

// KindOf 提取错误类型；非协议错误返回 false
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	ErrTransportIO          = &Error{Kind: KindTransportIO}
	ErrInvalidCommand       = &Error{Kind: KindInvalidCommand}
	ErrInvalidData          = &Error{Kind: KindInvalidData}
	ErrCommandConflict      = &Error{Kind: KindCommandConflict}
	ErrInvalidConfirmation  = &Error{Kind: KindInvalidConfirmation}
	ErrChecksumMismatch     = &Error{Kind: KindChecksumMismatch}
	ErrNoRemoteControl      = &Error{Kind: KindNoRemoteControl}
	ErrParameterAcquisition = &Error{Kind: KindParameterAcquisition}
	ErrParameterUpdate      = &Error{Kind: KindParameterUpdate}
	ErrParameterFloat       = &Error{Kind: KindParameterFloat}
	ErrParameterPrecision   = &Error{Kind: KindParameterPrecision}
	ErrParameterRange       = &Error{Kind: KindParameterRange}
	ErrGetSystemStatus      = &Error{Kind: KindGetSystemStatus}
	ErrVersionUnsupported   = &Error{Kind: KindVersionUnsupported}
	ErrSequenceValidation   = &Error{Kind: KindSequenceValidation}
	ErrMinWaitTime          = &Error{Kind: KindMinWaitTime}
	ErrMaxOnTime            = &Error{Kind: KindMaxOnTime}
	ErrNotSupported         = &Error{Kind: KindNotSupported}
)

package serialport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	// BaudRate 设备固定波特率
	BaudRate = 9600
	// DefaultReadTimeout 单次读等待上限
	DefaultReadTimeout = 300 * time.Millisecond
)

// Port 串口句柄（go.bug.st/serial.Port 的子集，模拟器同样实现）
// Read 在超时后返回 (0, nil)
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetRTS(rts bool) error
	ResetInputBuffer() error
	Close() error
}

// ErrClosed 传输层已关闭
var ErrClosed = errors.New("transport closed")

// ErrTimeout 读等待超时
var ErrTimeout = errors.New("read timeout")

// IOError 串口层错误，Op 为 open | write | read | timeout | closed
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return "serial " + e.Op
	}
	return fmt.Sprintf("serial %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Mode 设备要求的串口参数：9600-8-N-1，无流控，RTS 低
func Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			RTS: false,
			DTR: true,
		},
	}
}

var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// Open 打开物理串口
func Open(name string, readTimeout time.Duration) (Port, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	p, err := openPort(name, Mode())
	if err != nil {
		return nil, &IOError{Op: "open", Err: fmt.Errorf("%s: %w", name, err)}
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, &IOError{Op: "open", Err: err}
	}
	if err := p.SetRTS(false); err != nil {
		_ = p.Close()
		return nil, &IOError{Op: "open", Err: err}
	}
	return p, nil
}

// List 列出本机可用串口
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

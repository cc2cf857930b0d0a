package magstim

import "errors"

var (
	// ErrEmptyFrame 空帧（无命令字节）
	ErrEmptyFrame = errors.New("empty frame")
)

// CalculateCRC 计算 Magstim 协议校验字节
// 算法：所有字节累加，取低8位后按位取反
func CalculateCRC(data []byte) byte {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return byte(^sum & 0xFF)
}

// BuildFrame 为命令字节追加校验字节，返回完整帧
func BuildFrame(command []byte) ([]byte, error) {
	if len(command) == 0 {
		return nil, ErrEmptyFrame
	}
	frame := make([]byte, len(command)+1)
	copy(frame, command)
	frame[len(command)] = CalculateCRC(command)
	return frame, nil
}

// MustBuildFrame 同 BuildFrame，仅用于常量命令
func MustBuildFrame(command string) []byte {
	frame, err := BuildFrame([]byte(command))
	if err != nil {
		panic(err)
	}
	return frame
}

// VerifyFrame 校验帧：最后一个字节为校验字节
func VerifyFrame(frame []byte) error {
	if len(frame) < 2 {
		return ErrEmptyFrame
	}
	pos := len(frame) - 1
	if CalculateCRC(frame[:pos]) != frame[pos] {
		return ErrChecksumMismatch
	}
	return nil
}

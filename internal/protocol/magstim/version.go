package magstim

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Version 设备软件版本（连接后读取一次）
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Known 是否已读取到版本号
func (v Version) Known() bool { return v.Major != 0 || v.Minor != 0 || v.Patch != 0 }

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// ParseVersion 解析版本回执载荷
// 载荷为回显字节之后、CRC 之前的内容；首字节为状态字节，随后是以 0x00 结束的 "9.1.0" 形式字符串
func ParseVersion(payload []byte) (Version, error) {
	if len(payload) < 2 {
		return Version{}, fmt.Errorf("parse version: payload too short (%d bytes)", len(payload))
	}
	s := payload[1:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(strings.TrimSpace(string(s)), ".")
	nums := [3]int{}
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			n = 0
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// RapidParamReplyLen getParameters 回执总长度（含回显与 CRC）
func (v Version) RapidParamReplyLen() int {
	switch {
	case v.Major >= 9:
		return 24
	case v.Major >= 7:
		return 22
	default:
		return 21
	}
}

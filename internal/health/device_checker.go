package health

import (
	"context"
	"time"

	"github.com/taoyao-code/magstim-server/internal/device"
)

// DeviceStatuser 提供设备本地状态快照
type DeviceStatuser interface {
	Status() device.Status
}

// DeviceChecker 串口设备链路检查，只读本地状态，不占用串口
type DeviceChecker struct {
	dev DeviceStatuser
	// requireConnected 为 true 时未连接判为不健康，否则为降级
	requireConnected bool
}

// NewDeviceChecker 创建设备链路检查器
func NewDeviceChecker(dev DeviceStatuser, requireConnected bool) *DeviceChecker {
	return &DeviceChecker{dev: dev, requireConnected: requireConnected}
}

func (c *DeviceChecker) Name() string { return "device" }

func (c *DeviceChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	s := c.dev.Status()
	details := map[string]any{
		"port":      s.Port,
		"kind":      s.Kind,
		"state":     s.State,
		"arm":       s.Arm,
		"keepalive": s.Keepalive,
	}
	if s.Version.Known() {
		details["version"] = s.Version.String()
	}

	res := CheckResult{Status: StatusHealthy, Message: "connected", Details: details}
	switch {
	case s.State == device.Connected.String() && s.Keepalive == "stopped":
		res.Status, res.Message = StatusDegraded, "keepalive stopped"
	case s.State != device.Connected.String() && c.requireConnected:
		res.Status, res.Message = StatusUnhealthy, "device "+s.State
	case s.State != device.Connected.String():
		res.Status, res.Message = StatusDegraded, "device "+s.State
	}
	res.Latency = time.Since(start)
	return res
}

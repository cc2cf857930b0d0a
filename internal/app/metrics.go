package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/magstim-server/internal/metrics"
)

// NewMetrics 初始化注册表与设备指标
func NewMetrics() (*prometheus.Registry, *metrics.DeviceMetrics) {
	reg := metrics.NewRegistry()
	return reg, metrics.NewDeviceMetrics(reg)
}

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// DeviceMetrics 设备与命令指标，实现 device.Observer
type DeviceMetrics struct {
	CommandTotal     *prometheus.CounterVec   // labels: cmd, result
	CommandLatency   *prometheus.HistogramVec // labels: cmd
	PokeTotal        *prometheus.CounterVec   // labels: result
	IOErrorTotal     *prometheus.CounterVec   // labels: op
	ConnectedGauge   prometheus.Gauge
	ArmedGauge       prometheus.Gauge
	FireLimitedTotal prometheus.Counter // 被限流的触发请求
	AuditDropped     prometheus.Counter // 队列满被丢弃的审计事件
}

// NewDeviceMetrics 注册并返回设备指标
func NewDeviceMetrics(reg prometheus.Registerer) *DeviceMetrics {
	m := &DeviceMetrics{
		CommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magstim_command_total",
			Help: "Device commands by code and result kind.",
		}, []string{"cmd", "result"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magstim_command_duration_seconds",
			Help:    "Round-trip latency of device commands.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"cmd"}),
		PokeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magstim_keepalive_poke_total",
			Help: "Keepalive pokes by result.",
		}, []string{"result"}),
		IOErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magstim_transport_io_error_total",
			Help: "Serial transport I/O errors by operation.",
		}, []string{"op"}),
		ConnectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magstim_connected",
			Help: "1 while the device is under remote control.",
		}),
		ArmedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magstim_armed",
			Help: "1 while the device is armed.",
		}),
		FireLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magstim_fire_rate_limited_total",
			Help: "Fire requests rejected by the API rate limiter.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magstim_audit_dropped_total",
			Help: "Audit events dropped because the queue was full.",
		}),
	}
	reg.MustRegister(m.CommandTotal, m.CommandLatency, m.PokeTotal, m.IOErrorTotal,
		m.ConnectedGauge, m.ArmedGauge, m.FireLimitedTotal, m.AuditDropped)
	return m
}

// result 按错误类型给出标签值
func result(err error) string {
	if err == nil {
		return "ok"
	}
	var perr *magstim.Error
	if errors.As(err, &perr) {
		return perr.Kind.String()
	}
	return "error"
}

func gauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (m *DeviceMetrics) CommandDone(cmd string, err error, latency time.Duration) {
	m.CommandTotal.WithLabelValues(cmd, result(err)).Inc()
	m.CommandLatency.WithLabelValues(cmd).Observe(latency.Seconds())
}

func (m *DeviceMetrics) PokeDone(err error) { m.PokeTotal.WithLabelValues(result(err)).Inc() }

func (m *DeviceMetrics) IOError(op string) { m.IOErrorTotal.WithLabelValues(op).Inc() }

func (m *DeviceMetrics) Connected(v bool) { m.ConnectedGauge.Set(gauge(v)) }

func (m *DeviceMetrics) Armed(v bool) { m.ArmedGauge.Set(gauge(v)) }

// FireLimited 记录一次被限流的触发请求
func (m *DeviceMetrics) FireLimited() { m.FireLimitedTotal.Inc() }

// Dropped 记录一次被丢弃的审计事件
func (m *DeviceMetrics) Dropped() { m.AuditDropped.Inc() }

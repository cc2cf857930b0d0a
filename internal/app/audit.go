package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/audit"
	"github.com/taoyao-code/magstim-server/internal/metrics"
)

// NewAuditWriter 创建异步审计写入器；没有任何 Sink 时返回 nil
func NewAuditWriter(sinks map[string]audit.Sink, m *metrics.DeviceMetrics, logger *zap.Logger) *audit.Writer {
	if len(sinks) == 0 {
		logger.Info("no audit sink enabled, stimulation events are only logged")
		return nil
	}
	names := make([]string, 0, len(sinks))
	guarded := make(map[string]audit.Sink, len(sinks))
	for name, sink := range sinks {
		names = append(names, name)
		// 存储故障时跳过写入，不让每批事件都等待写超时
		guarded[name] = audit.NewBreakerSink(sink, 5, 30*time.Second)
	}
	logger.Info("audit writer started", zap.Strings("sinks", names))
	return audit.NewWriter(audit.WriterConfig{}, guarded, logger, audit.WithDropHook(m.Dropped))
}

// logRecorder 把审计事件写入日志
type logRecorder struct{ logger *zap.Logger }

func (r logRecorder) Record(ev audit.Event) {
	fields := []zap.Field{
		zap.String("id", ev.ID.String()),
		zap.String("op", ev.Op),
		zap.Any("args", ev.Args),
		zap.Duration("latency", ev.Latency),
	}
	if !ev.OK() {
		r.logger.Warn("device operation failed", append(fields,
			zap.String("error_kind", ev.ErrorKind), zap.String("error", ev.Error))...)
		return
	}
	r.logger.Info("device operation", fields...)
}

// NewRecorder 日志 + 可选的异步写入器
func NewRecorder(w *audit.Writer, logger *zap.Logger) audit.Recorder {
	rec := audit.Multi{logRecorder{logger: logger.Named("audit")}}
	if w != nil {
		rec = append(rec, w)
	}
	return rec
}

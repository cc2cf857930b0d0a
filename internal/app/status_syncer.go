package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/device"
)

// StatusStore 状态快照存储（Redis）
type StatusStore interface {
	SetStatus(ctx context.Context, port string, status any) error
}

// StatusSource 设备本地状态
type StatusSource interface {
	Status() device.Status
}

// StatusSnapshot 写入缓存的状态快照
type StatusSnapshot struct {
	device.Status
	Server    string    `json:"server"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusSyncer 定期把设备本地状态写入缓存，供其他进程查看
type StatusSyncer struct {
	dev      StatusSource
	store    StatusStore
	serverID string
	logger   *zap.Logger

	interval     time.Duration
	writeTimeout time.Duration

	// 统计
	statsWritten int64
	statsFailed  int64
	now          func() time.Time
}

// NewStatusSyncer 创建状态同步器；interval<=0 时默认 2 秒
func NewStatusSyncer(dev StatusSource, store StatusStore, serverID string, interval time.Duration, logger *zap.Logger) *StatusSyncer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatusSyncer{
		dev:          dev,
		store:        store,
		serverID:     serverID,
		logger:       logger,
		interval:     interval,
		writeTimeout: time.Second,
		now:          time.Now,
	}
}

// Start 运行直到 ctx 取消
func (s *StatusSyncer) Start(ctx context.Context) {
	s.logger.Info("status syncer started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("status syncer stopped",
				zap.Int64("written", s.statsWritten),
				zap.Int64("failed", s.statsFailed))
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *StatusSyncer) syncOnce(ctx context.Context) {
	st := s.dev.Status()
	snap := StatusSnapshot{Status: st, Server: s.serverID, UpdatedAt: s.now()}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.store.SetStatus(wctx, st.Port, snap); err != nil {
		s.statsFailed++
		s.logger.Warn("status snapshot write failed", zap.String("port", st.Port), zap.Error(err))
		return
	}
	s.statsWritten++
}

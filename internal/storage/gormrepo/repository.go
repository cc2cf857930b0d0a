package gormrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taoyao-code/magstim-server/internal/audit"
	"github.com/taoyao-code/magstim-server/internal/storage/models"
)

// Open 基于已有 pgx 连接池创建 *gorm.DB
func Open(pool *pgxpool.Pool) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
}

// Filter 审计事件查询条件；零值字段不参与过滤
type Filter struct {
	Device string
	Op     string
	Since  time.Time
	Until  time.Time
	// FailedOnly 只返回失败的操作
	FailedOnly bool
	Limit      int
	Offset     int
}

// Repository 审计事件只读查询
type Repository struct {
	db *gorm.DB
}

// New 返回使用给定 *gorm.DB 的查询仓库
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// scope 把过滤条件转换为查询
func (f Filter) scope(db *gorm.DB) *gorm.DB {
	if f.Device != "" {
		db = db.Where("device = ?", f.Device)
	}
	if f.Op != "" {
		db = db.Where("op = ?", f.Op)
	}
	if !f.Since.IsZero() {
		db = db.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		db = db.Where("created_at < ?", f.Until)
	}
	if f.FailedOnly {
		db = db.Where("error_kind <> ''")
	}
	return db
}

// ListEvents 按时间倒序分页查询，同时返回总数
func (r *Repository) ListEvents(ctx context.Context, f Filter) ([]audit.Event, int64, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var total int64
	if err := f.scope(r.db.WithContext(ctx).Model(&models.StimEvent{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.StimEvent
	err := f.scope(r.db.WithContext(ctx)).
		Order("created_at DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEvent(row))
	}
	return out, total, nil
}

// CountFires 统计时间窗口内成功的触发次数
func (r *Repository) CountFires(ctx context.Context, device string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.StimEvent{}).
		Where("device = ? AND op IN ? AND error_kind = '' AND created_at >= ?", device, []string{"fire", "quick_fire"}, since).
		Count(&n).Error
	return n, err
}

func toEvent(row models.StimEvent) audit.Event {
	ev := audit.Event{
		ID:        row.ID,
		Device:    row.Device,
		Kind:      row.Kind,
		Op:        row.Op,
		ErrorKind: row.ErrorKind,
		ErrorCode: row.ErrorCode,
		Error:     row.Error,
		Latency:   time.Duration(row.LatencyMS) * time.Millisecond,
		At:        row.CreatedAt,
	}
	if len(row.Args) > 0 {
		_ = json.Unmarshal(row.Args, &ev.Args)
	}
	return ev
}

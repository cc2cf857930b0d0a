package models

import (
	"time"

	"github.com/google/uuid"
)

// 注意：
// - 保持与 db/migrations 对齐
// - 不使用 gorm.Model，显式声明每个字段

// StimEvent 映射 stim_events 表
type StimEvent struct {
	ID     uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Device string    `gorm:"column:device;type:text;not null"`
	Kind   string    `gorm:"column:kind;type:text;not null"`
	Op     string    `gorm:"column:op;type:text;not null"`
	// Args 原始 JSON，可空
	Args      []byte    `gorm:"column:args;type:jsonb"`
	ErrorKind string    `gorm:"column:error_kind;type:text"`
	ErrorCode int       `gorm:"column:error_code"`
	Error     string    `gorm:"column:error;type:text"`
	LatencyMS int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (StimEvent) TableName() string { return "stim_events" }

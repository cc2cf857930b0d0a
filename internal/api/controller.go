// Package api 磁刺激器控制 HTTP 接口（/api/v1）
package api

import (
	"context"

	"github.com/taoyao-code/magstim-server/internal/audit"
	"github.com/taoyao-code/magstim-server/internal/device"
	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/storage/gormrepo"
)

// Controller 接口层所需的设备操作，由 *device.Device 实现
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() device.Status

	Arm(ctx context.Context, delay bool) error
	Disarm(ctx context.Context) error
	Fire(ctx context.Context) error
	QuickFire(ctx context.Context) error
	ResetQuickFire(ctx context.Context) error
	Poke(ctx context.Context, silent bool) error
	IsArmed(ctx context.Context) (bool, error)
	IsReadyToFire(ctx context.Context) (bool, error)
	IsUnderControl(ctx context.Context) (bool, error)

	SetPower(ctx context.Context, power int, delay bool) error
	SetFrequency(ctx context.Context, hz float64) error
	SetNPulses(ctx context.Context, n int) error
	SetDuration(ctx context.Context, seconds float64) error
	RTMSMode(ctx context.Context, enable bool) error
	EnhancedPowerMode(ctx context.Context, enable bool) error
	IsEnhanced(ctx context.Context) (bool, error)
	IgnoreCoilSafetySwitch(ctx context.Context) error
	ValidateSequence(ctx context.Context) error
	SetChargeDelay(ctx context.Context, ms int) error

	GetParameters(ctx context.Context) (*magstim.Parameters, error)
	GetTemperature(ctx context.Context) (*magstim.Parameters, error)
	GetVersion(ctx context.Context) (magstim.Version, error)
	GetErrorCode(ctx context.Context) (*magstim.Parameters, error)
	GetChargeDelay(ctx context.Context) (*magstim.Parameters, error)
	GetSystemStatus(ctx context.Context) (*magstim.Parameters, error)

	MinWaitTime(power, nPulses int, hz float64) (float64, error)
	MaxOnTime(power int, hz float64) (float64, error)
	MaxContinuousFrequency(power int) (float64, error)
}

var _ Controller = (*device.Device)(nil)

// AuditQuery 审计事件分页查询（PostgreSQL）
type AuditQuery interface {
	ListEvents(ctx context.Context, f gormrepo.Filter) ([]audit.Event, int64, error)
}

// RecentEvents 最近事件（Redis 缓存），数据库未启用时使用
type RecentEvents interface {
	RecentEvents(ctx context.Context, port string, n int) ([]audit.Event, error)
}

// PortLister 列出可用串口
type PortLister func() ([]string, error)

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/storage/gormrepo"
)

// DeviceHandler 设备控制接口处理器
type DeviceHandler struct {
	dev    Controller
	query  AuditQuery
	recent RecentEvents
	ports  PortLister
	logger *zap.Logger
}

// NewDeviceHandler 创建处理器；query、recent、ports 可为 nil
func NewDeviceHandler(dev Controller, query AuditQuery, recent RecentEvents, ports PortLister, logger *zap.Logger) *DeviceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceHandler{dev: dev, query: query, recent: recent, ports: ports, logger: logger}
}

type delayRequest struct {
	Delay bool `json:"delay"`
}

type enableRequest struct {
	Enable *bool `json:"enable" binding:"required"`
}

type powerRequest struct {
	Power *float64 `json:"power" binding:"required"`
	Delay bool     `json:"delay"`
}

type frequencyRequest struct {
	Frequency *float64 `json:"frequency" binding:"required"`
}

type pulsesRequest struct {
	NPulses *float64 `json:"nPulses" binding:"required"`
}

type durationRequest struct {
	Duration *float64 `json:"duration" binding:"required"`
}

type chargeDelayRequest struct {
	Delay *float64 `json:"delay" binding:"required"`
}

type pokeRequest struct {
	Silent bool `json:"silent"`
}

// bindOptional 允许空请求体
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

// done 无返回数据的操作，成功时附带最新状态
func (h *DeviceHandler) done(c *gin.Context, op string, err error) {
	if err != nil {
		h.logger.Warn("device operation failed", zap.String("op", op),
			zap.String("request_id", c.GetString("request_id")), zap.Error(err))
		respondError(c, err)
		return
	}
	ok(c, h.dev.Status())
}

func (h *DeviceHandler) params(c *gin.Context, p *magstim.Parameters, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, p)
}

// Connect 打开串口并取得远程控制
// @Summary 连接设备
// @Router /api/v1/connect [post]
func (h *DeviceHandler) Connect(c *gin.Context) {
	h.done(c, "connect", h.dev.Connect(c.Request.Context()))
}

// Disconnect 释放远程控制并关闭串口
// @Summary 断开设备
// @Router /api/v1/disconnect [post]
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	h.done(c, "disconnect", h.dev.Disconnect(c.Request.Context()))
}

// Arm 布防，可选等待硬件稳定
// @Summary 布防
// @Param body body delayRequest false "delay"
// @Router /api/v1/arm [post]
func (h *DeviceHandler) Arm(c *gin.Context) {
	var req delayRequest
	if !bindOptional(c, &req) {
		return
	}
	h.done(c, "arm", h.dev.Arm(c.Request.Context(), req.Delay))
}

func (h *DeviceHandler) Disarm(c *gin.Context) {
	h.done(c, "disarm", h.dev.Disarm(c.Request.Context()))
}

// Fire 经命令通道触发
// @Summary 触发
// @Router /api/v1/fire [post]
func (h *DeviceHandler) Fire(c *gin.Context) {
	h.done(c, "fire", h.dev.Fire(c.Request.Context()))
}

// QuickFire 经 RTS 线触发
func (h *DeviceHandler) QuickFire(c *gin.Context) {
	h.done(c, "quick_fire", h.dev.QuickFire(c.Request.Context()))
}

func (h *DeviceHandler) ResetQuickFire(c *gin.Context) {
	h.done(c, "reset_quick_fire", h.dev.ResetQuickFire(c.Request.Context()))
}

func (h *DeviceHandler) Poke(c *gin.Context) {
	var req pokeRequest
	if !bindOptional(c, &req) {
		return
	}
	h.done(c, "poke", h.dev.Poke(c.Request.Context(), req.Silent))
}

// SetPower 设置功率（整数）
// @Summary 设置功率
// @Param body body powerRequest true "power"
// @Router /api/v1/power [put]
func (h *DeviceHandler) SetPower(c *gin.Context) {
	var req powerRequest
	if !bind(c, &req) {
		return
	}
	power, err := magstim.Integral(*req.Power)
	if err != nil {
		respondError(c, err)
		return
	}
	h.done(c, "set_power", h.dev.SetPower(c.Request.Context(), power, req.Delay))
}

func (h *DeviceHandler) SetFrequency(c *gin.Context) {
	var req frequencyRequest
	if !bind(c, &req) {
		return
	}
	if _, err := magstim.Tenths(*req.Frequency); err != nil {
		respondError(c, err)
		return
	}
	h.done(c, "set_frequency", h.dev.SetFrequency(c.Request.Context(), *req.Frequency))
}

func (h *DeviceHandler) SetNPulses(c *gin.Context) {
	var req pulsesRequest
	if !bind(c, &req) {
		return
	}
	n, err := magstim.Integral(*req.NPulses)
	if err != nil {
		respondError(c, err)
		return
	}
	h.done(c, "set_npulses", h.dev.SetNPulses(c.Request.Context(), n))
}

func (h *DeviceHandler) SetDuration(c *gin.Context) {
	var req durationRequest
	if !bind(c, &req) {
		return
	}
	if _, err := magstim.Tenths(*req.Duration); err != nil {
		respondError(c, err)
		return
	}
	h.done(c, "set_duration", h.dev.SetDuration(c.Request.Context(), *req.Duration))
}

func (h *DeviceHandler) RTMSMode(c *gin.Context) {
	var req enableRequest
	if !bind(c, &req) {
		return
	}
	h.done(c, "rtms_mode", h.dev.RTMSMode(c.Request.Context(), *req.Enable))
}

func (h *DeviceHandler) SetEnhanced(c *gin.Context) {
	var req enableRequest
	if !bind(c, &req) {
		return
	}
	h.done(c, "enhanced_power_mode", h.dev.EnhancedPowerMode(c.Request.Context(), *req.Enable))
}

func (h *DeviceHandler) GetEnhanced(c *gin.Context) {
	on, err := h.dev.IsEnhanced(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"enhanced": on})
}

func (h *DeviceHandler) IgnoreCoilSafetySwitch(c *gin.Context) {
	h.done(c, "ignore_coil_safety_switch", h.dev.IgnoreCoilSafetySwitch(c.Request.Context()))
}

// Validate 校验当前 rTMS 序列，成功后才允许触发
func (h *DeviceHandler) Validate(c *gin.Context) {
	h.done(c, "validate_sequence", h.dev.ValidateSequence(c.Request.Context()))
}

func (h *DeviceHandler) SetChargeDelay(c *gin.Context) {
	var req chargeDelayRequest
	if !bind(c, &req) {
		return
	}
	ms, err := magstim.Integral(*req.Delay)
	if err != nil {
		respondError(c, err)
		return
	}
	h.done(c, "set_charge_delay", h.dev.SetChargeDelay(c.Request.Context(), ms))
}

func (h *DeviceHandler) GetParameters(c *gin.Context) {
	p, err := h.dev.GetParameters(c.Request.Context())
	h.params(c, p, err)
}

func (h *DeviceHandler) GetTemperature(c *gin.Context) {
	p, err := h.dev.GetTemperature(c.Request.Context())
	h.params(c, p, err)
}

func (h *DeviceHandler) GetErrorCode(c *gin.Context) {
	p, err := h.dev.GetErrorCode(c.Request.Context())
	h.params(c, p, err)
}

func (h *DeviceHandler) GetChargeDelay(c *gin.Context) {
	p, err := h.dev.GetChargeDelay(c.Request.Context())
	h.params(c, p, err)
}

func (h *DeviceHandler) GetSystemStatus(c *gin.Context) {
	p, err := h.dev.GetSystemStatus(c.Request.Context())
	h.params(c, p, err)
}

func (h *DeviceHandler) GetVersion(c *gin.Context) {
	v, err := h.dev.GetVersion(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"version": v.String(), "major": v.Major, "minor": v.Minor, "patch": v.Patch})
}

// GetStatus 本地状态；query 参数 live=true 时额外查询设备的布防/就绪/远程状态
func (h *DeviceHandler) GetStatus(c *gin.Context) {
	if c.Query("live") != "true" {
		ok(c, h.dev.Status())
		return
	}
	ctx := c.Request.Context()
	armed, err := h.dev.IsArmed(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	ready, err := h.dev.IsReadyToFire(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	remote, err := h.dev.IsUnderControl(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"status": h.dev.Status(), "armed": armed, "ready": ready, "remote": remote})
}

// Energy 按给定功率、脉冲数、频率计算能量约束
// @Summary 能量约束计算
// @Param power query int true "功率"
// @Param nPulses query int false "脉冲数"
// @Param frequency query number true "频率 Hz"
// @Router /api/v1/energy [get]
func (h *DeviceHandler) Energy(c *gin.Context) {
	power, err := queryInt(c, "power", -1)
	if err != nil {
		respondError(c, err)
		return
	}
	nPulses, err := queryInt(c, "nPulses", 1)
	if err != nil {
		respondError(c, err)
		return
	}
	hz, err := strconv.ParseFloat(c.DefaultQuery("frequency", "0"), 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	if power < 0 {
		badRequest(c, errors.New("power is required"))
		return
	}

	minWait, err := h.dev.MinWaitTime(power, nPulses, hz)
	if err != nil {
		respondError(c, err)
		return
	}
	maxOn, err := h.dev.MaxOnTime(power, hz)
	if err != nil {
		respondError(c, err)
		return
	}
	maxFreq, err := h.dev.MaxContinuousFrequency(power)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"minWaitTime": minWait, "maxContinuousFrequency": maxFreq}
	// 频率为 0 时最长持续时间为无穷，JSON 无法表示
	if hz > 0 {
		resp["maxOnTime"] = maxOn
	}
	ok(c, resp)
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, magstim.NewError(magstim.KindParameterRange, "", err)
	}
	return magstim.Integral(f)
}

// ListAudit 审计事件：数据库启用时分页查询，否则返回 Redis 中的最近事件
func (h *DeviceHandler) ListAudit(c *gin.Context) {
	ctx := c.Request.Context()
	port := h.dev.Status().Port
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	if h.query != nil {
		f := gormrepo.Filter{
			Device:     port,
			Op:         c.Query("op"),
			FailedOnly: c.Query("failed") == "true",
			Limit:      limit,
			Offset:     offset,
		}
		if v := c.Query("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(c, err)
				return
			}
			f.Since = t
		}
		events, total, err := h.query.ListEvents(ctx, f)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{"events": events, "total": total})
		return
	}

	if h.recent != nil {
		events, err := h.recent.RecentEvents(ctx, port, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{"events": events, "total": len(events)})
		return
	}
	fail(c, http.StatusNotImplemented, http.StatusNotImplemented, "NotConfigured", "audit storage is not enabled")
}

// ListPorts 列出本机串口
func (h *DeviceHandler) ListPorts(c *gin.Context) {
	if h.ports == nil {
		ok(c, gin.H{"ports": []string{}})
		return
	}
	ports, err := h.ports()
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"ports": ports})
}

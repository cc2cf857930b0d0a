package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/magstim-server/internal/api/middleware"
	"github.com/taoyao-code/magstim-server/internal/audit"
	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	"github.com/taoyao-code/magstim-server/internal/device"
	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/serialport"
	"github.com/taoyao-code/magstim-server/internal/simulator"
	"github.com/taoyao-code/magstim-server/internal/storage/gormrepo"
)

type fakeQuery struct {
	got    gormrepo.Filter
	events []audit.Event
	err    error
}

func (q *fakeQuery) ListEvents(_ context.Context, f gormrepo.Filter) ([]audit.Event, int64, error) {
	q.got = f
	return q.events, int64(len(q.events)), q.err
}

type fakeRecent struct{ port string }

func (r *fakeRecent) RecentEvents(_ context.Context, port string, n int) ([]audit.Event, error) {
	r.port = port
	return []audit.Event{audit.NewEvent(port, "rapid", "fire", nil, nil, 0)}, nil
}

type testAPI struct {
	engine  *gin.Engine
	dev     *device.Device
	sim     *simulator.Device
	limited int
}

type apiOptions struct {
	kind   device.Kind
	api    cfgpkg.APIConfig
	query  AuditQuery
	recent RecentEvents
}

func newTestAPI(t *testing.T, o apiOptions) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if o.kind == "" {
		o.kind = device.KindRapid
	}
	sim := simulator.New(simulator.DefaultConfig(simulator.Model(o.kind)))
	info, err := device.LoadSystemInfo("../../configs/rapid_system_info.example.yaml")
	require.NoError(t, err)

	cfg := device.DefaultConfig()
	cfg.Kind = o.kind
	cfg.Port = "sim://" + string(o.kind)
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.FastPoke = time.Hour
	cfg.SlowPoke = time.Hour
	cfg.ArmDelay = 0
	cfg.PowerStepUp = 0
	cfg.PowerStepDown = 0
	dev := device.New(cfg, func(string) (serialport.Port, error) { return sim, nil }, device.WithSystemInfo(info))
	t.Cleanup(func() { _ = dev.Disconnect(context.Background()) })

	ta := &testAPI{dev: dev, sim: sim, engine: gin.New()}
	ta.engine.Use(middleware.RequestID())
	ports := func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	h := NewDeviceHandler(dev, o.query, o.recent, ports, nil)
	RegisterRoutes(ta.engine, h, o.api, func() { ta.limited++ }, nil)
	return ta
}

func (ta *testAPI) do(method, path string, body any, header ...string) (int, StandardResponse) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ta.engine.ServeHTTP(w, req)
	var resp StandardResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

func (ta *testAPI) mustOK(t *testing.T, method, path string, body any) StandardResponse {
	t.Helper()
	code, resp := ta.do(method, path, body)
	require.Equal(t, http.StatusOK, code, "%s %s: %+v", method, path, resp)
	return resp
}

func dataMap(t *testing.T, resp StandardResponse) map[string]any {
	t.Helper()
	m, isMap := resp.Data.(map[string]any)
	require.True(t, isMap, "data is %T", resp.Data)
	return m
}

func TestConnectAndParameters(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})

	code, resp := ta.do(http.MethodGet, "/api/v1/parameters", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, magstim.KindNoRemoteControl.String(), resp.Kind)
	assert.Equal(t, magstim.KindNoRemoteControl.Code(), resp.Code)

	resp = ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)
	assert.Equal(t, "connected", dataMap(t, resp)["state"])
	assert.NotEmpty(t, resp.RequestID)

	ta.mustOK(t, http.MethodPut, "/api/v1/power", map[string]any{"power": 50})
	assert.Equal(t, 50, ta.sim.Snapshot().Power)

	resp = ta.mustOK(t, http.MethodGet, "/api/v1/parameters", nil)
	rp := dataMap(t, resp)["rapidParam"].(map[string]any)
	assert.Equal(t, 50.0, rp["power"])

	resp = ta.mustOK(t, http.MethodGet, "/api/v1/version", nil)
	assert.Equal(t, "9.0.0", dataMap(t, resp)["version"])

	resp = ta.mustOK(t, http.MethodGet, "/api/v1/temperature", nil)
	assert.Contains(t, dataMap(t, resp), "magstimTemp")

	resp = ta.mustOK(t, http.MethodGet, "/api/v1/status?live=true", nil)
	assert.Equal(t, true, dataMap(t, resp)["remote"])

	ta.mustOK(t, http.MethodGet, "/api/v1/system-status", nil)
	ta.mustOK(t, http.MethodPut, "/api/v1/charge-delay", map[string]any{"delay": 100})
	assert.Equal(t, 100, ta.sim.Snapshot().ChargeDelay)

	resp = ta.mustOK(t, http.MethodPost, "/api/v1/disconnect", nil)
	assert.Equal(t, "disconnected", dataMap(t, resp)["state"])
}

func TestNumericInputChecks(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   magstim.Kind
	}{
		{"功率带小数", "/api/v1/power", map[string]any{"power": 50.5}, http.StatusBadRequest, magstim.KindParameterFloat},
		{"功率越界", "/api/v1/power", map[string]any{"power": 101}, http.StatusBadRequest, magstim.KindParameterRange},
		{"频率两位小数", "/api/v1/frequency", map[string]any{"frequency": 10.25}, http.StatusBadRequest, magstim.KindParameterPrecision},
		{"脉冲数带小数", "/api/v1/pulses", map[string]any{"nPulses": 2.5}, http.StatusBadRequest, magstim.KindParameterFloat},
		{"持续时间两位小数", "/api/v1/duration", map[string]any{"duration": 1.05}, http.StatusBadRequest, magstim.KindParameterPrecision},
		{"充电延迟带小数", "/api/v1/charge-delay", map[string]any{"delay": 1.5}, http.StatusBadRequest, magstim.KindParameterFloat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := ta.do(http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.kind.String(), resp.Kind)
			assert.Equal(t, tt.kind.Code(), resp.Code)
		})
	}

	t.Run("缺少字段", func(t *testing.T) {
		code, resp := ta.do(http.MethodPut, "/api/v1/power", map[string]any{"delay": true})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "BadRequest", resp.Kind)
	})
}

func TestSequenceGateOverHTTP(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)
	ta.mustOK(t, http.MethodPost, "/api/v1/arm", map[string]any{"delay": false})
	ta.mustOK(t, http.MethodPut, "/api/v1/rtms", map[string]any{"enable": true})

	code, resp := ta.do(http.MethodPost, "/api/v1/fire", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, magstim.KindSequenceValidation.String(), resp.Kind)

	resp = ta.mustOK(t, http.MethodPost, "/api/v1/validate", nil)
	assert.Equal(t, true, dataMap(t, resp)["sequenceValidated"])

	ta.mustOK(t, http.MethodPost, "/api/v1/fire", nil)
	assert.Equal(t, 1, ta.sim.Snapshot().Fires)

	code, resp = ta.do(http.MethodPost, "/api/v1/fire", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, magstim.KindMinWaitTime.String(), resp.Kind)

	ta.mustOK(t, http.MethodPost, "/api/v1/disarm", nil)
	assert.False(t, ta.sim.Snapshot().Armed)
}

func TestQuickFireAndPoke(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)
	ta.mustOK(t, http.MethodPost, "/api/v1/arm", nil)
	ta.mustOK(t, http.MethodPost, "/api/v1/quickfire", nil)
	ta.mustOK(t, http.MethodPost, "/api/v1/quickfire/reset", nil)
	assert.Eventually(t, func() bool { return ta.sim.Snapshot().QuickFires == 1 }, time.Second, 5*time.Millisecond)

	ta.mustOK(t, http.MethodPost, "/api/v1/poke", map[string]any{"silent": true})
	ta.mustOK(t, http.MethodPost, "/api/v1/poke", nil)
}

func TestEnhancedAndEnergy(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)

	ta.mustOK(t, http.MethodPut, "/api/v1/enhanced", map[string]any{"enable": true})
	resp := ta.mustOK(t, http.MethodGet, "/api/v1/enhanced", nil)
	assert.Equal(t, true, dataMap(t, resp)["enhanced"])
	ta.mustOK(t, http.MethodPut, "/api/v1/power", map[string]any{"power": 110})

	// joules[50] = 10.5
	resp = ta.mustOK(t, http.MethodGet, "/api/v1/energy?power=50&nPulses=10&frequency=10", nil)
	m := dataMap(t, resp)
	assert.InDelta(t, 0.5, m["minWaitTime"], 1e-9)
	assert.InDelta(t, 600.0, m["maxOnTime"], 1e-9)
	assert.InDelta(t, 100.0, m["maxContinuousFrequency"], 1e-9)

	resp = ta.mustOK(t, http.MethodGet, "/api/v1/energy?power=50&frequency=0", nil)
	assert.NotContains(t, dataMap(t, resp), "maxOnTime")

	code, _ := ta.do(http.MethodGet, "/api/v1/energy?frequency=10", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, resp = ta.do(http.MethodGet, "/api/v1/energy?power=50.5&frequency=10", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, magstim.KindParameterFloat.String(), resp.Kind)
}

func TestRapidOnlyOnBaseDevice(t *testing.T) {
	ta := newTestAPI(t, apiOptions{kind: device.KindMagstim})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)
	ta.mustOK(t, http.MethodPut, "/api/v1/power", map[string]any{"power": 40, "delay": true})

	code, resp := ta.do(http.MethodPut, "/api/v1/frequency", map[string]any{"frequency": 5})
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Equal(t, magstim.KindNotSupported.String(), resp.Kind)

	code, _ = ta.do(http.MethodGet, "/api/v1/energy?power=50&frequency=10", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestFireRateLimit(t *testing.T) {
	ta := newTestAPI(t, apiOptions{api: cfgpkg.APIConfig{FireRate: 0.001, FireBurst: 1}})
	ta.mustOK(t, http.MethodPost, "/api/v1/connect", nil)
	ta.mustOK(t, http.MethodPost, "/api/v1/arm", nil)

	ta.mustOK(t, http.MethodPost, "/api/v1/fire", nil)
	code, resp := ta.do(http.MethodPost, "/api/v1/quickfire", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RateLimited", resp.Kind)
	assert.Equal(t, 1, ta.limited)
	assert.Equal(t, 1, ta.sim.Snapshot().Fires)

	ta.mustOK(t, http.MethodGet, "/api/v1/status", nil)
}

func TestAuth(t *testing.T) {
	ta := newTestAPI(t, apiOptions{api: cfgpkg.APIConfig{AuthKeys: []string{"secret-key-123"}}})

	code, resp := ta.do(http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthorized", resp.Kind)

	code, _ = ta.do(http.MethodGet, "/api/v1/status", nil, "X-API-Key", "secret-key-123")
	assert.Equal(t, http.StatusOK, code)
}

func TestListAudit(t *testing.T) {
	t.Run("数据库查询", func(t *testing.T) {
		q := &fakeQuery{events: []audit.Event{audit.NewEvent("sim://rapid", "rapid", "fire", nil, nil, 0)}}
		ta := newTestAPI(t, apiOptions{query: q})
		resp := ta.mustOK(t, http.MethodGet, "/api/v1/audit?op=fire&failed=true&limit=5&since=2026-01-01T00:00:00Z", nil)
		assert.Equal(t, 1.0, dataMap(t, resp)["total"])
		assert.Equal(t, "sim://rapid", q.got.Device)
		assert.Equal(t, "fire", q.got.Op)
		assert.True(t, q.got.FailedOnly)
		assert.Equal(t, 5, q.got.Limit)
		assert.Equal(t, 2026, q.got.Since.Year())
	})
	t.Run("查询失败", func(t *testing.T) {
		ta := newTestAPI(t, apiOptions{query: &fakeQuery{err: errors.New("db down")}})
		code, resp := ta.do(http.MethodGet, "/api/v1/audit", nil)
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Equal(t, "Internal", resp.Kind)
	})
	t.Run("时间格式错误", func(t *testing.T) {
		ta := newTestAPI(t, apiOptions{query: &fakeQuery{}})
		code, _ := ta.do(http.MethodGet, "/api/v1/audit?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("Redis 最近事件", func(t *testing.T) {
		r := &fakeRecent{}
		ta := newTestAPI(t, apiOptions{recent: r})
		resp := ta.mustOK(t, http.MethodGet, "/api/v1/audit", nil)
		assert.Equal(t, 1.0, dataMap(t, resp)["total"])
		assert.Equal(t, "sim://rapid", r.port)
	})
	t.Run("未启用", func(t *testing.T) {
		ta := newTestAPI(t, apiOptions{})
		code, _ := ta.do(http.MethodGet, "/api/v1/audit", nil)
		assert.Equal(t, http.StatusNotImplemented, code)
	})
}

func TestListPorts(t *testing.T) {
	ta := newTestAPI(t, apiOptions{})
	resp := ta.mustOK(t, http.MethodGet, "/api/v1/ports", nil)
	assert.Equal(t, []any{"/dev/ttyUSB0"}, dataMap(t, resp)["ports"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind magstim.Kind
		want int
	}{
		{magstim.KindParameterRange, http.StatusBadRequest},
		{magstim.KindInvalidData, http.StatusUnprocessableEntity},
		{magstim.KindMaxOnTime, http.StatusConflict},
		{magstim.KindVersionUnsupported, http.StatusNotImplemented},
		{magstim.KindTransportIO, http.StatusServiceUnavailable},
		{magstim.KindChecksumMismatch, http.StatusBadGateway},
		{magstim.KindParameterUpdate, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/magstim-server/internal/audit"
	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
	"github.com/taoyao-code/magstim-server/internal/serialport"
	"github.com/taoyao-code/magstim-server/internal/simulator"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *memRecorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		ops = append(ops, ev.Op)
	}
	return ops
}

func testSystemInfo() *SystemInfo {
	info := &SystemInfo{
		Joules:       map[int]float64{},
		MaxFrequency: map[int]map[int]map[int]float64{240: {0: {}}},
	}
	for p := 0; p <= 110; p++ {
		info.Joules[p] = 10
		info.MaxFrequency[240][0][p] = 50
	}
	info.MaxFrequency[240][0][80] = 20
	info.Joules[90] = 200
	return info
}

type testRig struct {
	dev   *Device
	sim   *simulator.Device
	clock *fakeClock
	rec   *memRecorder
	slept []time.Duration
}

func newRig(t *testing.T, kind Kind, simCfg simulator.Config) *testRig {
	t.Helper()
	sim := simulator.New(simCfg)
	cfg := DefaultConfig()
	cfg.Kind = kind
	cfg.Port = "sim://test"
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.FastPoke = time.Hour
	cfg.SlowPoke = time.Hour
	cfg.UnlockCode = simCfg.UnlockCode

	rig := &testRig{sim: sim, clock: &fakeClock{t: time.Unix(1700000000, 0)}, rec: &memRecorder{}}
	rig.dev = New(cfg, func(string) (serialport.Port, error) { return sim, nil },
		WithSystemInfo(testSystemInfo()), WithRecorder(rig.rec))
	rig.dev.now = rig.clock.Now
	rig.dev.sleep = func(_ context.Context, d time.Duration) error {
		rig.slept = append(rig.slept, d)
		return nil
	}
	t.Cleanup(func() { _ = rig.dev.Disconnect(context.Background()) })
	return rig
}

func connectedRig(t *testing.T, kind Kind, simCfg simulator.Config) *testRig {
	t.Helper()
	rig := newRig(t, kind, simCfg)
	require.NoError(t, rig.dev.Connect(context.Background()))
	return rig
}

func TestConnectDisconnectRapid(t *testing.T) {
	rig := newRig(t, KindRapid, simulator.DefaultConfig(simulator.ModelRapid))
	ctx := context.Background()

	require.NoError(t, rig.dev.Connect(ctx))
	assert.Equal(t, Connected, rig.dev.State())
	assert.Equal(t, magstim.Version{Major: 9}, rig.dev.Version())
	assert.True(t, rig.sim.Snapshot().Remote)
	assert.Eventually(t, func() bool { return rig.dev.Status().Keepalive == "active" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, rig.dev.Disconnect(ctx))
	snap := rig.sim.Snapshot()
	assert.False(t, snap.Remote)
	assert.True(t, snap.Closed)
	assert.Equal(t, Disconnected, rig.dev.State())
	assert.Equal(t, []string{"Q@", "ND", "EA", "R@"}, snap.Received)
	assert.Equal(t, []string{"connect", "disconnect"}, rig.rec.Ops())
}

func TestConnectWithUnlockCode(t *testing.T) {
	simCfg := simulator.DefaultConfig(simulator.ModelRapid)
	simCfg.UnlockCode = "G"
	rig := connectedRig(t, KindRapid, simCfg)
	assert.Equal(t, "QG", rig.sim.Snapshot().Received[0])
}

func TestConnectFailureTearsDown(t *testing.T) {
	rig := newRig(t, KindMagstim, simulator.DefaultConfig(simulator.ModelMagstim))
	rig.sim.Faults().Inject("Q", simulator.FaultInvalidCommand, -1)

	err := rig.dev.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, magstim.ErrInvalidCommand)
	assert.Equal(t, Disconnected, rig.dev.State())
	assert.True(t, rig.sim.Snapshot().Closed, "transport released the port")

	_, err = rig.dev.GetTemperature(context.Background())
	assert.ErrorIs(t, err, magstim.ErrNoRemoteControl)
}

func TestConnectOpenFailure(t *testing.T) {
	d := New(Config{Kind: KindMagstim, Port: "/dev/none"}, func(string) (serialport.Port, error) {
		return nil, &serialport.IOError{Op: "open", Err: errors.New("no such device")}
	})
	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, magstim.ErrTransportIO)
	assert.Equal(t, Disconnected, d.State())
}

func TestConnectVersionFailureDisconnects(t *testing.T) {
	rig := newRig(t, KindRapid, simulator.DefaultConfig(simulator.ModelRapid))
	rig.sim.Faults().Inject("N", simulator.FaultTimeout, -1)

	err := rig.dev.Connect(context.Background())
	assert.ErrorIs(t, err, magstim.ErrTransportIO)
	assert.Equal(t, Disconnected, rig.dev.State())
	snap := rig.sim.Snapshot()
	assert.False(t, snap.Remote)
	assert.True(t, snap.Closed)
}

func TestBasePowerAndDelay(t *testing.T) {
	rig := connectedRig(t, KindMagstim, simulator.DefaultConfig(simulator.ModelMagstim))
	ctx := context.Background()

	assert.ErrorIs(t, rig.dev.SetPower(ctx, -1, false), magstim.ErrParameterRange)
	assert.ErrorIs(t, rig.dev.SetPower(ctx, 101, false), magstim.ErrParameterRange)
	assert.ErrorIs(t, rig.dev.SetPower(ctx, 110, false), magstim.ErrParameterRange)

	require.NoError(t, rig.dev.SetPower(ctx, 50, true))
	assert.Equal(t, 50, rig.sim.Snapshot().Power)
	require.NoError(t, rig.dev.SetPower(ctx, 45, true))
	assert.Equal(t, []time.Duration{20 * 10 * time.Millisecond, 5 * 100 * time.Millisecond}, rig.slept)

	p, err := rig.dev.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45.0, p.MagstimParam.Power)

	temp, err := rig.dev.GetTemperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, temp.MagstimTemp.Coil1Temp, 1e-9)
}

func TestBistimPowerDelayReadsChannelA(t *testing.T) {
	rig := connectedRig(t, KindBistim, simulator.DefaultConfig(simulator.ModelBistim))
	require.NoError(t, rig.dev.SetPower(context.Background(), 40, true))
	assert.Equal(t, []time.Duration{10 * 10 * time.Millisecond}, rig.slept)
}

func TestArmDisarmFire(t *testing.T) {
	rig := connectedRig(t, KindMagstim, simulator.DefaultConfig(simulator.ModelMagstim))
	ctx := context.Background()

	err := rig.dev.Fire(ctx)
	assert.ErrorIs(t, err, magstim.ErrCommandConflict, "device refuses to fire while disarmed")

	require.NoError(t, rig.dev.Arm(ctx, true))
	assert.Equal(t, Armed, rig.dev.ArmState())
	assert.Equal(t, []time.Duration{1100 * time.Millisecond}, rig.slept)

	armed, err := rig.dev.IsArmed(ctx)
	require.NoError(t, err)
	assert.True(t, armed)
	ready, err := rig.dev.IsReadyToFire(ctx)
	require.NoError(t, err)
	assert.True(t, ready)
	ctl, err := rig.dev.IsUnderControl(ctx)
	require.NoError(t, err)
	assert.True(t, ctl)

	require.NoError(t, rig.dev.Fire(ctx))
	require.NoError(t, rig.dev.QuickFire(ctx))
	require.NoError(t, rig.dev.ResetQuickFire(ctx))
	// 同步命令排在 RTS 操作之后，返回时二者均已执行
	_, err = rig.dev.GetTemperature(ctx)
	require.NoError(t, err)
	snap := rig.sim.Snapshot()
	assert.Equal(t, 1, snap.Fires)
	assert.Equal(t, 1, snap.QuickFires)
	assert.False(t, snap.RTS)

	require.NoError(t, rig.dev.Disarm(ctx))
	assert.Equal(t, Disarmed, rig.dev.ArmState())
}

func TestRapidOnlyOperationsOnBase(t *testing.T) {
	rig := connectedRig(t, KindMagstim, simulator.DefaultConfig(simulator.ModelMagstim))
	ctx := context.Background()

	assert.ErrorIs(t, rig.dev.SetFrequency(ctx, 5), magstim.ErrNotSupported)
	assert.ErrorIs(t, rig.dev.RTMSMode(ctx, true), magstim.ErrNotSupported)
	assert.ErrorIs(t, rig.dev.ValidateSequence(ctx), magstim.ErrNotSupported)
	_, err := rig.dev.GetSystemStatus(ctx)
	assert.ErrorIs(t, err, magstim.ErrNotSupported)
	_, err = rig.dev.MaxOnTime(50, 10)
	assert.ErrorIs(t, err, magstim.ErrNotSupported)
}

func TestDisconnectDuringInflightCommand(t *testing.T) {
	simCfg := simulator.DefaultConfig(simulator.ModelRapid)
	simCfg.ReplyLatency = 30 * time.Millisecond
	rig := connectedRig(t, KindRapid, simCfg)
	ctx := context.Background()

	results := make(chan error, 1)
	go func() {
		_, err := rig.dev.GetParameters(ctx)
		results <- err
	}()
	disconnected := make(chan error, 1)
	go func() { disconnected <- rig.dev.Disconnect(ctx) }()

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect deadlocked")
	}
	select {
	case err := <-results:
		if err != nil {
			k, ok := magstim.KindOf(err)
			require.True(t, ok)
			assert.Contains(t, []magstim.Kind{magstim.KindTransportIO, magstim.KindNoRemoteControl}, k)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight command never completed")
	}
	assert.Equal(t, Disconnected, rig.dev.State())
}

package monitor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/monitor"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu        sync.Mutex
	snapshots []metrics.Snapshot
}

func (r *recorder) Record(_ context.Context, s *metrics.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, *s)
	return nil
}

func (r *recorder) Query(context.Context, time.Time, time.Time) ([]metrics.Snapshot, error) {
	return nil, nil
}

func (r *recorder) Close() error { return nil }

type fixture struct {
	sim    *telemetry.Simulator
	fans   *fan.Engine
	alerts *alert.Engine
	clock  *clock
	mon    *monitor.Supervisor
	rec    *recorder
}

func stubPerformance(context.Context) (monitor.Performance, error) {
	return monitor.Performance{CPUPercent: 12.5, MemoryPercent: 40, Goroutines: 7}, nil
}

func newFixture(t *testing.T, opts ...monitor.Option) *fixture {
	t.Helper()

	cfg := telemetry.DefaultSimulatorConfig()
	cfg.Dynamic = false
	sim := telemetry.NewSimulator(cfg)
	clk := newClock()

	fans := fan.NewEngine(sim, fan.WithLogger(logger.Nop()), fan.WithClock(clk.Now), fan.WithSettleDelay(0))
	alerts := alert.NewEngine(alert.WithLogger(logger.Nop()), alert.WithClock(clk.Now))
	alerts.InstallDefaultRules()
	rec := &recorder{}

	opts = append([]monitor.Option{
		monitor.WithLogger(logger.Nop()),
		monitor.WithClock(clk.Now),
		monitor.WithAlerts(alerts),
		monitor.WithRecorder(rec),
		monitor.WithPerformanceSampler(stubPerformance),
	}, opts...)

	return &fixture{
		sim:    sim,
		fans:   fans,
		alerts: alerts,
		clock:  clk,
		mon:    monitor.NewSupervisor(sim, fans, opts...),
		rec:    rec,
	}
}

func TestScoreHealth(t *testing.T) {
	temps := map[string]monitor.TemperatureReading{
		"a": {Celsius: 85},
		"b": {Celsius: 75},
		"c": {Celsius: 60},
	}
	fans := map[string]fan.Reading{
		"f0": {RPM: 0, SpeedPercent: 40},
		"f1": {RPM: 1500, SpeedPercent: 50},
		"f2": {RPM: 0, SpeedPercent: 0},
	}

	score, issues := monitor.ScoreHealth(temps, fans, 2)
	assert.Equal(t, 60, score)
	assert.Len(t, issues, 4)
	assert.Equal(t, monitor.HealthWarning, monitor.StatusForScore(score))

	score, issues = monitor.ScoreHealth(nil, nil, 0)
	assert.Equal(t, 100, score)
	assert.Empty(t, issues)

	score, _ = monitor.ScoreHealth(temps, fans, 50)
	assert.Equal(t, 0, score)
}

func TestStatusForScore(t *testing.T) {
	tests := []struct {
		score int
		want  monitor.HealthStatus
	}{
		{100, monitor.HealthHealthy},
		{75, monitor.HealthHealthy},
		{74, monitor.HealthWarning},
		{40, monitor.HealthWarning},
		{39, monitor.HealthCritical},
		{0, monitor.HealthCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, monitor.StatusForScore(tt.score), "score %d", tt.score)
	}
}

func TestTriggerDataCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mon.TriggerDataCollection(ctx))

	c := f.mon.Realtime()
	require.Len(t, c.Temperatures, 2)
	assert.InDelta(t, 60, c.Temperatures["cpu0"].Celsius, 1e-9)
	require.Len(t, c.Fans, 2)
	assert.Equal(t, 1500, c.Fans["fan0"].RPM)
	require.Len(t, c.Sensors, 2)
	assert.True(t, c.Sensors["cpu1"].Available)
	assert.Equal(t, 100, c.Health.Score)
	assert.Equal(t, monitor.HealthHealthy, c.Health.Status)
	assert.InDelta(t, 12.5, c.Performance.CPUPercent, 1e-9)
	assert.Equal(t, f.clock.Now(), c.LastUpdate)
	assert.Empty(t, c.ActiveAlerts)

	for _, m := range f.mon.Metrics() {
		assert.Equal(t, uint64(1), m.Runs, m.Name)
		assert.Zero(t, m.Errors, m.Name)
	}
	assert.Len(t, f.mon.Metrics(), 6)

	require.Len(t, f.rec.snapshots, 1)
	snap := f.rec.snapshots[0]
	assert.Equal(t, 100, snap.Health.Score)
	assert.InDelta(t, 60, snap.Temperature.Average, 1e-9)
	assert.InDelta(t, 50, snap.Fans.AverageSpeed, 1e-9)
}

func TestCollectionRaisesAlertsAndScoresHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sim.SetTemperature("cpu0", 95)
	f.sim.Stall("fan1", true)

	require.NoError(t, f.mon.TriggerDataCollection(ctx))

	// cpu0 trips both temperature rules, fan1 trips the stopped fan rule.
	active := f.alerts.Active()
	require.Len(t, active, 3)

	h := f.mon.Health()
	// 100 - 10 (hot sensor) - 15 (stalled fan) - 3*5 (alerts)
	assert.Equal(t, 60, h.Score)
	assert.Equal(t, monitor.HealthWarning, h.Status)
	assert.Len(t, f.mon.Realtime().ActiveAlerts, 3)

	// A second pass refreshes the open alerts instead of duplicating them.
	require.NoError(t, f.mon.TriggerDataCollection(ctx))
	assert.Len(t, f.alerts.Active(), 3)
}

func TestUnreadableSensor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sim.Fail(telemetry.OpReadTemp, "cpu1", fmt.Errorf("i2c timeout"))

	require.NoError(t, f.mon.TriggerDataCollection(ctx))

	c := f.mon.Realtime()
	assert.Len(t, c.Temperatures, 1)
	assert.False(t, c.Sensors["cpu1"].Available)
	assert.NotEmpty(t, c.Sensors["cpu1"].Error)

	active := f.alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, alert.TypeSensor, active[0].AlertType)
	assert.Equal(t, "cpu1", active[0].Source)
}

func TestCollectorFailureIsRecorded(t *testing.T) {
	f := newFixture(t, monitor.WithPerformanceSampler(func(context.Context) (monitor.Performance, error) {
		return monitor.Performance{}, fmt.Errorf("no procfs")
	}))
	f.sim.Fail(telemetry.OpListFans, "", fmt.Errorf("bus reset"))

	err := f.mon.TriggerDataCollection(context.Background())
	require.Error(t, err)

	byName := map[string]monitor.CollectorMetrics{}
	for _, m := range f.mon.Metrics() {
		byName[m.Name] = m
	}
	assert.Equal(t, uint64(1), byName[monitor.CollectorFan].Errors)
	assert.Equal(t, uint64(1), byName[monitor.CollectorPerformance].Errors)
	assert.Zero(t, byName[monitor.CollectorTemperature].Errors)
	assert.NotEmpty(t, byName[monitor.CollectorFan].LastError)

	// The other collectors still ran.
	assert.Len(t, f.mon.Realtime().Temperatures, 2)
}

func TestGetHistoricalData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := f.clock.Now()
	require.NoError(t, f.mon.TriggerDataCollection(ctx))
	f.clock.Advance(time.Minute)
	f.sim.SetTemperature("cpu0", 70)
	require.NoError(t, f.mon.TriggerDataCollection(ctx))

	temps, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataTemperature)
	require.NoError(t, err)
	require.Len(t, temps, 4)
	assert.Equal(t, start, temps[0].Timestamp)
	assert.Equal(t, "cpu0", temps[2].Source)
	assert.InDelta(t, 70, temps[2].Value, 1e-9)

	fans, err := f.mon.GetHistoricalData(start.Add(30*time.Second), time.Time{}, monitor.DataFan)
	require.NoError(t, err)
	assert.Len(t, fans, 2)

	all, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataAll)
	require.NoError(t, err)
	// Per pass: 2 temperatures, 2 fans, 2 sensors, 1 performance, 1 health.
	assert.Len(t, all, 16)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}

	_, err = f.mon.GetHistoricalData(time.Time{}, time.Time{}, "voltage")
	assert.True(t, errors.HasCode(err, errors.ErrValidation))
	_, err = f.mon.GetHistoricalData(start, start.Add(-time.Second), monitor.DataAll)
	assert.True(t, errors.HasCode(err, errors.ErrValidation))
}

func TestHistoryCap(t *testing.T) {
	f := newFixture(t, monitor.WithHistoryCap(10))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, f.mon.TriggerDataCollection(ctx))
		f.clock.Advance(time.Second)
	}

	health, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataHealth)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(health), 10)

	temps, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataTemperature)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(temps), 10)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, monitor.WithRetention(time.Hour), monitor.WithIntervals(monitor.Intervals{
		Temperature: time.Hour, Fan: time.Hour, Sensor: time.Hour,
		Health: time.Hour, Performance: time.Hour, Cleanup: time.Hour,
	}))
	ctx := context.Background()

	require.NoError(t, f.mon.TriggerDataCollection(ctx))
	f.clock.Advance(2 * time.Hour)

	// The final cleanup pass of this collection drops the old samples.
	f.sim.Fail(telemetry.OpListSensors, "", fmt.Errorf("gone"))
	f.sim.Fail(telemetry.OpListFans, "", fmt.Errorf("gone"))
	require.Error(t, f.mon.TriggerDataCollection(ctx))

	temps, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataTemperature)
	require.NoError(t, err)
	assert.Empty(t, temps)

	fans, err := f.mon.GetHistoricalData(time.Time{}, time.Time{}, monitor.DataFan)
	require.NoError(t, err)
	assert.Empty(t, fans)

	c := f.mon.Realtime()
	assert.Empty(t, c.Temperatures)
	assert.Empty(t, c.Fans)
}

func TestStartRestartStop(t *testing.T) {
	f := newFixture(t, monitor.WithIntervals(monitor.Intervals{
		Temperature: 5 * time.Millisecond, Fan: 5 * time.Millisecond, Sensor: 5 * time.Millisecond,
		Health: 5 * time.Millisecond, Performance: 5 * time.Millisecond, Cleanup: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.True(t, errors.HasCode(f.mon.RestartMonitoringTasks(nil), errors.ErrNotRunning))

	updates, unsubscribe := f.mon.Subscribe()
	defer unsubscribe()

	require.NoError(t, f.mon.Start(ctx))
	assert.True(t, errors.HasCode(f.mon.Start(ctx), errors.ErrAlreadyRunning))
	assert.Len(t, f.mon.Tasks(), 6)

	select {
	case c := <-updates:
		assert.Equal(t, monitor.HealthHealthy, c.Health.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime update")
	}

	next := f.mon.Intervals()
	next.Health = time.Hour
	require.NoError(t, f.mon.RestartMonitoringTasks(&next))
	assert.Equal(t, time.Hour, f.mon.Intervals().Health)
	assert.Len(t, f.mon.Tasks(), 6)
	assert.True(t, f.mon.Running())

	f.mon.Stop()
	assert.False(t, f.mon.Running())
	assert.Empty(t, f.mon.Tasks())

	// Stop closes subscriber channels once they are drained.
	for range updates {
	}
}

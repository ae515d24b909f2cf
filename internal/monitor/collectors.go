package monitor

import (
	"context"
	"runtime"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/history"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	CollectorTemperature = "monitor-temperature"
	CollectorFan         = "monitor-fan"
	CollectorSensor      = "monitor-sensor"
	CollectorPerformance = "monitor-performance"
	CollectorHealth      = "monitor-health"
	CollectorCleanup     = "monitor-cleanup"
)

type collector struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// collectorSet lists the collectors in the order a synchronous collection
// runs them. Health comes after the readings it scores.
func (s *Supervisor) collectorSet(i Intervals) []collector {
	return []collector{
		{CollectorTemperature, i.Temperature, s.collectTemperatures},
		{CollectorFan, i.Fan, s.collectFans},
		{CollectorSensor, i.Sensor, s.collectSensors},
		{CollectorPerformance, i.Performance, s.collectPerformance},
		{CollectorHealth, i.Health, s.collectHealth},
		{CollectorCleanup, i.Cleanup, s.cleanup},
	}
}

func (s *Supervisor) runCollector(ctx context.Context, c collector) error {
	started := s.now()
	t0 := time.Now()
	err := c.run(ctx)
	s.recordRun(c.name, c.interval, started, time.Since(t0), err)

	if err != nil {
		s.logger.Warn().Err(err).Str("task", c.name).Msg("Collector failed")
	}

	return err
}

func (s *Supervisor) collectTemperatures(ctx context.Context) error {
	ids, err := s.source.TemperatureSensorIDs(ctx)
	if err != nil {
		return errors.New().Wrap(errors.ErrUnavailable, err)
	}

	now := s.now()
	readings := make([]TemperatureReading, 0, len(ids))
	for _, id := range ids {
		c, err := s.source.ReadTemperature(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("sensor_id", id).Msg("Failed to read temperature")
			continue
		}
		readings = append(readings, TemperatureReading{SensorID: id, Celsius: c, Timestamp: now})
	}

	s.cacheMu.Lock()
	points := make([]DataPoint, 0, len(readings))
	for _, r := range readings {
		s.cache.Temperatures[r.SensorID] = r
		points = append(points, DataPoint{Timestamp: now, Type: DataTemperature, Source: r.SensorID, Value: r.Celsius})
	}
	s.cache.LastUpdate = now
	s.cacheMu.Unlock()

	s.appendHistory(points...)

	if s.alerts != nil {
		for _, r := range readings {
			s.alerts.EvaluateTemperature(ctx, r.SensorID, r.Celsius)
		}
	}

	return nil
}

func (s *Supervisor) collectFans(ctx context.Context) error {
	readings, err := s.fans.Status(ctx, "")
	if err != nil {
		return err
	}

	now := s.now()
	s.cacheMu.Lock()
	for _, r := range readings {
		s.cache.Fans[r.FanID] = r
	}
	s.cache.LastUpdate = now
	s.cacheMu.Unlock()

	if s.alerts != nil {
		for _, r := range readings {
			s.alerts.EvaluateFan(ctx, r.FanID, r.RPM, r.SpeedPercent)
		}
	}

	return nil
}

// collectSensors probes every sensor for availability. An unreadable sensor
// reports value 0 so sensor rules can flag it.
func (s *Supervisor) collectSensors(ctx context.Context) error {
	ids, err := s.source.TemperatureSensorIDs(ctx)
	if err != nil {
		return errors.New().Wrap(errors.ErrUnavailable, err)
	}

	now := s.now()
	readings := make([]SensorReading, 0, len(ids))
	for _, id := range ids {
		r := SensorReading{SensorID: id, Timestamp: now}
		v, err := s.source.ReadTemperature(ctx, id)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Value = v
			r.Available = true
		}
		readings = append(readings, r)
	}

	s.cacheMu.Lock()
	points := make([]DataPoint, 0, len(readings))
	for _, r := range readings {
		s.cache.Sensors[r.SensorID] = r
		points = append(points, DataPoint{Timestamp: now, Type: DataSensor, Source: r.SensorID, Value: r.Value, Data: r})
	}
	s.cache.LastUpdate = now
	s.cacheMu.Unlock()

	s.appendHistory(points...)

	if s.alerts != nil {
		for _, r := range readings {
			s.alerts.EvaluateSensor(ctx, r.SensorID, r.Value)
		}
	}

	return nil
}

func (s *Supervisor) collectPerformance(ctx context.Context) error {
	p, err := s.samplePerformance(ctx)
	p.Timestamp = s.now()

	s.cacheMu.Lock()
	s.cache.Performance = p
	s.cache.LastUpdate = p.Timestamp
	s.cacheMu.Unlock()

	s.appendHistory(DataPoint{Timestamp: p.Timestamp, Type: DataPerformance, Source: "host", Value: p.CPUPercent, Data: p})

	return err
}

// samplePerformance reads host resource usage. Parts that fail are left
// zero and reported in the joined error.
func samplePerformance(ctx context.Context) (Performance, error) {
	var (
		p    Performance
		errs []error
	)

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		p.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		p.MemoryPercent = vm.UsedPercent
		p.MemoryUsed = vm.Used
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		p.Load1, p.Load5, p.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		p.HostUptime = up
	}

	p.Goroutines = runtime.NumGoroutine()

	if err := errors.Join(errs...); err != nil {
		return p, errors.New().Wrap(errors.ErrUnavailable, err)
	}

	return p, nil
}

func (s *Supervisor) collectHealth(ctx context.Context) error {
	var active []alert.Alert
	activeCount := 0
	if s.alerts != nil {
		active = s.alerts.Active()
		activeCount = len(active)
	}

	s.cacheMu.RLock()
	score, issues := ScoreHealth(s.cache.Temperatures, s.cache.Fans, activeCount)
	temps := make([]float64, 0, len(s.cache.Temperatures))
	for _, t := range s.cache.Temperatures {
		temps = append(temps, t.Celsius)
	}
	speeds := make([]float64, 0, len(s.cache.Fans))
	stopped := 0
	for _, f := range s.cache.Fans {
		speeds = append(speeds, f.SpeedPercent)
		if f.RPM == 0 && f.SpeedPercent > 0 {
			stopped++
		}
	}
	s.cacheMu.RUnlock()

	now := s.now()
	h := SystemHealth{
		Timestamp:     now,
		Status:        StatusForScore(score),
		Score:         score,
		Issues:        issues,
		UptimeSeconds: uint64(now.Sub(s.started) / time.Second),
	}

	snap := &metrics.Snapshot{
		Timestamp: now,
		Health: metrics.HealthMetrics{
			Score:        score,
			Status:       string(h.Status),
			ActiveAlerts: activeCount,
		},
		Temperature: metrics.TempMetrics{Average: mean(temps), Max: maxOf(temps)},
		Fans:        metrics.FanMetrics{AverageSpeed: mean(speeds), Stopped: stopped},
	}

	var ctrl *control.Status
	if s.control != nil {
		st := s.control.Status()
		ctrl = &st
		snap.SystemState = metrics.StateMetrics{AutoControl: st.Enabled, Emergency: st.Emergency}
	}

	s.cacheMu.Lock()
	s.cache.Health = h
	s.cache.ActiveAlerts = active
	s.cache.Control = ctrl
	s.cache.LastUpdate = now
	current := s.cache.clone()
	s.cacheMu.Unlock()

	s.appendHistory(DataPoint{Timestamp: now, Type: DataHealth, Source: "system", Value: float64(score), Data: h})
	s.broadcast(current)

	if h.Status != HealthHealthy {
		s.logger.Debug().Int("score", score).Strs("issues", issues).Msg("System health degraded")
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, snap); err != nil {
			return err
		}
	}

	return nil
}

// cleanup drops history and cached readings older than the retention
// window, including the fan engine's reading history.
func (s *Supervisor) cleanup(context.Context) error {
	cutoff := s.now().Add(-s.retention)

	removed := s.fans.Cleanup(s.retention)

	s.histMu.Lock()
	for dt, points := range s.history {
		kept, n := history.DropBefore(points, cutoff, func(p DataPoint) time.Time { return p.Timestamp })
		s.history[dt] = kept
		removed += n
	}
	s.histMu.Unlock()

	s.cacheMu.Lock()
	for id, r := range s.cache.Temperatures {
		if r.Timestamp.Before(cutoff) {
			delete(s.cache.Temperatures, id)
		}
	}
	for id, r := range s.cache.Fans {
		if r.Timestamp.Before(cutoff) {
			delete(s.cache.Fans, id)
		}
	}
	for id, r := range s.cache.Sensors {
		if r.Timestamp.Before(cutoff) {
			delete(s.cache.Sensors, id)
		}
	}
	s.cacheMu.Unlock()

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Monitoring history trimmed")
	}

	return nil
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func maxOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := v[0]
	for _, x := range v[1:] {
		m = max(m, x)
	}
	return m
}

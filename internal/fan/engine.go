package fan

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/curve"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/history"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
)

const (
	DefaultSettleDelay = 3 * time.Second
	DefaultHistoryCap  = 17280

	// testPassThreshold is the largest average deviation, in percentage
	// points, a diagnostic sweep tolerates.
	testPassThreshold = 5.0
)

var testSweep = []float64{30, 50, 70, 90}

type Option func(*Engine)

func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.logger = log.With("fan") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

// WithHistoryCap bounds the readings kept per fan.
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// HistoryCapFor derives the per fan history cap from the retention window
// and the poll interval.
func HistoryCapFor(retention, pollInterval time.Duration) int {
	return history.Capacity(retention, pollInterval, DefaultHistoryCap)
}

// Engine owns fan configuration, reading history and curve assignments.
type Engine struct {
	source      telemetry.Source
	logger      logger.Logger
	now         func() time.Time
	settleDelay time.Duration
	historyCap  int

	cfgMu   sync.RWMutex
	configs map[string]Config

	histMu  sync.RWMutex
	history map[string][]Reading

	curveMu sync.RWMutex
	curves  map[string]*curve.Follower
}

func NewEngine(source telemetry.Source, opts ...Option) *Engine {
	e := &Engine{
		source:      source,
		logger:      logger.Default().With("fan"),
		now:         time.Now,
		settleDelay: DefaultSettleDelay,
		historyCap:  DefaultHistoryCap,
		configs:     make(map[string]Config),
		history:     make(map[string][]Reading),
		curves:      make(map[string]*curve.Follower),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// FanIDs lists the fans known to the telemetry source.
func (e *Engine) FanIDs(ctx context.Context) ([]string, error) {
	ids, err := e.source.FanIDs(ctx)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrUnavailable, err)
	}
	return ids, nil
}

// Status polls one fan, or every fan when fanID is empty, records the
// readings and returns them. When polling every fan, individual read
// failures are logged and skipped.
func (e *Engine) Status(ctx context.Context, fanID string) ([]Reading, error) {
	if fanID != "" {
		r, err := e.poll(ctx, fanID)
		if err != nil {
			return nil, err
		}
		return []Reading{r}, nil
	}

	ids, err := e.FanIDs(ctx)
	if err != nil {
		return nil, err
	}

	readings := make([]Reading, 0, len(ids))
	for _, id := range ids {
		r, err := e.poll(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("fan_id", id).Msg("Failed to read fan")
			continue
		}
		readings = append(readings, r)
	}

	return readings, nil
}

func (e *Engine) poll(ctx context.Context, fanID string) (Reading, error) {
	sample, err := e.source.ReadFan(ctx, fanID)
	if err != nil {
		if errors.HasCode(err, errors.ErrNotFound) {
			return Reading{}, err
		}
		return Reading{}, errors.New().Wrap(errors.ErrUnavailable, err)
	}

	r := Reading{
		FanID:        fanID,
		RPM:          sample.RPM,
		SpeedPercent: sample.SpeedPercent,
		Timestamp:    e.now(),
	}
	r.Status = e.statusFor(fanID, sample)

	e.record(r)

	return r, nil
}

func (e *Engine) statusFor(fanID string, sample telemetry.FanSample) Status {
	if sample.RPM == 0 {
		return StatusError
	}

	if cfg, ok := e.Config(fanID); ok {
		if sample.SpeedPercent < cfg.MinSpeedPercent || sample.SpeedPercent > cfg.MaxSpeedPercent {
			return StatusWarning
		}
	}

	return StatusNormal
}

func (e *Engine) record(r Reading) {
	e.histMu.Lock()
	defer e.histMu.Unlock()

	h := append(e.history[r.FanID], r)
	e.history[r.FanID] = history.TrimOldest(h, e.historyCap)
}

// Bounds returns the configured speed range of a fan, [0,100] when the fan
// has no configuration.
func (e *Engine) Bounds(fanID string) (float64, float64) {
	if cfg, ok := e.Config(fanID); ok {
		return cfg.MinSpeedPercent, cfg.MaxSpeedPercent
	}
	return 0, 100
}

// SetSpeed validates pct against [0,100] and the fan's configured range
// before commanding the fan.
func (e *Engine) SetSpeed(ctx context.Context, fanID string, pct float64) error {
	errFactory := errors.New()

	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("speed %.1f outside [0,100]", pct))
	}

	if cfg, ok := e.Config(fanID); ok && (pct < cfg.MinSpeedPercent || pct > cfg.MaxSpeedPercent) {
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("speed %.1f outside configured range [%.1f,%.1f] of fan %s",
			pct, cfg.MinSpeedPercent, cfg.MaxSpeedPercent, fanID))
	}

	return e.command(ctx, fanID, pct)
}

// ForceSpeed commands a fan without checking its configured range. Used for
// emergency cooling and diagnostics.
func (e *Engine) ForceSpeed(ctx context.Context, fanID string, pct float64) error {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return errors.New().WithData(errors.ErrValidation, fmt.Sprintf("speed %.1f outside [0,100]", pct))
	}
	return e.command(ctx, fanID, pct)
}

func (e *Engine) command(ctx context.Context, fanID string, pct float64) error {
	if err := e.source.SetFanSpeed(ctx, fanID, pct); err != nil {
		if errors.HasCode(err, errors.ErrNotFound) || errors.HasCode(err, errors.ErrActuation) {
			return err
		}
		return errors.New().Wrap(errors.ErrActuation, err)
	}

	e.logger.Debug().Str("fan_id", fanID).Float64("speed", pct).Msg("Fan speed set")

	return nil
}

// SetAllSpeeds applies pct to every fan and keeps going past failures. The
// returned map holds the error of each fan that could not be set.
func (e *Engine) SetAllSpeeds(ctx context.Context, pct float64) (map[string]error, error) {
	ids, err := e.FanIDs(ctx)
	if err != nil {
		return nil, err
	}

	failed := make(map[string]error)
	for _, id := range ids {
		if err := e.SetSpeed(ctx, id, pct); err != nil {
			e.logger.Warn().Err(err).Str("fan_id", id).Float64("speed", pct).Msg("Failed to set fan speed")
			failed[id] = err
		}
	}

	return failed, nil
}

// History returns recorded readings matching q, oldest first.
func (e *Engine) History(q HistoryQuery) []Reading {
	wanted := make(map[string]bool, len(q.FanIDs))
	for _, id := range q.FanIDs {
		wanted[id] = true
	}

	e.histMu.RLock()
	var out []Reading
	for id, readings := range e.history {
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		for _, r := range readings {
			if q.matches(r) {
				out = append(out, r)
			}
		}
	}
	e.histMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	return out
}

func (q HistoryQuery) matches(r Reading) bool {
	switch {
	case !q.Start.IsZero() && r.Timestamp.Before(q.Start):
		return false
	case !q.End.IsZero() && r.Timestamp.After(q.End):
		return false
	case q.MinSpeed != nil && r.SpeedPercent < *q.MinSpeed:
		return false
	case q.MaxSpeed != nil && r.SpeedPercent > *q.MaxSpeed:
		return false
	case q.Status != "" && r.Status != q.Status:
		return false
	}
	return true
}

// Statistics summarises a fan's readings over the trailing window.
func (e *Engine) Statistics(fanID string, windowHours float64) (Statistics, error) {
	since := e.now().Add(-time.Duration(windowHours * float64(time.Hour)))
	readings := e.History(HistoryQuery{FanIDs: []string{fanID}, Start: since})

	if len(readings) == 0 {
		return Statistics{}, errors.New().WithData(errors.ErrNotFound,
			fmt.Sprintf("no readings for fan %s in the last %.1f hours", fanID, windowHours))
	}

	stats := Statistics{
		FanID:        fanID,
		WindowHours:  windowHours,
		Samples:      len(readings),
		MinSpeed:     math.Inf(1),
		MaxSpeed:     math.Inf(-1),
		MinRPM:       math.MaxInt,
		MaxRPM:       math.MinInt,
		StatusCounts: map[Status]int{StatusNormal: 0, StatusWarning: 0, StatusError: 0},
	}

	var speedSum, rpmSum float64
	for _, r := range readings {
		stats.MinSpeed = math.Min(stats.MinSpeed, r.SpeedPercent)
		stats.MaxSpeed = math.Max(stats.MaxSpeed, r.SpeedPercent)
		stats.MinRPM = min(stats.MinRPM, r.RPM)
		stats.MaxRPM = max(stats.MaxRPM, r.RPM)
		speedSum += r.SpeedPercent
		rpmSum += float64(r.RPM)
		stats.StatusCounts[r.Status]++
	}

	n := float64(len(readings))
	stats.AvgSpeed = speedSum / n
	stats.AvgRPM = rpmSum / n

	return stats, nil
}

// Test sweeps the fan through fixed targets, measures how closely it tracks
// them and restores the original speed.
func (e *Engine) Test(ctx context.Context, fanID string) (TestResult, error) {
	errFactory := errors.New()

	original, err := e.source.ReadFan(ctx, fanID)
	if err != nil {
		if errors.HasCode(err, errors.ErrNotFound) {
			return TestResult{}, err
		}
		return TestResult{}, errFactory.Wrap(errors.ErrUnavailable, err)
	}

	result := TestResult{
		FanID:         fanID,
		OriginalSpeed: original.SpeedPercent,
		StartedAt:     e.now(),
	}

	e.logger.Info().Str("fan_id", fanID).Float64("original_speed", original.SpeedPercent).Msg("Starting fan test")

	sweepErr := e.sweep(ctx, fanID, &result)

	// restore even when the sweep was interrupted
	if err := e.command(context.WithoutCancel(ctx), fanID, original.SpeedPercent); err != nil {
		e.logger.Error().Err(err).Str("fan_id", fanID).Msg("Failed to restore fan speed after test")
		if sweepErr == nil {
			return result, errFactory.Wrap(ErrRestoreFailed, err)
		}
	}

	if sweepErr != nil {
		return result, sweepErr
	}

	var total float64
	for _, s := range result.Steps {
		total += s.Error
	}
	result.AverageError = total / float64(len(result.Steps))
	result.Passed = result.AverageError <= testPassThreshold
	result.Duration = e.now().Sub(result.StartedAt).Seconds()

	e.logger.Info().
		Str("fan_id", fanID).
		Float64("average_error", result.AverageError).
		Bool("passed", result.Passed).
		Msg("Fan test finished")

	return result, nil
}

func (e *Engine) sweep(ctx context.Context, fanID string, result *TestResult) error {
	for _, target := range testSweep {
		if err := e.command(ctx, fanID, target); err != nil {
			return err
		}

		if e.settleDelay > 0 {
			timer := time.NewTimer(e.settleDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.New().Wrap(ErrTestAborted, ctx.Err())
			case <-timer.C:
			}
		}

		sample, err := e.source.ReadFan(ctx, fanID)
		if err != nil {
			return errors.New().Wrap(errors.ErrUnavailable, err)
		}

		result.Steps = append(result.Steps, TestStep{
			TargetSpeed:   target,
			MeasuredSpeed: sample.SpeedPercent,
			MeasuredRPM:   sample.RPM,
			Error:         math.Abs(sample.SpeedPercent - target),
		})
	}

	return nil
}

// Cleanup drops readings older than the retention horizon and returns how
// many were removed.
func (e *Engine) Cleanup(retention time.Duration) int {
	cutoff := e.now().Add(-retention)

	e.histMu.Lock()
	defer e.histMu.Unlock()

	removed := 0
	for id, readings := range e.history {
		keep, n := history.DropBefore(readings, cutoff, func(r Reading) time.Time { return r.Timestamp })
		removed += n
		if len(keep) == 0 {
			delete(e.history, id)
			continue
		}
		e.history[id] = keep
	}

	return removed
}

func (e *Engine) Configure(fanID string, cfg Config) error {
	if fanID == "" {
		return errors.New().WithMessage(errors.ErrValidation, "fan id is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.cfgMu.Lock()
	e.configs[fanID] = cfg
	e.cfgMu.Unlock()

	e.logger.Info().
		Str("fan_id", fanID).
		Float64("min_speed", cfg.MinSpeedPercent).
		Float64("max_speed", cfg.MaxSpeedPercent).
		Msg("Fan configured")

	return nil
}

func (e *Engine) RemoveConfig(fanID string) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if _, ok := e.configs[fanID]; !ok {
		return errors.New().WithData(errors.ErrNotFound, "fan config "+fanID)
	}
	delete(e.configs, fanID)

	return nil
}

func (e *Engine) Config(fanID string) (Config, bool) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	cfg, ok := e.configs[fanID]
	return cfg, ok
}

func (e *Engine) Configs() map[string]Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	out := make(map[string]Config, len(e.configs))
	for id, cfg := range e.configs {
		out[id] = cfg
	}
	return out
}

// LimitFunc reports the hardware duty cycle bounds of a fan in percent.
type LimitFunc func(fanID string) (minPct, maxPct float64, err error)

// ConfigureLimits gives every fan without a configuration one spanning its
// hardware bounds, so SetSpeed rejects duty cycles the driver would refuse.
// Fans whose limits cannot be read are logged and left unconfigured. It
// returns the number of fans configured.
func (e *Engine) ConfigureLimits(ctx context.Context, limits LimitFunc) (int, error) {
	ids, err := e.FanIDs(ctx)
	if err != nil {
		return 0, err
	}

	configured := 0
	for _, id := range ids {
		if _, ok := e.Config(id); ok {
			continue
		}

		lo, hi, err := limits(id)
		if err != nil {
			e.logger.Warn().Err(err).Str("fan_id", id).Msg("Failed to read fan speed limits")
			continue
		}
		if err := e.Configure(id, Config{Name: id, MinSpeedPercent: lo, MaxSpeedPercent: hi}); err != nil {
			e.logger.Warn().Err(err).Str("fan_id", id).Msg("Ignoring invalid fan speed limits")
			continue
		}
		configured++
	}

	return configured, nil
}

// FanForSensor returns the fan associated with a sensor, if any.
func (e *Engine) FanForSensor(sensorID string) (string, bool) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	ids := make([]string, 0, len(e.configs))
	for id, cfg := range e.configs {
		if cfg.SensorAssociation == sensorID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)

	return ids[0], true
}

func (e *Engine) SetCurve(fanID string, c curve.Curve) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}

	e.curveMu.Lock()
	e.curves[fanID] = curve.NewFollower(c)
	e.curveMu.Unlock()

	return nil
}

func (e *Engine) Curve(fanID string) (curve.Curve, bool) {
	e.curveMu.RLock()
	defer e.curveMu.RUnlock()

	f, ok := e.curves[fanID]
	if !ok {
		return curve.Curve{}, false
	}
	return f.Curve(), true
}

func (e *Engine) RemoveCurve(fanID string) error {
	e.curveMu.Lock()
	defer e.curveMu.Unlock()

	if _, ok := e.curves[fanID]; !ok {
		return errors.New().WithData(errors.ErrNotFound, "curve for fan "+fanID)
	}
	delete(e.curves, fanID)

	return nil
}

// OptimizeCurve derives a curve from temperature history and assigns it to
// the fan.
func (e *Engine) OptimizeCurve(fanID string, temperatures []float64) (curve.Curve, error) {
	c, err := curve.Optimize("optimized-"+fanID, temperatures, e.now())
	if err != nil {
		return curve.Curve{}, err
	}

	if err := e.SetCurve(fanID, c); err != nil {
		return curve.Curve{}, err
	}

	return c, nil
}

// SpeedForTemperature evaluates the fan's curve with hysteresis. The
// boolean is false when no curve is assigned.
func (e *Engine) SpeedForTemperature(fanID string, t float64) (float64, bool) {
	e.curveMu.RLock()
	f, ok := e.curves[fanID]
	e.curveMu.RUnlock()

	if !ok {
		return 0, false
	}
	return f.SpeedFor(t), true
}

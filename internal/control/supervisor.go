package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/history"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/pid"
	"codeberg.org/mutker/thermalctl/internal/task"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultActionHistoryCap    = 1000
	DefaultPerformanceInterval = time.Minute

	// performanceWindow is the number of recent actions the performance
	// refresh looks at.
	performanceWindow = 100

	taskControlCycle = "control-cycle"
	taskPerformance  = "performance-metrics"
)

type Option func(*Supervisor)

func WithLogger(log logger.Logger) Option {
	return func(s *Supervisor) { s.logger = log.With("control") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithActionHistoryCap(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.actionCap = n
		}
	}
}

func WithPerformanceInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.performanceInterval = d
		}
	}
}

// Supervisor runs the periodic control cycle: one PID controller per
// temperature sensor driving the sensor's fan.
type Supervisor struct {
	source              telemetry.Source
	fans                *fan.Engine
	logger              logger.Logger
	now                 func() time.Time
	tasks               *task.Group
	performanceInterval time.Duration
	actionCap           int

	cfgMu    sync.RWMutex
	settings Settings

	stateMu     sync.RWMutex
	enabled     bool
	emergency   bool
	controllers map[string]*pid.Controller
	lastCycle   time.Time
	cycles      uint64
	perf        PerformanceMetrics
	temps       map[string]float64
	commanded   map[string]float64

	// cycleMu serialises control cycles with emergency actuation.
	cycleMu sync.Mutex

	histMu  sync.RWMutex
	actions []Action
}

func NewSupervisor(source telemetry.Source, fans *fan.Engine, settings Settings, opts ...Option) (*Supervisor, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		source:              source,
		fans:                fans,
		logger:              logger.Default().With("control"),
		now:                 time.Now,
		performanceInterval: DefaultPerformanceInterval,
		actionCap:           DefaultActionHistoryCap,
		settings:            settings,
		controllers:         make(map[string]*pid.Controller),
		temps:               make(map[string]float64),
		commanded:           make(map[string]float64),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.tasks = task.NewGroup(s.logger)

	return s, nil
}

func (s *Supervisor) Settings() Settings {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the active settings. Running controllers pick
// them up on the next start.
func (s *Supervisor) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.cfgMu.Lock()
	s.settings = settings
	s.cfgMu.Unlock()

	return nil
}

// ApplyControlStrategy installs a preset, or for StrategyCustom the current
// settings with overrides applied.
func (s *Supervisor) ApplyControlStrategy(strategy Strategy, overrides *Overrides) (Settings, error) {
	next, err := resolveStrategy(s.Settings(), strategy, overrides)
	if err != nil {
		return Settings{}, err
	}

	if err := s.UpdateSettings(next); err != nil {
		return Settings{}, err
	}

	s.logger.Info().
		Str("strategy", string(strategy)).
		Float64("target_temperature", next.TargetTemperature).
		Float64("max_fan_speed", next.MaxFanSpeed).
		Int("interval", next.ControlIntervalSeconds).
		Msg("Control strategy applied")

	return next, nil
}

// StartAutoControl builds a controller per temperature sensor and starts
// the control cycle and performance refresh loops.
func (s *Supervisor) StartAutoControl(ctx context.Context) error {
	errFactory := errors.New()
	settings := s.Settings()

	sensors, err := s.source.TemperatureSensorIDs(ctx)
	if err != nil {
		return errFactory.Wrap(errors.ErrUnavailable, err)
	}

	s.stateMu.Lock()
	if s.enabled {
		s.stateMu.Unlock()
		return errFactory.WithMessage(errors.ErrAlreadyRunning, "auto control already enabled")
	}

	s.controllers = make(map[string]*pid.Controller, len(sensors))
	for _, id := range sensors {
		s.controllers[id] = newController(settings)
	}
	s.enabled = true
	s.stateMu.Unlock()

	if err := s.tasks.Spawn(ctx, taskControlCycle, settings.Interval(), s.cycleTask); err != nil {
		s.disable()
		return err
	}
	if err := s.tasks.Spawn(ctx, taskPerformance, s.performanceInterval, func(context.Context) error {
		s.RefreshPerformance()
		return nil
	}); err != nil {
		s.disable()
		return err
	}

	s.logger.Info().
		Int("sensors", len(sensors)).
		Dur("interval", settings.Interval()).
		Msg("Auto control enabled")

	return nil
}

// StopAutoControl stops the loops and waits for an in-flight cycle to
// finish.
func (s *Supervisor) StopAutoControl() error {
	s.stateMu.RLock()
	enabled := s.enabled
	s.stateMu.RUnlock()

	if !enabled {
		return errors.New().WithMessage(errors.ErrNotRunning, "auto control not enabled")
	}

	s.disable()
	s.logger.Info().Msg("Auto control disabled")

	return nil
}

func (s *Supervisor) disable() {
	s.stateMu.Lock()
	s.enabled = false
	s.stateMu.Unlock()

	s.tasks.StopAll()

	s.stateMu.Lock()
	s.controllers = make(map[string]*pid.Controller)
	s.stateMu.Unlock()
}

func newController(settings Settings) *pid.Controller {
	span := settings.MaxFanSpeed - settings.MinFanSpeed
	c := pid.New(settings.Kp, settings.Ki, settings.Kd, settings.TargetTemperature, 0, span)
	if settings.Ki > 0 {
		c.SetIntegralLimit(span / settings.Ki)
	}
	return c
}

func (s *Supervisor) cycleTask(ctx context.Context) error {
	_, err := s.runCycle(ctx)
	return err
}

// ExecuteCycle runs one control cycle immediately.
func (s *Supervisor) ExecuteCycle(ctx context.Context) error {
	errFactory := errors.New()

	s.stateMu.RLock()
	enabled, emergency := s.enabled, s.emergency
	s.stateMu.RUnlock()

	switch {
	case !enabled:
		return errFactory.WithMessage(errors.ErrNotRunning, "auto control not enabled")
	case emergency:
		return errFactory.New(ErrEmergencyActive)
	}

	_, err := s.runCycle(ctx)
	return err
}

// runCycle processes every sensor in order. It reports false when the
// cycle was skipped because control is disabled or in emergency mode.
func (s *Supervisor) runCycle(ctx context.Context) (bool, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.stateMu.RLock()
	if !s.enabled || s.emergency {
		s.stateMu.RUnlock()
		return false, nil
	}
	controllers := make(map[string]*pid.Controller, len(s.controllers))
	for id, c := range s.controllers {
		controllers[id] = c
	}
	s.stateMu.RUnlock()

	settings := s.Settings()

	fanIDs, err := s.source.FanIDs(ctx)
	if err != nil {
		return true, errors.New().Wrap(errors.ErrUnavailable, err)
	}

	sensors := make([]string, 0, len(controllers))
	for id := range controllers {
		sensors = append(sensors, id)
	}
	sort.Strings(sensors)

	for i, sensorID := range sensors {
		if err := ctx.Err(); err != nil {
			return true, err
		}

		fanID, ok := s.fanFor(sensorID, i, fanIDs)
		if !ok {
			s.logger.Warn().Str("sensor_id", sensorID).Msg("No fan associated with sensor")
			continue
		}

		s.controlSensor(ctx, settings, sensorID, fanID, controllers[sensorID])
	}

	s.stateMu.Lock()
	s.lastCycle = s.now()
	s.cycles++
	s.stateMu.Unlock()

	return true, nil
}

// fanFor prefers an explicitly associated fan and otherwise pairs sensors
// with fans by position.
func (s *Supervisor) fanFor(sensorID string, index int, fanIDs []string) (string, bool) {
	if id, ok := s.fans.FanForSensor(sensorID); ok {
		return id, true
	}
	if len(fanIDs) == 0 {
		return "", false
	}
	return fanIDs[index%len(fanIDs)], true
}

func (s *Supervisor) controlSensor(ctx context.Context, settings Settings, sensorID, fanID string, ctrl *pid.Controller) {
	temp, err := s.source.ReadTemperature(ctx, sensorID)
	if err != nil {
		s.logger.Warn().Err(err).Str("sensor_id", sensorID).Msg("Failed to read temperature")
		s.record(Action{
			ActionType:      ActionAutomatic,
			TargetComponent: sensorID,
			Reason:          "read temperature",
			Success:         false,
			ErrorMessage:    err.Error(),
		})
		return
	}

	s.stateMu.Lock()
	s.temps[sensorID] = temp
	s.stateMu.Unlock()

	output := ctrl.Update(temp)
	state := ctrl.State()
	speed := s.speedFor(settings, fanID, output, state.OutputMax-state.OutputMin, temp)
	previous := s.previousSpeed(ctx, fanID)

	action := Action{
		ActionType:      ActionAutomatic,
		TargetComponent: fanID,
		PreviousValue:   previous,
		NewValue:        speed,
		Reason: fmt.Sprintf("sensor %s at %.1f°C, setpoint %.1f°C",
			sensorID, temp, settings.TargetTemperature),
		Success: true,
	}

	if err := s.fans.SetSpeed(ctx, fanID, speed); err != nil {
		s.logger.Warn().Err(err).Str("fan_id", fanID).Float64("speed", speed).Msg("Failed to command fan")
		action.Success = false
		action.ErrorMessage = err.Error()
	} else {
		s.stateMu.Lock()
		s.commanded[fanID] = speed
		s.stateMu.Unlock()
	}

	s.record(action)

	s.logger.Debug().
		Str("sensor_id", sensorID).
		Str("fan_id", fanID).
		Float64("temperature", temp).
		Float64("output", output).
		Float64("speed", speed).
		Msg("Control step")
}

// speedFor maps a controller output onto the fan's range. The output is the
// reduction below the maximum speed, so a hot sensor drives the fan towards
// its maximum. span is the controller's own output range, which may predate
// the current settings. The result stays within [min_fan_speed,
// max_fan_speed] intersected with the fan's bounds; an assigned curve may
// raise it up to the fan's maximum.
func (s *Supervisor) speedFor(settings Settings, fanID string, output, span, temp float64) float64 {
	fanLo, fanHi := s.fans.Bounds(fanID)

	lo := max(fanLo, settings.MinFanSpeed)
	hi := min(fanHi, settings.MaxFanSpeed)
	if lo > hi {
		lo, hi = fanLo, fanHi
	}

	fraction := 0.0
	if span > 0 {
		fraction = clamp(output/span, 0, 1)
	}
	speed := clamp(hi-fraction*(hi-lo), lo, hi)

	if floor, ok := s.fans.SpeedForTemperature(fanID, temp); ok && floor > speed {
		speed = min(floor, fanHi)
	}

	return speed
}

func (s *Supervisor) previousSpeed(ctx context.Context, fanID string) float64 {
	s.stateMu.RLock()
	prev, ok := s.commanded[fanID]
	s.stateMu.RUnlock()

	if ok {
		return prev
	}

	sample, err := s.source.ReadFan(ctx, fanID)
	if err != nil {
		return 0
	}
	return sample.SpeedPercent
}

// EmergencyCooling suspends the control cycle and drives every fan to full
// speed, ignoring configured ranges.
func (s *Supervisor) EmergencyCooling(ctx context.Context, reason string) ([]Action, error) {
	fanIDs, err := s.source.FanIDs(ctx)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrUnavailable, err)
	}

	s.stateMu.Lock()
	s.emergency = true
	s.stateMu.Unlock()

	// wait out a cycle that started before the flag was set
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if reason == "" {
		reason = "emergency cooling"
	}

	s.logger.Warn().Int("fans", len(fanIDs)).Str("reason", reason).Msg("Emergency cooling engaged")

	actions := make([]Action, 0, len(fanIDs))
	for _, id := range fanIDs {
		action := Action{
			ActionType:      ActionEmergency,
			TargetComponent: id,
			PreviousValue:   s.previousSpeed(ctx, id),
			NewValue:        100,
			Reason:          reason,
			Success:         true,
		}

		if err := s.fans.ForceSpeed(ctx, id, 100); err != nil {
			s.logger.Error().Err(err).Str("fan_id", id).Msg("Failed to force fan to full speed")
			action.Success = false
			action.ErrorMessage = err.Error()
		} else {
			s.stateMu.Lock()
			s.commanded[id] = 100
			s.stateMu.Unlock()
		}

		actions = append(actions, s.record(action))
	}

	return actions, nil
}

// ExitEmergencyMode resumes normal cycling and runs a cycle right away when
// auto control is enabled.
func (s *Supervisor) ExitEmergencyMode(ctx context.Context) error {
	s.stateMu.Lock()
	was := s.emergency
	s.emergency = false
	enabled := s.enabled
	s.stateMu.Unlock()

	if was {
		s.logger.Info().Msg("Emergency mode cleared")
	}

	if !enabled {
		return nil
	}

	_, err := s.runCycle(ctx)
	return err
}

// ManualSet commands a fan directly and records the override.
func (s *Supervisor) ManualSet(ctx context.Context, fanID string, pct float64, reason string) (Action, error) {
	s.stateMu.RLock()
	emergency := s.emergency
	s.stateMu.RUnlock()

	if emergency {
		return Action{}, errors.New().New(ErrEmergencyActive)
	}
	if reason == "" {
		reason = "manual override"
	}

	action := Action{
		ActionType:      ActionManual,
		TargetComponent: fanID,
		PreviousValue:   s.previousSpeed(ctx, fanID),
		NewValue:        pct,
		Reason:          reason,
		Success:         true,
	}

	err := s.fans.SetSpeed(ctx, fanID, pct)
	if err != nil {
		if errors.HasCode(err, errors.ErrValidation) {
			return Action{}, err
		}
		action.Success = false
		action.ErrorMessage = err.Error()
	} else {
		s.stateMu.Lock()
		s.commanded[fanID] = pct
		s.stateMu.Unlock()
	}

	return s.record(action), err
}

func (s *Supervisor) record(a Action) Action {
	a.ID = uuid.NewString()
	a.Timestamp = s.now()

	s.histMu.Lock()
	s.actions = history.TrimOldest(append(s.actions, a), s.actionCap)
	s.histMu.Unlock()

	return a
}

// Actions returns up to limit most recent actions, oldest first. A limit of
// zero returns the whole history.
func (s *Supervisor) Actions(limit int) []Action {
	s.histMu.RLock()
	defer s.histMu.RUnlock()

	start := 0
	if limit > 0 && len(s.actions) > limit {
		start = len(s.actions) - limit
	}

	return append([]Action(nil), s.actions[start:]...)
}

// RefreshPerformance recomputes the performance metrics from the latest
// temperatures and recent actions.
func (s *Supervisor) RefreshPerformance() PerformanceMetrics {
	recent := s.Actions(performanceWindow)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	m := PerformanceMetrics{UpdatedAt: s.now()}

	if len(s.temps) > 0 {
		var sum float64
		first := true
		for _, t := range s.temps {
			sum += t
			if first || t > m.MaxTemperature {
				m.MaxTemperature = t
				first = false
			}
		}
		m.AverageTemperature = sum / float64(len(s.temps))
	}

	var succeeded, speeds int
	var speedSum float64
	for _, a := range recent {
		if a.Success {
			succeeded++
			if a.ActionType != ActionParameterOptimization {
				speedSum += a.NewValue
				speeds++
			}
		}
	}
	m.ActionsConsidered = len(recent)
	if len(recent) > 0 {
		m.SuccessRate = float64(succeeded) / float64(len(recent))
	}
	if speeds > 0 {
		m.AverageFanSpeed = speedSum / float64(speeds)
	}

	s.perf = m

	return m
}

func (s *Supervisor) Status() Status {
	settings := s.Settings()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	states := make(map[string]pid.State, len(s.controllers))
	for id, c := range s.controllers {
		states[id] = c.State()
	}

	return Status{
		Enabled:     s.enabled,
		Emergency:   s.emergency,
		Settings:    settings,
		Controllers: states,
		LastCycle:   s.lastCycle,
		Cycles:      s.cycles,
		Performance: s.perf,
	}
}

// Shutdown stops every loop without recording anything.
func (s *Supervisor) Shutdown() {
	s.disable()
}

func clamp(value, minValue, maxValue float64) float64 {
	return max(minValue, min(maxValue, value))
}

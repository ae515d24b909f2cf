package telemetry

import (
	"context"
	"math"
	"sync"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

// SimulatorConfig shapes the simulated hardware.
type SimulatorConfig struct {
	FanIDs    []string
	SensorIDs []string
	MaxRPM    int
	// AmbientTemperature is where sensors settle with no load.
	AmbientTemperature float64
	// Load is the temperature rise above ambient with all fans stopped.
	Load float64
	// Cooling is the temperature drop achieved with all fans at 100%.
	Cooling float64
	// Dynamic enables the first-order thermal model. When false sensors keep
	// the value last set through SetTemperature.
	Dynamic bool
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		FanIDs:             []string{"fan0", "fan1"},
		SensorIDs:          []string{"cpu0", "cpu1"},
		MaxRPM:             3000,
		AmbientTemperature: 30,
		Load:               60,
		Cooling:            45,
		Dynamic:            true,
	}
}

const thermalResponse = 0.3

type simFan struct {
	speed       float64
	speedOffset float64
	stalled     bool
}

// Simulator is an in-process Source with a simple thermal model and
// per-operation failure injection.
type Simulator struct {
	cfg SimulatorConfig

	mu       sync.Mutex
	fans     map[string]*simFan
	temps    map[string]float64
	failures map[Op]map[string]error
	closed   bool
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	s := &Simulator{
		cfg:      cfg,
		fans:     make(map[string]*simFan, len(cfg.FanIDs)),
		temps:    make(map[string]float64, len(cfg.SensorIDs)),
		failures: make(map[Op]map[string]error),
	}

	for _, id := range cfg.FanIDs {
		s.fans[id] = &simFan{speed: 50}
	}
	for _, id := range cfg.SensorIDs {
		s.temps[id] = cfg.AmbientTemperature + cfg.Load/2
	}

	return s
}

// Fail makes op fail for id (empty id matches every id) until cleared with a
// nil error.
func (s *Simulator) Fail(op Op, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures[op], id)
		return
	}
	if s.failures[op] == nil {
		s.failures[op] = make(map[string]error)
	}
	s.failures[op][id] = err
}

// SetTemperature pins a sensor to a value.
func (s *Simulator) SetTemperature(sensorID string, celsius float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps[sensorID] = celsius
}

// Stall makes a fan report zero RPM regardless of its commanded speed.
func (s *Simulator) Stall(fanID string, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		f.stalled = stalled
	}
}

// SetSpeedOffset skews the speed a fan reports relative to what it was
// commanded, emulating a worn fan.
func (s *Simulator) SetSpeedOffset(fanID string, offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		f.speedOffset = offset
	}
}

// CommandedSpeed returns the last speed a fan was commanded to.
func (s *Simulator) CommandedSpeed(fanID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		return f.speed
	}
	return 0
}

func (s *Simulator) FanIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpListFans, ""); err != nil {
		return nil, err
	}

	return append([]string(nil), s.cfg.FanIDs...), nil
}

func (s *Simulator) ReadFan(_ context.Context, fanID string) (FanSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpReadFan, fanID); err != nil {
		return FanSample{}, err
	}

	f, ok := s.fans[fanID]
	if !ok {
		return FanSample{}, errors.New().WithData(errors.ErrNotFound, "fan "+fanID)
	}

	speed := math.Max(0, math.Min(100, f.speed+f.speedOffset))
	rpm := int(math.Round(speed / 100 * float64(s.cfg.MaxRPM)))
	if f.stalled {
		rpm = 0
	}

	return FanSample{RPM: rpm, SpeedPercent: speed}, nil
}

func (s *Simulator) SetFanSpeed(_ context.Context, fanID string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpSetFan, fanID); err != nil {
		return errors.New().Wrap(errors.ErrActuation, err)
	}

	f, ok := s.fans[fanID]
	if !ok {
		return errors.New().WithData(errors.ErrNotFound, "fan "+fanID)
	}
	f.speed = percent

	return nil
}

func (s *Simulator) TemperatureSensorIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpListSensors, ""); err != nil {
		return nil, err
	}

	return append([]string(nil), s.cfg.SensorIDs...), nil
}

func (s *Simulator) ReadTemperature(_ context.Context, sensorID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpReadTemp, sensorID); err != nil {
		return 0, err
	}

	t, ok := s.temps[sensorID]
	if !ok {
		return 0, errors.New().WithData(errors.ErrNotFound, "sensor "+sensorID)
	}

	if s.cfg.Dynamic {
		equilibrium := s.cfg.AmbientTemperature + s.cfg.Load - s.cfg.Cooling*s.averageSpeed()/100
		t += (equilibrium - t) * thermalResponse
		s.temps[sensorID] = t
	}

	return t, nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) averageSpeed() float64 {
	if len(s.fans) == 0 {
		return 0
	}

	var sum float64
	for _, f := range s.fans {
		if !f.stalled {
			sum += f.speed
		}
	}

	return sum / float64(len(s.fans))
}

// check must be called with s.mu held.
func (s *Simulator) check(op Op, id string) error {
	if s.closed {
		return errors.New().New(ErrSourceClosed)
	}

	byID := s.failures[op]
	if err, ok := byID[id]; ok {
		return errors.New().Wrap(ErrInjectedFailed, err)
	}
	if err, ok := byID[""]; ok && id != "" {
		return errors.New().Wrap(ErrInjectedFailed, err)
	}

	return nil
}

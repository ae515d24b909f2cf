package gpu

import (
	"context"
	"math"
	"sync"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// DefaultNominalRPM is used to derive RPM from the reported duty cycle.
const DefaultNominalRPM = 3000

var _ telemetry.Source = (*Source)(nil)

type device struct {
	handle nvml.Device
	fans   *fanController
}

// Source exposes every NVIDIA GPU on the host as a telemetry source: one
// temperature sensor per device (gpuN) and one fan id per device fan
// (gpuN-fanM).
type Source struct {
	nvml       nvmlController
	devices    []device
	nominalRPM int
	logger     logger.Logger
	mu         sync.RWMutex
}

func New(log logger.Logger, nominalRPM int) (*Source, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.Default()
	}
	if nominalRPM <= 0 {
		nominalRPM = DefaultNominalRPM
	}

	s := &Source{
		nvml:       &nvmlWrapper{},
		nominalRPM: nominalRPM,
		logger:     log.With("gpu"),
	}

	if err := s.nvml.Initialize(); err != nil {
		return nil, err
	}

	count, err := s.nvml.GetDeviceCount()
	if err != nil {
		_ = s.nvml.Shutdown()
		return nil, err
	}
	if count == 0 {
		_ = s.nvml.Shutdown()
		return nil, errFactory.WithMessage(ErrDeviceNotFound, "no NVIDIA devices found")
	}

	for i := 0; i < count; i++ {
		handle, err := s.nvml.GetDevice(i)
		if err != nil {
			_ = s.nvml.Shutdown()
			return nil, err
		}

		if name, ret := handle.GetName(); IsNVMLSuccess(ret) {
			s.logger.Info().Int("device", i).Str("name", name).Msg("Detected GPU")
		}

		fans, err := newFanController(handle, s.logger)
		if err != nil {
			_ = s.nvml.Shutdown()
			return nil, errFactory.Wrap(ErrInitFailed, err)
		}
		s.logger.Debug().Int("device", i).Int("fans", fans.count).Msg("Detected fans")

		s.devices = append(s.devices, device{handle: handle, fans: fans})
	}

	return s, nil
}

func (s *Source) FanIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for d, dev := range s.devices {
		for f := 0; f < dev.fans.count; f++ {
			ids = append(ids, fanRef{device: d, fan: f}.String())
		}
	}

	return ids, nil
}

// ReadFan reports the duty cycle. NVML has no portable tachometer query, so
// RPM is derived from the nominal maximum.
func (s *Source) ReadFan(_ context.Context, fanID string) (telemetry.FanSample, error) {
	dev, ref, err := s.lookupFan(fanID)
	if err != nil {
		return telemetry.FanSample{}, err
	}

	speed, err := dev.fans.GetSpeed(ref.fan)
	if err != nil {
		return telemetry.FanSample{}, err
	}

	return telemetry.FanSample{
		RPM:          int(math.Round(float64(speed) / 100 * float64(s.nominalRPM))),
		SpeedPercent: float64(speed),
	}, nil
}

func (s *Source) SetFanSpeed(_ context.Context, fanID string, percent float64) error {
	dev, ref, err := s.lookupFan(fanID)
	if err != nil {
		return err
	}

	if err := dev.fans.SetSpeed(ref.fan, percent); err != nil {
		return errors.New().Wrap(errors.ErrActuation, err)
	}

	return nil
}

func (s *Source) TemperatureSensorIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for d := range s.devices {
		ids = append(ids, sensorID(d))
	}

	return ids, nil
}

func (s *Source) ReadTemperature(_ context.Context, id string) (float64, error) {
	errFactory := errors.New()

	d, err := parseSensorID(id)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if d < 0 || d >= len(s.devices) {
		return 0, errFactory.WithData(errors.ErrNotFound, "sensor "+id)
	}

	temp, ret := s.devices[d].handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	return float64(temp), nil
}

// FanSpeedLimits returns the driver limits of the device owning fanID.
func (s *Source) FanSpeedLimits(fanID string) (FanSpeedLimits, error) {
	dev, _, err := s.lookupFan(fanID)
	if err != nil {
		return FanSpeedLimits{}, err
	}
	return dev.fans.GetSpeedLimits(), nil
}

// Close hands fans back to the driver and shuts NVML down.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for d, dev := range s.devices {
		if err := dev.fans.RestoreAuto(); err != nil {
			s.logger.Warn().Err(err).Int("device", d).Msg("Failed to restore automatic fan control")
			errs = append(errs, err)
		}
	}
	s.devices = nil

	if err := s.nvml.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Source) lookupFan(fanID string) (device, fanRef, error) {
	ref, err := parseFanID(fanID)
	if err != nil {
		return device{}, fanRef{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref.device < 0 || ref.device >= len(s.devices) {
		return device{}, fanRef{}, errors.New().WithData(errors.ErrNotFound, "fan "+fanID)
	}

	return s.devices[ref.device], ref, nil
}

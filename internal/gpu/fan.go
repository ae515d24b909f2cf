package gpu

import (
	"math"
	"sync"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// fanController drives the fans of a single device.
type fanController struct {
	device nvml.Device
	count  int
	limits FanSpeedLimits
	// manual tracks fans taken out of driver control so Close can hand them
	// back.
	manual []bool
	mu     sync.RWMutex
	logger logger.Logger
}

func newFanController(device nvml.Device, log logger.Logger) (*fanController, error) {
	errFactory := errors.New()
	fc := &fanController{
		device: device,
		logger: log,
	}

	count, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}
	fc.count = count
	fc.manual = make([]bool, count)

	minSpeed, maxSpeed, ret := device.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}
	fc.limits = FanSpeedLimits{Min: minSpeed, Max: maxSpeed}

	return fc, nil
}

func (fc *fanController) GetSpeed(fanIndex int) (int, error) {
	errFactory := errors.New()
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	if fanIndex < 0 || fanIndex >= fc.count {
		return 0, errFactory.WithData(errors.ErrNotFound, "fan index out of range")
	}

	speed, ret := fc.device.GetFanSpeed_v2(fanIndex)
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrGetFanSpeedFailed, newNVMLError(ret))
	}

	return int(speed), nil
}

// SetSpeed commands one fan. Requests outside the driver limits are clamped.
func (fc *fanController) SetSpeed(fanIndex int, percent float64) error {
	errFactory := errors.New()
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fanIndex < 0 || fanIndex >= fc.count {
		return errFactory.WithData(errors.ErrNotFound, "fan index out of range")
	}

	speed := clamp(int(math.Round(percent)), fc.limits.Min, fc.limits.Max)
	if ret := nvml.DeviceSetFanSpeed_v2(fc.device, fanIndex, speed); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrSetFanSpeed, newNVMLError(ret))
	}
	fc.manual[fanIndex] = true

	fc.logger.Debug().Int("fan", fanIndex).Int("speed", speed).Msg("Set fan speed")

	return nil
}

// RestoreAuto returns every fan this controller touched to driver control.
func (fc *fanController) RestoreAuto() error {
	errFactory := errors.New()
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var errs []error
	for i := 0; i < fc.count; i++ {
		if !fc.manual[i] {
			continue
		}
		if ret := nvml.DeviceSetDefaultFanSpeed_v2(fc.device, i); !IsNVMLSuccess(ret) {
			errs = append(errs, errFactory.Wrap(ErrFanControlFailed, newNVMLError(ret)))
			continue
		}
		fc.manual[i] = false
	}

	return errors.Join(errs...)
}

func (fc *fanController) GetSpeedLimits() FanSpeedLimits {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.limits
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

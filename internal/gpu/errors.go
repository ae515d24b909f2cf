package gpu

import (
	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized = errors.ErrorCode("gpu_not_initialized")
	ErrInitFailed     = errors.ErrorCode("gpu_init_failed")
	ErrDeviceNotFound = errors.ErrorCode("gpu_device_not_found")
	ErrShutdownFailed = errors.ErrorCode("gpu_shutdown_failed")

	// Temperature Errors
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")

	// Fan Control Errors
	ErrFanControlFailed   = errors.ErrorCode("gpu_fan_control_failed")
	ErrFanCountFailed     = errors.ErrorCode("gpu_fan_count_failed")
	ErrGetFanSpeedFailed  = errors.ErrorCode("gpu_fan_speed_failed")
	ErrGetFanLimitsFailed = errors.ErrorCode("gpu_fan_limits_failed")
	ErrSetFanSpeed        = errors.ErrorCode("gpu_set_fan_speed_failed")
	ErrInvalidFanID       = errors.ErrorCode("gpu_invalid_fan_id")

	// Device Discovery Errors
	ErrDeviceCountFailed = errors.ErrorCode("gpu_device_count_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

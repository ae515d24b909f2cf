package gpu

import (
	"fmt"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

// FanSpeedLimits are the duty cycle bounds reported by the driver.
type FanSpeedLimits struct {
	Min, Max int
}

// fanRef addresses one fan on one device.
type fanRef struct {
	device int
	fan    int
}

func (r fanRef) String() string {
	return fmt.Sprintf("gpu%d-fan%d", r.device, r.fan)
}

func sensorID(device int) string {
	return fmt.Sprintf("gpu%d", device)
}

func parseFanID(id string) (fanRef, error) {
	var ref fanRef
	if _, err := fmt.Sscanf(id, "gpu%d-fan%d", &ref.device, &ref.fan); err != nil {
		return fanRef{}, errors.New().WithData(ErrInvalidFanID, id)
	}
	return ref, nil
}

func parseSensorID(id string) (int, error) {
	var device int
	if _, err := fmt.Sscanf(id, "gpu%d", &device); err != nil {
		return 0, errors.New().WithData(errors.ErrNotFound, "sensor "+id)
	}
	return device, nil
}

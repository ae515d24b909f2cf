package telemetry

import "context"

// Source is the hardware management interface the control core reads from
// and actuates through. Every call may fail; callers running periodic loops
// log the failure and move on.
type Source interface {
	// FanIDs lists the fans the source can read and command.
	FanIDs(ctx context.Context) ([]string, error)
	ReadFan(ctx context.Context, fanID string) (FanSample, error)
	// SetFanSpeed commands a fan to a duty cycle in percent.
	SetFanSpeed(ctx context.Context, fanID string, percent float64) error
	// TemperatureSensorIDs lists sensors that report degrees Celsius.
	TemperatureSensorIDs(ctx context.Context) ([]string, error)
	ReadTemperature(ctx context.Context, sensorID string) (float64, error)
	Close() error
}

// FanSample is a single raw fan reading.
type FanSample struct {
	RPM          int
	SpeedPercent float64
}

package telemetry

import "codeberg.org/mutker/thermalctl/internal/errors"

const (
	ErrSourceClosed   = errors.ErrorCode("telemetry_source_closed")
	ErrInjectedFailed = errors.ErrorCode("telemetry_injected_failure")
)

// Op names a Source operation for failure injection.
type Op string

const (
	OpListFans    Op = "list_fans"
	OpReadFan     Op = "read_fan"
	OpSetFan      Op = "set_fan"
	OpListSensors Op = "list_sensors"
	OpReadTemp    Op = "read_temperature"
)

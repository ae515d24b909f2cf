package control

import "codeberg.org/mutker/thermalctl/internal/errors"

const (
	ErrEmergencyActive = errors.ErrorCode("control_emergency_active")
)

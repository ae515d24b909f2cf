package fan

import "codeberg.org/mutker/thermalctl/internal/errors"

const (
	ErrRestoreFailed = errors.ErrorCode("fan_restore_failed")
	ErrTestAborted   = errors.ErrorCode("fan_test_aborted")
)

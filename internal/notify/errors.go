package notify

import "codeberg.org/mutker/thermalctl/internal/errors"

const (
	ErrMissingConfig      errors.ErrorCode = "notify_missing_config"
	ErrUnsupportedChannel errors.ErrorCode = "notify_unsupported_channel"
	ErrDeliveryFailed     errors.ErrorCode = "notify_delivery_failed"
	ErrConnectFailed      errors.ErrorCode = "notify_connect_failed"
)

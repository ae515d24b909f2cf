package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Domain errors shared by every engine
	ErrValidation       ErrorCode = "validation_failed"
	ErrNotFound         ErrorCode = "resource_not_found"
	ErrInsufficientData ErrorCode = "insufficient_data"
	ErrActuation        ErrorCode = "actuation_failed"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrNotRunning     ErrorCode = "not_running"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrUnavailable:      "Service unavailable",
	ErrValidation:       "Validation failed",
	ErrNotFound:         "Resource not found",
	ErrInsufficientData: "Insufficient data",
	ErrActuation:        "Actuation command failed",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read config file",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrAlreadyRunning:   "Already running",
	ErrNotRunning:       "Not running",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

package config

import "fmt"

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
	argsSet    bool
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "THERMALCTL"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs parses the given command line arguments instead of os.Args
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		o.argsSet = true
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// ValidationError represents a configuration validation error
type ValidationError interface {
	error
	// Field returns the name of the invalid field
	Field() string
	// Value returns the invalid value
	Value() interface{}
	// Reason returns why the value is invalid
	Reason() string
}

type fieldError struct {
	field  string
	value  interface{}
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s=%v: %s", e.field, e.value, e.reason)
}

func (e *fieldError) Field() string      { return e.field }
func (e *fieldError) Value() interface{} { return e.value }
func (e *fieldError) Reason() string     { return e.reason }

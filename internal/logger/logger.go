package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the global logger for the given level name
func Init(level string, isService bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	SetLogLevel(lvl)

	return nil
}

// ParseLevel maps a configured level name onto a LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

type zlogger struct {
	base *zerolog.Logger
}

// Default returns a Logger writing through the global logger
func Default() Logger {
	return &zlogger{}
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	l := zerolog.New(io.Discard)
	return &zlogger{base: &l}
}

func (z *zlogger) logger() *zerolog.Logger {
	if z.base != nil {
		return z.base
	}
	return &log
}

func (z *zlogger) Debug() *LogEvent { return &LogEvent{z.logger().Debug()} }
func (z *zlogger) Info() *LogEvent  { return &LogEvent{z.logger().Info()} }
func (z *zlogger) Warn() *LogEvent  { return &LogEvent{z.logger().Warn()} }
func (z *zlogger) Error() *LogEvent { return &LogEvent{z.logger().Error()} }

func (z *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(z.logger().Error(), err)
}

// With returns a child Logger tagging every event with the component name
func (z *zlogger) With(component string) Logger {
	child := z.logger().With().Str("component", component).Logger()
	return &zlogger{base: &child}
}

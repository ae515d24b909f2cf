package logger_test

import (
	"testing"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DebugLevel,
		"INFO":    logger.InfoLevel,
		"":        logger.InfoLevel,
		"warning": logger.WarnLevel,
		"error":   logger.ErrorLevel,
	}
	for in, want := range cases {
		got, err := logger.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logger.ParseLevel("loud")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := logger.Nop().With("test")
	l.Info().Str("k", "v").Msg("hello")
	l.ErrorWithCode(errors.New().New(errors.ErrActuation)).Msg("boom")
}

package gpu

import (
	"testing"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFanID(t *testing.T) {
	ref, err := parseFanID("gpu1-fan2")
	require.NoError(t, err)
	assert.Equal(t, fanRef{device: 1, fan: 2}, ref)
	assert.Equal(t, "gpu1-fan2", ref.String())

	_, err = parseFanID("cpu0")
	assert.True(t, errors.HasCode(err, ErrInvalidFanID))
}

func TestParseSensorID(t *testing.T) {
	d, err := parseSensorID(sensorID(3))
	require.NoError(t, err)
	assert.Equal(t, 3, d)

	_, err = parseSensorID("fan0")
	assert.True(t, errors.HasCode(err, errors.ErrNotFound))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 30, clamp(10, 30, 100))
	assert.Equal(t, 100, clamp(120, 30, 100))
	assert.Equal(t, 55, clamp(55, 30, 100))
}

func TestLookupFanOutOfRange(t *testing.T) {
	s := &Source{}
	_, _, err := s.lookupFan("gpu0-fan0")
	assert.True(t, errors.HasCode(err, errors.ErrNotFound))
}

func TestFanSpeedLimits(t *testing.T) {
	s := &Source{devices: []device{{fans: &fanController{count: 2, limits: FanSpeedLimits{Min: 30, Max: 100}}}}}

	limits, err := s.FanSpeedLimits("gpu0-fan1")
	require.NoError(t, err)
	assert.Equal(t, FanSpeedLimits{Min: 30, Max: 100}, limits)

	_, err = s.FanSpeedLimits("gpu1-fan0")
	assert.True(t, errors.HasCode(err, errors.ErrNotFound))
}

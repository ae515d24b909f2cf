package curve_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/curve"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePoint() curve.Curve {
	return curve.Curve{
		Name: "default",
		Points: []curve.Point{
			{Temperature: 40, SpeedPercent: 20},
			{Temperature: 60, SpeedPercent: 50},
			{Temperature: 80, SpeedPercent: 100},
		},
	}
}

func TestSpeedFor(t *testing.T) {
	c := threePoint()

	tests := []struct {
		temp float64
		want float64
	}{
		{30, 20},
		{40, 20},
		{50, 35},
		{60, 50},
		{70, 75},
		{80, 100},
		{90, 100},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.SpeedFor(tt.temp), 0.1, "temperature %.1f", tt.temp)
	}
}

func TestSpeedForEmptyCurve(t *testing.T) {
	assert.InDelta(t, curve.DefaultSpeed, curve.Curve{}.SpeedFor(70), 1e-9)
}

func TestValidate(t *testing.T) {
	require.NoError(t, threePoint().Validate())

	unsorted := threePoint()
	unsorted.Points[0], unsorted.Points[2] = unsorted.Points[2], unsorted.Points[0]
	assert.True(t, errors.HasCode(unsorted.Validate(), errors.ErrValidation))

	tooFast := threePoint()
	tooFast.Points[2].SpeedPercent = 120
	assert.True(t, errors.HasCode(tooFast.Validate(), errors.ErrValidation))
}

func TestOptimize(t *testing.T) {
	_, err := curve.Optimize("x", []float64{40, 50, 60}, time.Now())
	assert.True(t, errors.HasCode(err, errors.ErrInsufficientData))

	temps := []float64{50, 40, 45, 60, 55, 90, 70, 65, 80, 75}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := curve.Optimize("derived", temps, now)
	require.NoError(t, err)
	require.Len(t, c.Points, 5)

	wantTemps := []float64{40, 55, 70, 80, 90}
	wantSpeeds := []float64{20, 30, 50, 75, 100}
	for i, p := range c.Points {
		assert.InDelta(t, wantTemps[i], p.Temperature, 1e-9)
		assert.InDelta(t, wantSpeeds[i], p.SpeedPercent, 1e-9)
	}
	assert.Equal(t, now, c.CreatedAt)
	require.NoError(t, c.Validate())
}

func TestFollowerHysteresis(t *testing.T) {
	c := threePoint()
	c.Hysteresis = 2
	f := curve.NewFollower(c)

	assert.InDelta(t, 35.0, f.SpeedFor(50), 0.01)
	// inside the deadband the speed holds
	assert.InDelta(t, 35.0, f.SpeedFor(51.5), 0.01)
	assert.InDelta(t, 35.0, f.SpeedFor(48.5), 0.01)
	// leaving it re-evaluates
	assert.InDelta(t, 39.5, f.SpeedFor(53), 0.01)
	assert.InDelta(t, 39.5, f.SpeedFor(52), 0.01)
}

func TestFollowerWithoutHysteresis(t *testing.T) {
	f := curve.NewFollower(threePoint())

	assert.InDelta(t, 35.0, f.SpeedFor(50), 0.01)
	assert.InDelta(t, 36.5, f.SpeedFor(51), 0.01)
}

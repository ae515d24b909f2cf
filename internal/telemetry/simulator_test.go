package telemetry_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSimulator() *telemetry.Simulator {
	cfg := telemetry.DefaultSimulatorConfig()
	cfg.Dynamic = false
	return telemetry.NewSimulator(cfg)
}

func TestSimulatorFanReadback(t *testing.T) {
	ctx := context.Background()
	sim := staticSimulator()

	ids, err := sim.FanIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fan0", "fan1"}, ids)

	require.NoError(t, sim.SetFanSpeed(ctx, "fan0", 40))

	sample, err := sim.ReadFan(ctx, "fan0")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, sample.SpeedPercent, 0.001)
	assert.Equal(t, 1200, sample.RPM)

	sim.Stall("fan0", true)
	sample, err = sim.ReadFan(ctx, "fan0")
	require.NoError(t, err)
	assert.Equal(t, 0, sample.RPM)

	_, err = sim.ReadFan(ctx, "nope")
	assert.True(t, errors.HasCode(err, errors.ErrNotFound))
}

func TestSimulatorFailureInjection(t *testing.T) {
	ctx := context.Background()
	sim := staticSimulator()

	sim.Fail(telemetry.OpSetFan, "fan1", fmt.Errorf("bus timeout"))

	require.NoError(t, sim.SetFanSpeed(ctx, "fan0", 60))
	err := sim.SetFanSpeed(ctx, "fan1", 60)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrActuation))

	sim.Fail(telemetry.OpSetFan, "fan1", nil)
	require.NoError(t, sim.SetFanSpeed(ctx, "fan1", 60))

	sim.Fail(telemetry.OpReadTemp, "", fmt.Errorf("sensor bus down"))
	_, err = sim.ReadTemperature(ctx, "cpu0")
	assert.True(t, errors.HasCode(err, telemetry.ErrInjectedFailed))
}

func TestSimulatorThermalModel(t *testing.T) {
	ctx := context.Background()
	sim := telemetry.NewSimulator(telemetry.DefaultSimulatorConfig())

	for _, id := range []string{"fan0", "fan1"} {
		require.NoError(t, sim.SetFanSpeed(ctx, id, 100))
	}

	var last float64
	for i := 0; i < 30; i++ {
		v, err := sim.ReadTemperature(ctx, "cpu0")
		require.NoError(t, err)
		last = v
	}

	// ambient 30 + load 60 - cooling 45
	assert.InDelta(t, 45.0, last, 0.5)
}

func TestSimulatorClosed(t *testing.T) {
	sim := staticSimulator()
	require.NoError(t, sim.Close())

	_, err := sim.FanIDs(context.Background())
	assert.True(t, errors.HasCode(err, telemetry.ErrSourceClosed))
}

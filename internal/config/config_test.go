package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "thermalctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
simulate = true

[control]
target_temperature = 70
min_fan_speed = 25
max_fan_speed = 95
control_interval_seconds = 5
strategy = "aggressive"

[monitoring]
data_retention_hours = 48

[alerts]
alert_retention_days = 7

[metrics]
enabled = true
db_path = "/tmp/thermalctl.db"
`)
	t.Setenv("THERMALCTL_CONFIG", path)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Simulate)
	assert.InDelta(t, 70.0, cfg.Control.TargetTemperature, 0.001)
	assert.InDelta(t, 25.0, cfg.Control.MinFanSpeed, 0.001)
	assert.InDelta(t, 95.0, cfg.Control.MaxFanSpeed, 0.001)
	assert.Equal(t, 5, cfg.Control.ControlIntervalSeconds)
	assert.Equal(t, "aggressive", cfg.Control.Strategy)
	assert.Equal(t, 48, cfg.Monitoring.DataRetentionHours)
	assert.Equal(t, 7, cfg.Alerts.AlertRetentionDays)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/tmp/thermalctl.db", cfg.Metrics.DBPath)
	assert.Equal(t, path, cfg.ConfigFile())

	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Monitoring.TemperatureIntervalSeconds)
	assert.Equal(t, 3000, cfg.Fans.SettleDelayMs)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("THERMALCTL_CONFIG", "")

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.InDelta(t, 65.0, cfg.Control.TargetTemperature, 0.001)
	assert.InDelta(t, 20.0, cfg.Control.MinFanSpeed, 0.001)
	assert.InDelta(t, 90.0, cfg.Control.MaxFanSpeed, 0.001)
	assert.Equal(t, 15, cfg.Control.ControlIntervalSeconds)
	assert.Equal(t, "balanced", cfg.Control.Strategy)
	assert.Equal(t, 24, cfg.Monitoring.DataRetentionHours)
	assert.Equal(t, 30, cfg.Alerts.AlertRetentionDays)
	assert.Equal(t, 10000, cfg.Alerts.MaxHistory)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("THERMALCTL_CONFIG", "")
	t.Setenv("THERMALCTL_CONTROL_TARGET_TEMPERATURE", "72.5")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)
	assert.InDelta(t, 72.5, cfg.Control.TargetTemperature, 0.001)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("FANCTL_CONFIG", "")
	t.Setenv("FANCTL_CONTROL_TARGET_TEMPERATURE", "58")
	t.Setenv("THERMALCTL_CONTROL_TARGET_TEMPERATURE", "72.5")

	cfg, err := config.Load(config.WithArgs(nil), config.WithEnvPrefix("FANCTL"))
	require.NoError(t, err)
	assert.InDelta(t, 58.0, cfg.Control.TargetTemperature, 1e-9)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("THERMALCTL_CONFIG", path)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)
	t.Setenv("THERMALCTL_CONFIG", path)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_log_level")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestLogLevelFlag(t *testing.T) {
	t.Setenv("THERMALCTL_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--log-level", "debug", "--simulate"}))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Simulate)
}

func TestUnknownFlag(t *testing.T) {
	_, err := config.Load(config.WithArgs([]string{"--no-such-flag"}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestValidate(t *testing.T) {
	t.Setenv("THERMALCTL_CONFIG", "")

	base := func() *config.Config {
		cfg, err := config.Load(config.WithArgs(nil))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"min above max", func(c *config.Config) { c.Control.MinFanSpeed = 95 }, "control.min_fan_speed"},
		{"max out of range", func(c *config.Config) { c.Control.MaxFanSpeed = 120 }, "control.max_fan_speed"},
		{"zero control interval", func(c *config.Config) { c.Control.ControlIntervalSeconds = 0 }, "control.control_interval_seconds"},
		{"negative gain", func(c *config.Config) { c.Control.PidKi = -1 }, "control.pid"},
		{"zero retention", func(c *config.Config) { c.Monitoring.DataRetentionHours = 0 }, "monitoring.data_retention_hours"},
		{"tiny alert history", func(c *config.Config) { c.Alerts.MaxHistory = 1 }, "alerts.max_history"},
		{"metrics without path", func(c *config.Config) { c.Metrics.Enabled = true; c.Metrics.DBPath = "" }, "metrics.db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

			var verr config.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field())
		})
	}
}

func TestValidateControl(t *testing.T) {
	err := config.ValidateControl(config.ControlConfig{
		TargetTemperature:      65,
		MinFanSpeed:            20,
		MaxFanSpeed:            90,
		ControlIntervalSeconds: 15,
	})
	require.NoError(t, err)

	err = config.ValidateControl(config.ControlConfig{
		TargetTemperature:      65,
		MinFanSpeed:            20,
		MaxFanSpeed:            90,
		ControlIntervalSeconds: -1,
	})
	require.Error(t, err)
}

func TestWatchWithoutFile(t *testing.T) {
	t.Setenv("THERMALCTL_CONFIG", "")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	err = cfg.Watch(context.Background(), func(*config.Config) {}, nil)
	require.Error(t, err)
}

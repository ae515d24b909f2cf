package config

import "codeberg.org/mutker/thermalctl/internal/errors"

// Validate checks bounds and intervals and returns an invalid_configuration
// error describing the first offending field.
func (c *Config) Validate() error {
	for _, validate := range []func() *fieldError{
		c.validateControl,
		c.validateMonitoring,
		c.validateAlerts,
		c.validateFans,
		c.validateMetrics,
		c.validateLogLevel,
	} {
		if ferr := validate(); ferr != nil {
			return errors.New().Wrap(errors.ErrInvalidConfig, ferr)
		}
	}

	return nil
}

// ValidateControl validates a control section in isolation, used when
// control settings are replaced at runtime.
func ValidateControl(cc ControlConfig) error {
	c := &Config{Control: cc}
	if ferr := c.validateControl(); ferr != nil {
		return errors.New().Wrap(errors.ErrInvalidConfig, ferr)
	}
	return nil
}

func (c *Config) validateControl() *fieldError {
	cc := c.Control
	switch {
	case cc.MinFanSpeed < 0 || cc.MinFanSpeed > 100:
		return &fieldError{"control.min_fan_speed", cc.MinFanSpeed, "must be within [0,100]"}
	case cc.MaxFanSpeed < 0 || cc.MaxFanSpeed > 100:
		return &fieldError{"control.max_fan_speed", cc.MaxFanSpeed, "must be within [0,100]"}
	case cc.MinFanSpeed > cc.MaxFanSpeed:
		return &fieldError{"control.min_fan_speed", cc.MinFanSpeed, "must not exceed max_fan_speed"}
	case cc.ControlIntervalSeconds <= 0:
		return &fieldError{"control.control_interval_seconds", cc.ControlIntervalSeconds, "must be positive"}
	case cc.TargetTemperature <= 0 || cc.TargetTemperature > 120:
		return &fieldError{"control.target_temperature", cc.TargetTemperature, "must be within (0,120]"}
	case cc.PidKp < 0 || cc.PidKi < 0 || cc.PidKd < 0:
		return &fieldError{"control.pid", []float64{cc.PidKp, cc.PidKi, cc.PidKd}, "gains must not be negative"}
	}
	return nil
}

func (c *Config) validateMonitoring() *fieldError {
	m := c.Monitoring
	intervals := map[string]int{
		"monitoring.temperature_interval_seconds": m.TemperatureIntervalSeconds,
		"monitoring.fan_interval_seconds":         m.FanIntervalSeconds,
		"monitoring.sensor_interval_seconds":      m.SensorIntervalSeconds,
		"monitoring.health_interval_seconds":      m.HealthIntervalSeconds,
		"monitoring.performance_interval_seconds": m.PerformanceIntervalSeconds,
		"monitoring.cleanup_interval_seconds":     m.CleanupIntervalSeconds,
	}
	for field, v := range intervals {
		if v <= 0 {
			return &fieldError{field, v, "must be positive"}
		}
	}
	if m.DataRetentionHours <= 0 {
		return &fieldError{"monitoring.data_retention_hours", m.DataRetentionHours, "must be positive"}
	}
	return nil
}

func (c *Config) validateAlerts() *fieldError {
	a := c.Alerts
	switch {
	case a.AlertRetentionDays <= 0:
		return &fieldError{"alerts.alert_retention_days", a.AlertRetentionDays, "must be positive"}
	case a.MaxHistory < 10:
		return &fieldError{"alerts.max_history", a.MaxHistory, "must be at least 10"}
	case a.CheckIntervalSeconds <= 0:
		return &fieldError{"alerts.check_interval_seconds", a.CheckIntervalSeconds, "must be positive"}
	case a.CleanupIntervalSeconds <= 0:
		return &fieldError{"alerts.cleanup_interval_seconds", a.CleanupIntervalSeconds, "must be positive"}
	case a.WebhookTimeoutSeconds <= 0:
		return &fieldError{"alerts.webhook_timeout_seconds", a.WebhookTimeoutSeconds, "must be positive"}
	}
	return nil
}

func (c *Config) validateFans() *fieldError {
	if c.Fans.PollIntervalSeconds <= 0 {
		return &fieldError{"fans.poll_interval_seconds", c.Fans.PollIntervalSeconds, "must be positive"}
	}
	if c.Fans.SettleDelayMs < 0 {
		return &fieldError{"fans.settle_delay_ms", c.Fans.SettleDelayMs, "must not be negative"}
	}
	return nil
}

func (c *Config) validateMetrics() *fieldError {
	if c.Metrics.Enabled && c.Metrics.DBPath == "" {
		return &fieldError{"metrics.db_path", c.Metrics.DBPath, "required when metrics are enabled"}
	}
	return nil
}

func (c *Config) validateLogLevel() *fieldError {
	level := LogLevel(c.LogLevel)
	if level == "warn" {
		return nil
	}
	if !level.IsValid() {
		return &fieldError{"log_level", c.LogLevel, "invalid_log_level"}
	}
	return nil
}

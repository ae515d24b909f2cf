package config

import "github.com/spf13/viper"

const (
	DefaultLogLevel   = "info"
	DefaultEnvPrefix  = "THERMALCTL"
	DefaultConfigName = "thermalctl"
	DefaultConfigDir  = "/etc"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("simulate", false)

	v.SetDefault("control.target_temperature", 65.0)
	v.SetDefault("control.min_fan_speed", 20.0)
	v.SetDefault("control.max_fan_speed", 90.0)
	v.SetDefault("control.control_interval_seconds", 15)
	v.SetDefault("control.pid_kp", 1.0)
	v.SetDefault("control.pid_ki", 0.2)
	v.SetDefault("control.pid_kd", 0.1)
	v.SetDefault("control.strategy", "balanced")
	v.SetDefault("control.performance_interval_seconds", 60)

	v.SetDefault("monitoring.temperature_interval_seconds", 5)
	v.SetDefault("monitoring.fan_interval_seconds", 5)
	v.SetDefault("monitoring.sensor_interval_seconds", 10)
	v.SetDefault("monitoring.health_interval_seconds", 30)
	v.SetDefault("monitoring.performance_interval_seconds", 60)
	v.SetDefault("monitoring.cleanup_interval_seconds", 3600)
	v.SetDefault("monitoring.data_retention_hours", 24)

	v.SetDefault("alerts.alert_retention_days", 30)
	v.SetDefault("alerts.max_history", 10000)
	v.SetDefault("alerts.check_interval_seconds", 60)
	v.SetDefault("alerts.cleanup_interval_seconds", 3600)
	v.SetDefault("alerts.default_rules", true)
	v.SetDefault("alerts.nats_url", "")
	v.SetDefault("alerts.webhook_timeout_seconds", 10)

	v.SetDefault("fans.poll_interval_seconds", 5)
	v.SetDefault("fans.settle_delay_ms", 3000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", "/var/lib/thermalctl/metrics.db")
	v.SetDefault("metrics.batch_size", 10)
	v.SetDefault("metrics.batch_timeout", 60)

	v.SetDefault("api.addr", "127.0.0.1:8087")
}

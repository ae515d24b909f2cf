package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ControlConfig holds the feedback control tunables.
type ControlConfig struct {
	TargetTemperature          float64 `mapstructure:"target_temperature"`
	MinFanSpeed                float64 `mapstructure:"min_fan_speed"`
	MaxFanSpeed                float64 `mapstructure:"max_fan_speed"`
	ControlIntervalSeconds     int     `mapstructure:"control_interval_seconds"`
	PidKp                      float64 `mapstructure:"pid_kp"`
	PidKi                      float64 `mapstructure:"pid_ki"`
	PidKd                      float64 `mapstructure:"pid_kd"`
	Strategy                   string  `mapstructure:"strategy"`
	PerformanceIntervalSeconds int     `mapstructure:"performance_interval_seconds"`
}

type MonitoringConfig struct {
	TemperatureIntervalSeconds int `mapstructure:"temperature_interval_seconds"`
	FanIntervalSeconds         int `mapstructure:"fan_interval_seconds"`
	SensorIntervalSeconds      int `mapstructure:"sensor_interval_seconds"`
	HealthIntervalSeconds      int `mapstructure:"health_interval_seconds"`
	PerformanceIntervalSeconds int `mapstructure:"performance_interval_seconds"`
	CleanupIntervalSeconds     int `mapstructure:"cleanup_interval_seconds"`
	DataRetentionHours         int `mapstructure:"data_retention_hours"`
}

type AlertConfig struct {
	AlertRetentionDays     int    `mapstructure:"alert_retention_days"`
	MaxHistory             int    `mapstructure:"max_history"`
	CheckIntervalSeconds   int    `mapstructure:"check_interval_seconds"`
	CleanupIntervalSeconds int    `mapstructure:"cleanup_interval_seconds"`
	DefaultRules           bool   `mapstructure:"default_rules"`
	NATSURL                string `mapstructure:"nats_url"`
	WebhookTimeoutSeconds  int    `mapstructure:"webhook_timeout_seconds"`
}

type FansConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	SettleDelayMs       int `mapstructure:"settle_delay_ms"`
}

type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DBPath       string `mapstructure:"db_path"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Control    ControlConfig    `mapstructure:"control"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerts     AlertConfig      `mapstructure:"alerts"`
	Fans       FansConfig       `mapstructure:"fans"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	API        APIConfig        `mapstructure:"api"`
	LogLevel   string           `mapstructure:"log_level"`
	Simulate   bool             `mapstructure:"simulate"`

	v  *viper.Viper
	mu sync.Mutex
}

// Load reads defaults, the optional TOML file, environment and flags, in
// that order of precedence, and validates the result.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if f := flags.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(DefaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("thermalctl", pflag.ContinueOnError)
	flags.String("config", "", "Path to configuration file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("simulate", false, "Use the simulated telemetry source instead of NVML")
	flags.String("addr", "", "HTTP API listen address")
	flags.Float64("target-temperature", 0, "Control setpoint in °C")
	flags.Int("interval", 0, "Control interval in seconds")

	return flags
}

var flagKeys = map[string]string{
	"log-level":          "log_level",
	"simulate":           "simulate",
	"addr":               "api.addr",
	"target-temperature": "control.target_temperature",
	"interval":           "control.control_interval_seconds",
}

// bindFlags only binds flags that were explicitly set so that defaults of the
// flag set never shadow file or environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})

	return bindErr
}

// ConfigFile returns the file the configuration was read from, if any
func (c *Config) ConfigFile() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// ControlInterval returns the control tick period
func (c *Config) ControlInterval() time.Duration {
	return time.Duration(c.Control.ControlIntervalSeconds) * time.Second
}

// DataRetention returns the telemetry retention horizon
func (c *Config) DataRetention() time.Duration {
	return time.Duration(c.Monitoring.DataRetentionHours) * time.Hour
}

// AlertRetention returns the alert history retention horizon
func (c *Config) AlertRetention() time.Duration {
	return time.Duration(c.Alerts.AlertRetentionDays) * 24 * time.Hour
}

// Watch reloads the configuration file on change and hands every valid
// reload to callback. Invalid reloads are reported through onError and
// otherwise ignored.
func (c *Config) Watch(ctx context.Context, callback func(*Config), onError func(error)) error {
	if c.ConfigFile() == "" {
		return errors.New().WithMessage(errors.ErrReadConfig, "no configuration file to watch")
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		next := &Config{v: c.v}
		if err := c.v.Unmarshal(next); err != nil {
			if onError != nil {
				onError(errors.New().Wrap(errors.ErrReadConfig, err))
			}
			return
		}
		if err := next.Validate(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(next)
	})
	c.v.WatchConfig()

	return nil
}

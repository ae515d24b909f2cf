package control

import (
	"time"

	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/pid"
)

type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
	StrategyCustom       Strategy = "custom"
)

// Settings is the process wide control configuration read by every tick.
type Settings struct {
	TargetTemperature      float64  `json:"target_temperature"`
	MinFanSpeed            float64  `json:"min_fan_speed"`
	MaxFanSpeed            float64  `json:"max_fan_speed"`
	ControlIntervalSeconds int      `json:"control_interval_seconds"`
	Kp                     float64  `json:"pid_kp"`
	Ki                     float64  `json:"pid_ki"`
	Kd                     float64  `json:"pid_kd"`
	Strategy               Strategy `json:"current_strategy,omitempty"`
}

// SettingsFromConfig converts the control section of the daemon config.
func SettingsFromConfig(c config.ControlConfig) Settings {
	return Settings{
		TargetTemperature:      c.TargetTemperature,
		MinFanSpeed:            c.MinFanSpeed,
		MaxFanSpeed:            c.MaxFanSpeed,
		ControlIntervalSeconds: c.ControlIntervalSeconds,
		Kp:                     c.PidKp,
		Ki:                     c.PidKi,
		Kd:                     c.PidKd,
		Strategy:               Strategy(c.Strategy),
	}
}

func (s Settings) Validate() error {
	return config.ValidateControl(config.ControlConfig{
		TargetTemperature:      s.TargetTemperature,
		MinFanSpeed:            s.MinFanSpeed,
		MaxFanSpeed:            s.MaxFanSpeed,
		ControlIntervalSeconds: s.ControlIntervalSeconds,
		PidKp:                  s.Kp,
		PidKi:                  s.Ki,
		PidKd:                  s.Kd,
		Strategy:               string(s.Strategy),
	})
}

func (s Settings) Interval() time.Duration {
	return time.Duration(s.ControlIntervalSeconds) * time.Second
}

// Overrides carries the caller supplied fields of a custom strategy. Nil
// fields keep their current value.
type Overrides struct {
	TargetTemperature      *float64 `json:"target_temperature,omitempty"`
	MinFanSpeed            *float64 `json:"min_fan_speed,omitempty"`
	MaxFanSpeed            *float64 `json:"max_fan_speed,omitempty"`
	ControlIntervalSeconds *int     `json:"control_interval_seconds,omitempty"`
	Kp                     *float64 `json:"pid_kp,omitempty"`
	Ki                     *float64 `json:"pid_ki,omitempty"`
	Kd                     *float64 `json:"pid_kd,omitempty"`
}

type ActionType string

const (
	ActionManual                ActionType = "manual"
	ActionAutomatic             ActionType = "automatic"
	ActionEmergency             ActionType = "emergency"
	ActionParameterOptimization ActionType = "parameter_optimization"
)

type Action struct {
	ID              string     `json:"id"`
	Timestamp       time.Time  `json:"timestamp"`
	ActionType      ActionType `json:"action_type"`
	TargetComponent string     `json:"target_component"`
	PreviousValue   float64    `json:"previous_value"`
	NewValue        float64    `json:"new_value"`
	Reason          string     `json:"reason"`
	Success         bool       `json:"success"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Optimization holds the indicators derived from the action history and
// the gains recommended from them.
type Optimization struct {
	Current             Gains     `json:"current"`
	Recommended         Gains     `json:"recommended"`
	Overshoot           float64   `json:"overshoot"`
	SettlingSeconds     float64   `json:"settling_seconds"`
	Oscillation         float64   `json:"oscillation"`
	ImprovementEstimate float64   `json:"improvement_estimate"`
	Samples             int       `json:"samples"`
	Recommendations     []string  `json:"recommendations"`
	ComputedAt          time.Time `json:"computed_at"`
}

type PerformanceMetrics struct {
	AverageTemperature float64   `json:"average_temperature"`
	MaxTemperature     float64   `json:"max_temperature"`
	AverageFanSpeed    float64   `json:"average_fan_speed"`
	SuccessRate        float64   `json:"success_rate"`
	ActionsConsidered  int       `json:"actions_considered"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Status struct {
	Enabled     bool                 `json:"enabled"`
	Emergency   bool                 `json:"emergency"`
	Settings    Settings             `json:"settings"`
	Controllers map[string]pid.State `json:"controllers"`
	LastCycle   time.Time            `json:"last_cycle,omitempty"`
	Cycles      uint64               `json:"cycles"`
	Performance PerformanceMetrics   `json:"performance"`
}

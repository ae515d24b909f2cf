package control

import "codeberg.org/mutker/thermalctl/internal/errors"

var presets = map[Strategy]Settings{
	StrategyConservative: {
		TargetTemperature:      60,
		MaxFanSpeed:            80,
		ControlIntervalSeconds: 30,
		Kp:                     0.5,
		Ki:                     0.1,
		Kd:                     0.05,
	},
	StrategyBalanced: {
		TargetTemperature:      65,
		MaxFanSpeed:            90,
		ControlIntervalSeconds: 15,
		Kp:                     1.0,
		Ki:                     0.2,
		Kd:                     0.1,
	},
	StrategyAggressive: {
		TargetTemperature:      70,
		MaxFanSpeed:            100,
		ControlIntervalSeconds: 5,
		Kp:                     2.0,
		Ki:                     0.5,
		Kd:                     0.2,
	},
}

// resolveStrategy computes the settings a strategy would install on top of
// current. Presets keep the current minimum fan speed.
func resolveStrategy(current Settings, strategy Strategy, o *Overrides) (Settings, error) {
	if strategy == StrategyCustom {
		next := current
		next.Strategy = StrategyCustom
		if o != nil {
			o.apply(&next)
		}
		return next, nil
	}

	preset, ok := presets[strategy]
	if !ok {
		return Settings{}, errors.New().WithData(errors.ErrValidation, "unknown strategy "+string(strategy))
	}

	preset.MinFanSpeed = min(current.MinFanSpeed, preset.MaxFanSpeed)
	preset.Strategy = strategy

	return preset, nil
}

func (o *Overrides) apply(s *Settings) {
	if o.TargetTemperature != nil {
		s.TargetTemperature = *o.TargetTemperature
	}
	if o.MinFanSpeed != nil {
		s.MinFanSpeed = *o.MinFanSpeed
	}
	if o.MaxFanSpeed != nil {
		s.MaxFanSpeed = *o.MaxFanSpeed
	}
	if o.ControlIntervalSeconds != nil {
		s.ControlIntervalSeconds = *o.ControlIntervalSeconds
	}
	if o.Kp != nil {
		s.Kp = *o.Kp
	}
	if o.Ki != nil {
		s.Ki = *o.Ki
	}
	if o.Kd != nil {
		s.Kd = *o.Kd
	}
}

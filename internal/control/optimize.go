package control

import (
	"fmt"
	"math"
	"sort"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

const (
	// MinOptimizationActions is the history needed before tuning.
	MinOptimizationActions = 10

	overshootLimit   = 0.2
	settlingLimit    = 300.0
	oscillationLimit = 0.15
	settleDelta      = 5.0
	maxImprovement   = 20.0
)

// OptimizeControlParameters derives overshoot, settling time and
// oscillation indicators from the action history and recommends adjusted
// gains. Nothing is applied.
func (s *Supervisor) OptimizeControlParameters() (Optimization, error) {
	actions := s.Actions(0)
	if len(actions) < MinOptimizationActions {
		return Optimization{}, errors.New().WithData(errors.ErrInsufficientData,
			fmt.Sprintf("need %d control actions, have %d", MinOptimizationActions, len(actions)))
	}

	settings := s.Settings()
	current := Gains{Kp: settings.Kp, Ki: settings.Ki, Kd: settings.Kd}

	overshoot, settling, oscillation := analyze(actions)

	o := Optimization{
		Current:         current,
		Recommended:     current,
		Overshoot:       overshoot,
		SettlingSeconds: settling,
		Oscillation:     oscillation,
		Samples:         len(actions),
		ComputedAt:      s.now(),
	}

	if overshoot > overshootLimit {
		o.Recommended.Kp *= 0.9
		o.ImprovementEstimate += overshoot * 25
		o.Recommendations = append(o.Recommendations,
			fmt.Sprintf("overshoot %.2f: reduce kp by 10%%", overshoot))
	}
	if settling > settlingLimit {
		o.Recommended.Ki *= 1.1
		o.ImprovementEstimate += settling / 60
		o.Recommendations = append(o.Recommendations,
			fmt.Sprintf("settling time %.0fs: increase ki by 10%%", settling))
	}
	if oscillation > oscillationLimit {
		o.Recommended.Kd *= 1.05
		o.ImprovementEstimate += oscillation * 20
		o.Recommendations = append(o.Recommendations,
			fmt.Sprintf("oscillation %.2f: increase kd by 5%%", oscillation))
	}

	o.ImprovementEstimate = math.Min(o.ImprovementEstimate, maxImprovement)
	if len(o.Recommendations) == 0 {
		o.Recommendations = []string{"current parameters are adequate"}
	}

	s.logger.Info().
		Float64("overshoot", overshoot).
		Float64("settling_seconds", settling).
		Float64("oscillation", oscillation).
		Float64("improvement_estimate", o.ImprovementEstimate).
		Msg("Control parameters analysed")

	return o, nil
}

// ApplyOptimizedParameters installs the recommended gains in the settings
// and every live controller.
func (s *Supervisor) ApplyOptimizedParameters(o Optimization) error {
	g := o.Recommended
	if g.Kp < 0 || g.Ki < 0 || g.Kd < 0 || math.IsNaN(g.Kp+g.Ki+g.Kd) {
		return errors.New().WithData(errors.ErrValidation, fmt.Sprintf("invalid gains %.3f/%.3f/%.3f", g.Kp, g.Ki, g.Kd))
	}

	s.cfgMu.Lock()
	previous := Gains{Kp: s.settings.Kp, Ki: s.settings.Ki, Kd: s.settings.Kd}
	s.settings.Kp, s.settings.Ki, s.settings.Kd = g.Kp, g.Ki, g.Kd
	s.settings.Strategy = StrategyCustom
	span := s.settings.MaxFanSpeed - s.settings.MinFanSpeed
	s.cfgMu.Unlock()

	s.stateMu.RLock()
	for _, c := range s.controllers {
		c.SetGains(g.Kp, g.Ki, g.Kd)
		if g.Ki > 0 {
			c.SetIntegralLimit(span / g.Ki)
		}
	}
	live := len(s.controllers)
	s.stateMu.RUnlock()

	s.record(Action{
		ActionType:      ActionParameterOptimization,
		TargetComponent: "pid",
		PreviousValue:   previous.Kp,
		NewValue:        g.Kp,
		Reason: fmt.Sprintf("gains %.3f/%.3f/%.3f -> %.3f/%.3f/%.3f",
			previous.Kp, previous.Ki, previous.Kd, g.Kp, g.Ki, g.Kd),
		Success: true,
	})

	s.logger.Info().Int("controllers", live).Msg("Optimized parameters applied")

	return nil
}

// analyze computes indicators per target from successful speed commands
// and keeps the worst value of each.
func analyze(actions []Action) (overshoot, settling, oscillation float64) {
	series := make(map[string][]Action)
	for _, a := range actions {
		if !a.Success || a.ActionType == ActionParameterOptimization {
			continue
		}
		series[a.TargetComponent] = append(series[a.TargetComponent], a)
	}

	targets := make([]string, 0, len(series))
	for t := range series {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, t := range targets {
		o, st, osc := analyzeSeries(series[t])
		overshoot = math.Max(overshoot, o)
		settling = math.Max(settling, st)
		oscillation = math.Max(oscillation, osc)
	}

	return overshoot, settling, oscillation
}

func analyzeSeries(series []Action) (overshoot, settling, oscillation float64) {
	if len(series) < 2 {
		return 0, 0, 0
	}

	var sum float64
	peak := math.Inf(-1)
	for _, a := range series {
		sum += a.NewValue
		peak = math.Max(peak, a.NewValue)
	}
	mean := sum / float64(len(series))
	overshoot = (peak - mean) / math.Max(mean, 1)

	deltas := make([]float64, 0, len(series)-1)
	lastLarge := -1
	for i := 1; i < len(series); i++ {
		d := series[i].NewValue - series[i-1].NewValue
		deltas = append(deltas, d)
		if math.Abs(d) > settleDelta {
			lastLarge = i
		}
	}
	if lastLarge > 0 {
		settling = series[lastLarge].Timestamp.Sub(series[0].Timestamp).Seconds()
	}

	if len(deltas) > 1 {
		changes := 0
		for i := 1; i < len(deltas); i++ {
			if deltas[i]*deltas[i-1] < 0 {
				changes++
			}
		}
		oscillation = float64(changes) / float64(len(deltas)-1)
	}

	return overshoot, settling, oscillation
}

package alert

import (
	"context"
	"fmt"
	"math"
)

const (
	temperatureEpsilon = 0.1
	rpmEpsilon         = 0.5
	sensorEpsilon      = 1e-3

	temperatureCriticalMargin = 10.0
	temperatureWarningMargin  = 5.0
)

func (c Condition) IsValid() bool {
	switch c {
	case GreaterThan, LessThan, Equals:
		return true
	default:
		return false
	}
}

func (c Condition) holds(value, threshold, epsilon float64) bool {
	switch c {
	case GreaterThan:
		return value > threshold
	case LessThan:
		return value < threshold
	case Equals:
		return math.Abs(value-threshold) <= epsilon
	default:
		return false
	}
}

func (c Condition) symbol() string {
	switch c {
	case GreaterThan:
		return ">"
	case LessThan:
		return "<"
	default:
		return "=="
	}
}

func (t RuleType) IsValid() bool {
	switch t {
	case RuleTemperature, RuleFan, RuleSensor:
		return true
	default:
		return false
	}
}

func (t RuleType) alertType() Type {
	switch t {
	case RuleFan:
		return TypeFan
	case RuleSensor:
		return TypeSensor
	default:
		return TypeTemperature
	}
}

// temperatureSeverity grades how far a reading is past the threshold.
func temperatureSeverity(value, threshold float64) Severity {
	deviation := math.Abs(value - threshold)
	switch {
	case deviation > temperatureCriticalMargin:
		return SeverityCritical
	case deviation > temperatureWarningMargin:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EvaluateTemperature checks a temperature reading in °C against the enabled
// temperature rules.
func (e *Engine) EvaluateTemperature(ctx context.Context, sensorID string, celsius float64) []Alert {
	return e.evaluate(ctx, RuleTemperature, sensorID, celsius, temperatureEpsilon,
		func(r Rule) (Severity, string) {
			sev := maxSeverity(r.Severity, temperatureSeverity(celsius, r.Threshold))
			msg := fmt.Sprintf("%s: temperature %.1f°C %s %.1f°C", r.Name, celsius, r.Condition.symbol(), r.Threshold)
			return sev, msg
		},
		map[string]any{"temperature": celsius},
	)
}

// EvaluateFan checks a fan's rpm against the enabled fan rules. A stopped
// fan that is commanded to spin is always critical.
func (e *Engine) EvaluateFan(ctx context.Context, fanID string, rpm int, speedPercent float64) []Alert {
	return e.evaluate(ctx, RuleFan, fanID, float64(rpm), rpmEpsilon,
		func(r Rule) (Severity, string) {
			if rpm == 0 && speedPercent > 0 {
				return SeverityCritical, fmt.Sprintf("%s: fan stopped at %.0f%% commanded speed", r.Name, speedPercent)
			}
			return r.Severity, fmt.Sprintf("%s: fan speed %d rpm %s %.0f rpm", r.Name, rpm, r.Condition.symbol(), r.Threshold)
		},
		map[string]any{"rpm": rpm, "speed_percent": speedPercent},
	)
}

// EvaluateSensor checks a generic sensor value against the enabled sensor
// rules.
func (e *Engine) EvaluateSensor(ctx context.Context, sensorID string, value float64) []Alert {
	return e.evaluate(ctx, RuleSensor, sensorID, value, sensorEpsilon,
		func(r Rule) (Severity, string) {
			return r.Severity, fmt.Sprintf("%s: sensor value %.3f %s %.3f", r.Name, value, r.Condition.symbol(), r.Threshold)
		},
		map[string]any{"value": value},
	)
}

// evaluate applies every enabled rule of ruleType. A rule that matches while
// an alert for the same rule and source is still open refreshes that alert
// instead of raising another one. Returned alerts are the ones created.
func (e *Engine) evaluate(
	ctx context.Context,
	ruleType RuleType,
	source string,
	value, epsilon float64,
	describe func(Rule) (Severity, string),
	details map[string]any,
) []Alert {
	var created []Alert

	for _, r := range e.enabledRules(ruleType) {
		if !r.Condition.holds(value, r.Threshold, epsilon) {
			continue
		}

		if e.refreshOpen(r.ID, source) {
			continue
		}

		sev, msg := describe(r)
		d := make(map[string]any, len(details)+2)
		for k, v := range details {
			d[k] = v
		}
		d["rule_id"] = r.ID
		d["threshold"] = r.Threshold

		a, err := e.CreateAlert(ctx, NewAlert{
			AlertType: ruleType.alertType(),
			Severity:  sev,
			Source:    source,
			Message:   msg,
			Details:   d,
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", r.ID).Str("source", source).Msg("Failed to raise alert")
			continue
		}

		e.alertsMu.Lock()
		e.open[openKey(r.ID, source)] = a.ID
		e.alertsMu.Unlock()

		created = append(created, a)
	}

	return created
}

func openKey(ruleID, source string) string {
	return ruleID + "|" + source
}

// refreshOpen bumps updated_at on the open alert for rule and source and
// reports whether one existed.
func (e *Engine) refreshOpen(ruleID, source string) bool {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	key := openKey(ruleID, source)
	id, ok := e.open[key]
	if !ok {
		return false
	}

	a, ok := e.active[id]
	if !ok {
		delete(e.open, key)
		return false
	}

	a.UpdatedAt = e.now()
	e.syncHistory(*a)

	return true
}

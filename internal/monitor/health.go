package monitor

import (
	"fmt"
	"sort"

	"codeberg.org/mutker/thermalctl/internal/fan"
)

const (
	healthyScore = 75
	warningScore = 40

	hotTemperature  = 80.0
	warmTemperature = 70.0

	hotPenalty         = 10
	warmPenalty        = 5
	stalledFanPenalty  = 15
	activeAlertPenalty = 5
	maxHealthScore     = 100
)

// ScoreHealth starts from 100 and subtracts a penalty per hot sensor,
// stalled fan and active alert. A sensor above 80°C costs 10 points, one
// above 70°C costs 5. The score is clamped to [0,100].
func ScoreHealth(temps map[string]TemperatureReading, fans map[string]fan.Reading, activeAlerts int) (int, []string) {
	score := maxHealthScore
	var issues []string

	for _, id := range sortedKeys(temps) {
		t := temps[id].Celsius
		switch {
		case t > hotTemperature:
			score -= hotPenalty
			issues = append(issues, fmt.Sprintf("sensor %s at %.1f°C exceeds %.0f°C", id, t, hotTemperature))
		case t > warmTemperature:
			score -= warmPenalty
			issues = append(issues, fmt.Sprintf("sensor %s at %.1f°C exceeds %.0f°C", id, t, warmTemperature))
		}
	}

	for _, id := range sortedKeys(fans) {
		r := fans[id]
		if r.RPM == 0 && r.SpeedPercent > 0 {
			score -= stalledFanPenalty
			issues = append(issues, fmt.Sprintf("fan %s stopped at %.0f%% speed", id, r.SpeedPercent))
		}
	}

	if activeAlerts > 0 {
		score -= activeAlertPenalty * activeAlerts
		issues = append(issues, fmt.Sprintf("%d active alert(s)", activeAlerts))
	}

	return max(0, min(maxHealthScore, score)), issues
}

// StatusForScore maps a score to a health band: 75 and above is healthy,
// 40 and above is warning, anything lower is critical.
func StatusForScore(score int) HealthStatus {
	switch {
	case score >= healthyScore:
		return HealthHealthy
	case score >= warningScore:
		return HealthWarning
	default:
		return HealthCritical
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package alert

import (
	"context"
	"sort"
	"time"
)

// escalationAge returns how long an alert of severity s may stay open
// before it needs escalation. Info alerts never escalate.
func escalationAge(s Severity) (time.Duration, bool) {
	switch s {
	case SeverityCritical:
		return criticalEscalationAge, true
	case SeverityWarning:
		return warningEscalationAge, true
	default:
		return 0, false
	}
}

// NeedsEscalation returns open alerts that have exceeded their escalation
// age. It does not modify them.
func (e *Engine) NeedsEscalation() []Alert {
	now := e.now()

	var out []Alert
	for _, a := range e.Active() {
		age, ok := escalationAge(a.Severity)
		if !ok || now.Sub(a.CreatedAt) <= age {
			continue
		}
		out = append(out, a)
	}

	return out
}

// CheckEscalations escalates every overdue alert once: warnings become
// critical, the alert is marked escalated and channels are notified again.
// Alerts already escalated are skipped.
func (e *Engine) CheckEscalations(ctx context.Context) []Alert {
	var escalated []Alert

	for _, a := range e.NeedsEscalation() {
		if done, _ := a.Details["escalated"].(bool); done {
			continue
		}

		updated, ok := e.escalate(a.ID)
		if !ok {
			continue
		}

		e.logger.Warn().
			Str("alert_id", updated.ID).
			Str("severity", string(updated.Severity)).
			Str("source", updated.Source).
			Dur("age", e.now().Sub(updated.CreatedAt)).
			Msg("Alert escalated")

		e.dispatch(ctx, updated)
		escalated = append(escalated, updated)
	}

	sort.Slice(escalated, func(i, j int) bool { return escalated[i].CreatedAt.Before(escalated[j].CreatedAt) })

	return escalated
}

func (e *Engine) escalate(id string) (Alert, bool) {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	a, ok := e.active[id]
	if !ok {
		return Alert{}, false
	}

	previous := a.Severity
	if a.Severity == SeverityWarning {
		a.Severity = SeverityCritical
	}
	if a.Details == nil {
		a.Details = make(map[string]any)
	}
	a.Details["escalated"] = true
	a.Details["escalated_from"] = string(previous)
	a.UpdatedAt = e.now()
	e.syncHistory(*a)

	return a.clone(), true
}

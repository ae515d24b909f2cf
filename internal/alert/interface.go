package alert

import (
	"context"
	"time"
)

type Type string

const (
	TypeTemperature Type = "temperature"
	TypeFan         Type = "fan"
	TypeSensor      Type = "sensor"
	TypeSystem      Type = "system"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeTemperature, TypeFan, TypeSensor, TypeSystem:
		return true
	default:
		return false
	}
}

// Severity is ordered Info < Warning < Critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

func (s Severity) IsValid() bool {
	return s.rank() > 0
}

// SeverityMeetsThreshold reports whether current is at least threshold.
func SeverityMeetsThreshold(current, threshold Severity) bool {
	return current.rank() >= threshold.rank()
}

func maxSeverity(a, b Severity) Severity {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

type Alert struct {
	ID             string         `json:"id"`
	AlertType      Type           `json:"alert_type"`
	Severity       Severity       `json:"severity"`
	Source         string         `json:"source"`
	Message        string         `json:"message"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func (a Alert) clone() Alert {
	if a.Details != nil {
		details := make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			details[k] = v
		}
		a.Details = details
	}
	return a
}

// NewAlert is the caller supplied part of an alert.
type NewAlert struct {
	AlertType Type           `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

type RuleType string

const (
	RuleTemperature RuleType = "temperature"
	RuleFan         RuleType = "fan"
	RuleSensor      RuleType = "sensor"
)

type Condition string

const (
	GreaterThan Condition = "greater_than"
	LessThan    Condition = "less_than"
	Equals      Condition = "equals"
)

// Rule is evaluated per reading. Duration records how long a condition is
// meant to persist before triggering and is not enforced.
type Rule struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RuleType        RuleType  `json:"rule_type"`
	Condition       Condition `json:"condition"`
	Threshold       float64   `json:"threshold"`
	DurationSeconds int       `json:"duration"`
	Severity        Severity  `json:"severity"`
	Enabled         bool      `json:"enabled"`
}

type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
	ChannelChat    ChannelType = "chat"
	ChannelSMS     ChannelType = "sms"
)

type Channel struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ChannelType     ChannelType       `json:"channel_type"`
	Config          map[string]string `json:"config,omitempty"`
	Enabled         bool              `json:"enabled"`
	SeverityFilter  *Severity         `json:"severity_filter,omitempty"`
	AlertTypeFilter []Type            `json:"alert_type_filter,omitempty"`
}

// accepts reports whether an alert passes the channel's filters.
func (c Channel) accepts(a Alert) bool {
	if !c.Enabled {
		return false
	}
	if c.SeverityFilter != nil && !SeverityMeetsThreshold(a.Severity, *c.SeverityFilter) {
		return false
	}
	if len(c.AlertTypeFilter) == 0 {
		return true
	}
	for _, t := range c.AlertTypeFilter {
		if t == a.AlertType {
			return true
		}
	}
	return false
}

type Statistics struct {
	Total       int       `json:"total"`
	Critical    int       `json:"critical"`
	Warning     int       `json:"warning"`
	Info        int       `json:"info"`
	Resolved    int       `json:"resolved"`
	ActiveCount int       `json:"active_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Filter selects alerts from history. Zero values disable a filter.
type Filter struct {
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	AlertType Type      `json:"alert_type,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Source    string    `json:"source,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

func (f Filter) matches(a Alert) bool {
	switch {
	case !f.Start.IsZero() && a.CreatedAt.Before(f.Start):
		return false
	case !f.End.IsZero() && a.CreatedAt.After(f.End):
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case f.AlertType != "" && a.AlertType != f.AlertType:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	case f.Source != "" && a.Source != f.Source:
		return false
	}
	return true
}

// Notifier delivers an alert through a channel. Implementations treat the
// channel config as opaque key/value pairs.
type Notifier interface {
	Send(ctx context.Context, ch Channel, a Alert) error
}

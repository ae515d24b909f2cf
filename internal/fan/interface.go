package fan

import (
	"fmt"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Reading is one poll of one fan.
type Reading struct {
	FanID        string    `json:"fan_id"`
	RPM          int       `json:"rpm"`
	SpeedPercent float64   `json:"speed_percent"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// Config bounds the speeds a fan may be commanded to.
type Config struct {
	Name                 string   `json:"name"`
	MinSpeedPercent      float64  `json:"min_speed_percent"`
	MaxSpeedPercent      float64  `json:"max_speed_percent"`
	CriticalSpeedPercent *float64 `json:"critical_speed_percent,omitempty"`
	SensorAssociation    string   `json:"sensor_association,omitempty"`
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.MinSpeedPercent < 0 || c.MinSpeedPercent > 100:
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("min speed %.1f outside [0,100]", c.MinSpeedPercent))
	case c.MaxSpeedPercent < 0 || c.MaxSpeedPercent > 100:
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("max speed %.1f outside [0,100]", c.MaxSpeedPercent))
	case c.MinSpeedPercent > c.MaxSpeedPercent:
		return errFactory.WithData(errors.ErrValidation,
			fmt.Sprintf("min speed %.1f above max speed %.1f", c.MinSpeedPercent, c.MaxSpeedPercent))
	}

	if crit := c.CriticalSpeedPercent; crit != nil && (*crit < c.MinSpeedPercent || *crit > c.MaxSpeedPercent) {
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("critical speed %.1f outside [%.1f,%.1f]",
			*crit, c.MinSpeedPercent, c.MaxSpeedPercent))
	}

	return nil
}

// HistoryQuery filters fan history. Zero values disable a filter.
type HistoryQuery struct {
	FanIDs   []string  `json:"fan_ids,omitempty"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	MinSpeed *float64  `json:"min_speed,omitempty"`
	MaxSpeed *float64  `json:"max_speed,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

type Statistics struct {
	FanID        string         `json:"fan_id"`
	WindowHours  float64        `json:"window_hours"`
	Samples      int            `json:"samples"`
	MinSpeed     float64        `json:"min_speed"`
	MaxSpeed     float64        `json:"max_speed"`
	AvgSpeed     float64        `json:"avg_speed"`
	MinRPM       int            `json:"min_rpm"`
	MaxRPM       int            `json:"max_rpm"`
	AvgRPM       float64        `json:"avg_rpm"`
	StatusCounts map[Status]int `json:"status_counts"`
}

type TestStep struct {
	TargetSpeed   float64 `json:"target_speed"`
	MeasuredSpeed float64 `json:"measured_speed"`
	MeasuredRPM   int     `json:"measured_rpm"`
	Error         float64 `json:"error"`
}

type TestResult struct {
	FanID         string     `json:"fan_id"`
	OriginalSpeed float64    `json:"original_speed"`
	Steps         []TestStep `json:"steps"`
	AverageError  float64    `json:"average_error"`
	Passed        bool       `json:"passed"`
	StartedAt     time.Time  `json:"started_at"`
	Duration      float64    `json:"duration_seconds"`
}

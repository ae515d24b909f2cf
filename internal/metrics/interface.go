package metrics

import (
	"context"
	"time"
)

// Recorder persists health snapshots.
type Recorder interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Query(ctx context.Context, start, end time.Time) ([]Snapshot, error)
	Close() error
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Record(snapshot *Snapshot) error
	Query(start, end time.Time) ([]Snapshot, error)
	Close() error
}

// Snapshot is one aggregated health sample of the whole system.
type Snapshot struct {
	Timestamp   time.Time     `json:"timestamp"`
	Health      HealthMetrics `json:"health"`
	Temperature TempMetrics   `json:"temperature"`
	Fans        FanMetrics    `json:"fans"`
	SystemState StateMetrics  `json:"system_state"`
}

type HealthMetrics struct {
	Score        int    `json:"score"`
	Status       string `json:"status"`
	ActiveAlerts int    `json:"active_alerts"`
}

type TempMetrics struct {
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
}

type FanMetrics struct {
	AverageSpeed float64 `json:"average_speed"`
	Stopped      int     `json:"stopped"`
}

type StateMetrics struct {
	AutoControl bool `json:"auto_control"`
	Emergency   bool `json:"emergency"`
}

package monitor

import (
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/fan"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type SystemHealth struct {
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Score         int          `json:"score"`
	Issues        []string     `json:"issues"`
	UptimeSeconds uint64       `json:"uptime_seconds"`
}

type TemperatureReading struct {
	SensorID  string    `json:"sensor_id"`
	Celsius   float64   `json:"celsius"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorReading records whether a sensor answered and what it reported.
type SensorReading struct {
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Available bool      `json:"available"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Performance is a host level resource sample.
type Performance struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	Load1         float64   `json:"load1"`
	Load5         float64   `json:"load5"`
	Load15        float64   `json:"load15"`
	HostUptime    uint64    `json:"host_uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
}

// Cache is the latest value of every telemetry class.
type Cache struct {
	Temperatures map[string]TemperatureReading `json:"temperatures"`
	Fans         map[string]fan.Reading        `json:"fans"`
	Sensors      map[string]SensorReading      `json:"sensors"`
	Health       SystemHealth                  `json:"health"`
	Performance  Performance                   `json:"performance"`
	ActiveAlerts []alert.Alert                 `json:"active_alerts"`
	Control      *control.Status               `json:"control,omitempty"`
	LastUpdate   time.Time                     `json:"last_update"`
}

func (c Cache) clone() Cache {
	out := c
	out.Temperatures = make(map[string]TemperatureReading, len(c.Temperatures))
	for k, v := range c.Temperatures {
		out.Temperatures[k] = v
	}
	out.Fans = make(map[string]fan.Reading, len(c.Fans))
	for k, v := range c.Fans {
		out.Fans[k] = v
	}
	out.Sensors = make(map[string]SensorReading, len(c.Sensors))
	for k, v := range c.Sensors {
		out.Sensors[k] = v
	}
	out.Health.Issues = append([]string(nil), c.Health.Issues...)
	out.ActiveAlerts = append([]alert.Alert(nil), c.ActiveAlerts...)
	if c.Control != nil {
		st := *c.Control
		out.Control = &st
	}
	return out
}

type DataType string

const (
	DataTemperature DataType = "temperature"
	DataFan         DataType = "fan"
	DataSensor      DataType = "sensor"
	DataHealth      DataType = "health"
	DataPerformance DataType = "performance"
	DataAll         DataType = "all"
)

func (t DataType) IsValid() bool {
	switch t {
	case DataTemperature, DataFan, DataSensor, DataHealth, DataPerformance, DataAll:
		return true
	default:
		return false
	}
}

// DataPoint is one historical sample of any telemetry class. Value holds
// the headline number: °C, fan speed %, sensor value, health score or CPU
// percent.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Type      DataType  `json:"type"`
	Source    string    `json:"source"`
	Value     float64   `json:"value"`
	Data      any       `json:"data,omitempty"`
}

// CollectorMetrics describes the runs of one collector.
type CollectorMetrics struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         uint64        `json:"runs"`
	Errors       uint64        `json:"errors"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Intervals holds the period of every collector.
type Intervals struct {
	Temperature time.Duration
	Fan         time.Duration
	Sensor      time.Duration
	Health      time.Duration
	Performance time.Duration
	Cleanup     time.Duration
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func IntervalsFromConfig(c config.MonitoringConfig) Intervals {
	return Intervals{
		Temperature: seconds(c.TemperatureIntervalSeconds),
		Fan:         seconds(c.FanIntervalSeconds),
		Sensor:      seconds(c.SensorIntervalSeconds),
		Health:      seconds(c.HealthIntervalSeconds),
		Performance: seconds(c.PerformanceIntervalSeconds),
		Cleanup:     seconds(c.CleanupIntervalSeconds),
	}
}

func DefaultIntervals() Intervals {
	return Intervals{
		Temperature: 5 * time.Second,
		Fan:         5 * time.Second,
		Sensor:      10 * time.Second,
		Health:      30 * time.Second,
		Performance: time.Minute,
		Cleanup:     time.Hour,
	}
}

// ControlStatus is implemented by the control supervisor.
type ControlStatus interface {
	Status() control.Status
}

package api

import (
	"net/http"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/monitor"
	"github.com/gin-gonic/gin"
)

// restartRequest carries new collector periods in seconds. Zero fields
// keep the current period.
type restartRequest struct {
	TemperatureSeconds int `json:"temperature_interval_seconds"`
	FanSeconds         int `json:"fan_interval_seconds"`
	SensorSeconds      int `json:"sensor_interval_seconds"`
	HealthSeconds      int `json:"health_interval_seconds"`
	PerformanceSeconds int `json:"performance_interval_seconds"`
	CleanupSeconds     int `json:"cleanup_interval_seconds"`
}

func (r restartRequest) apply(cur monitor.Intervals) monitor.Intervals {
	set := func(dst *time.Duration, secs int) {
		if secs > 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}

	set(&cur.Temperature, r.TemperatureSeconds)
	set(&cur.Fan, r.FanSeconds)
	set(&cur.Sensor, r.SensorSeconds)
	set(&cur.Health, r.HealthSeconds)
	set(&cur.Performance, r.PerformanceSeconds)
	set(&cur.Cleanup, r.CleanupSeconds)

	return cur
}

func (s *Server) realtime(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Realtime())
}

func (s *Server) historical(c *gin.Context) {
	start, ok := queryTime(c, "start")
	if !ok {
		return
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return
	}

	t := monitor.DataType(c.DefaultQuery("type", string(monitor.DataAll)))
	points, err := s.deps.Monitor.GetHistoricalData(start, end, t)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": t, "count": len(points), "data": points})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Health())
}

func (s *Server) collectorMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":    s.deps.Monitor.Running(),
		"tasks":      s.deps.Monitor.Tasks(),
		"collectors": s.deps.Monitor.Metrics(),
	})
}

// snapshots reads persisted health snapshots, defaulting to the last hour.
func (s *Server) snapshots(c *gin.Context) {
	if s.deps.Recorder == nil {
		writeError(c, errors.New().WithMessage(errors.ErrUnavailable, "metrics recording disabled"))
		return
	}

	start, ok := queryTime(c, "start")
	if !ok {
		return
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-time.Hour)
	}

	snaps, err := s.deps.Recorder.Query(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(snaps), "snapshots": snaps})
}

// collect runs every collector once. Collector failures are reported but
// do not fail the request.
func (s *Server) collect(c *gin.Context) {
	resp := gin.H{"collected": true}
	if err := s.deps.Monitor.TriggerDataCollection(c.Request.Context()); err != nil {
		resp["errors"] = err.Error()
	}
	resp["health"] = s.deps.Monitor.Health()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) restartMonitoring(c *gin.Context) {
	var req restartRequest
	_ = c.ShouldBindJSON(&req)

	next := req.apply(s.deps.Monitor.Intervals())
	if err := s.deps.Monitor.RestartMonitoringTasks(&next); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Monitor.Tasks()})
}

package api

import (
	"net/http"
	"strconv"

	"codeberg.org/mutker/thermalctl/internal/curve"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"github.com/gin-gonic/gin"
)

type speedRequest struct {
	SpeedPercent *float64 `json:"speed_percent" binding:"required"`
}

type optimizeCurveRequest struct {
	Temperatures []float64 `json:"temperatures" binding:"required"`
}

func (s *Server) listFans(c *gin.Context) {
	readings, err := s.deps.Fans.Status(c.Request.Context(), "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fans": readings})
}

func (s *Server) getFan(c *gin.Context) {
	readings, err := s.deps.Fans.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings[0])
}

func (s *Server) setSpeed(c *gin.Context) {
	var req speedRequest
	if !bind(c, &req) {
		return
	}

	id := c.Param("id")
	if err := s.deps.Fans.SetSpeed(c.Request.Context(), id, *req.SpeedPercent); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fan_id": id, "speed_percent": *req.SpeedPercent})
}

func (s *Server) setAllSpeeds(c *gin.Context) {
	var req speedRequest
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	ids, err := s.deps.Fans.FanIDs(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	failures, err := s.deps.Fans.SetAllSpeeds(ctx, *req.SpeedPercent)
	if err != nil {
		writeError(c, err)
		return
	}

	// failures only names fans that could not be set
	results := make(map[string]string, len(ids))
	for _, id := range ids {
		results[id] = "ok"
	}
	for id, ferr := range failures {
		results[id] = ferr.Error()
	}
	c.JSON(http.StatusOK, gin.H{"speed_percent": *req.SpeedPercent, "results": results})
}

func (s *Server) fanStatistics(c *gin.Context) {
	hours := 24.0
	if raw := c.Query("hours"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(c, "hours must be a number")
			return
		}
		hours = h
	}

	stats, err := s.deps.Fans.Statistics(c.Param("id"), hours)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) testFan(c *gin.Context) {
	result, err := s.deps.Fans.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getFanConfig(c *gin.Context) {
	cfg, ok := s.deps.Fans.Config(c.Param("id"))
	if !ok {
		notFound(c, "fan "+c.Param("id")+" is not configured")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) configureFan(c *gin.Context) {
	var cfg fan.Config
	if !bind(c, &cfg) {
		return
	}

	id := c.Param("id")
	if err := s.deps.Fans.Configure(id, cfg); err != nil {
		writeError(c, err)
		return
	}

	stored, _ := s.deps.Fans.Config(id)
	c.JSON(http.StatusOK, stored)
}

func (s *Server) removeFanConfig(c *gin.Context) {
	if err := s.deps.Fans.RemoveConfig(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getCurve(c *gin.Context) {
	cv, ok := s.deps.Fans.Curve(c.Param("id"))
	if !ok {
		notFound(c, "fan "+c.Param("id")+" has no curve")
		return
	}
	c.JSON(http.StatusOK, cv)
}

func (s *Server) setCurve(c *gin.Context) {
	var cv curve.Curve
	if !bind(c, &cv) {
		return
	}

	id := c.Param("id")
	if err := s.deps.Fans.SetCurve(id, cv); err != nil {
		writeError(c, err)
		return
	}

	stored, _ := s.deps.Fans.Curve(id)
	c.JSON(http.StatusOK, stored)
}

func (s *Server) removeCurve(c *gin.Context) {
	if err := s.deps.Fans.RemoveCurve(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) optimizeCurve(c *gin.Context) {
	var req optimizeCurveRequest
	if !bind(c, &req) {
		return
	}

	cv, err := s.deps.Fans.OptimizeCurve(c.Param("id"), req.Temperatures)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cv)
}

func (s *Server) fanHistory(c *gin.Context) {
	var q fan.HistoryQuery
	var ok bool

	if id := c.Query("fan_id"); id != "" {
		q.FanIDs = []string{id}
	}
	if q.Start, ok = queryTime(c, "start"); !ok {
		return
	}
	if q.End, ok = queryTime(c, "end"); !ok {
		return
	}
	if q.MinSpeed, ok = queryFloat(c, "min_speed"); !ok {
		return
	}
	if q.MaxSpeed, ok = queryFloat(c, "max_speed"); !ok {
		return
	}
	if q.Limit, ok = queryInt(c, "limit", 0); !ok {
		return
	}
	q.Status = fan.Status(c.Query("status"))

	readings := s.deps.Fans.History(q)
	c.JSON(http.StatusOK, gin.H{"count": len(readings), "readings": readings})
}

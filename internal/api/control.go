package api

import (
	"net/http"

	"codeberg.org/mutker/thermalctl/internal/control"
	"github.com/gin-gonic/gin"
)

type strategyRequest struct {
	Strategy  control.Strategy   `json:"strategy" binding:"required"`
	Overrides *control.Overrides `json:"overrides,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type manualRequest struct {
	FanID        string   `json:"fan_id" binding:"required"`
	SpeedPercent *float64 `json:"speed_percent" binding:"required"`
	Reason       string   `json:"reason"`
}

func (s *Server) controlStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Control.Status())
}

// enableControl binds the control loop to the server lifetime rather than
// the request.
func (s *Server) enableControl(c *gin.Context) {
	if err := s.deps.Control.StartAutoControl(s.ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Control.Status())
}

func (s *Server) disableControl(c *gin.Context) {
	if err := s.deps.Control.StopAutoControl(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Control.Status())
}

func (s *Server) executeCycle(c *gin.Context) {
	if err := s.deps.Control.ExecuteCycle(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Control.Status())
}

func (s *Server) updateSettings(c *gin.Context) {
	var settings control.Settings
	if !bind(c, &settings) {
		return
	}

	if err := s.deps.Control.UpdateSettings(settings); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Control.Settings())
}

func (s *Server) applyStrategy(c *gin.Context) {
	var req strategyRequest
	if !bind(c, &req) {
		return
	}

	settings, err := s.deps.Control.ApplyControlStrategy(req.Strategy, req.Overrides)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) emergency(c *gin.Context) {
	var req reasonRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)

	actions, err := s.deps.Control.EmergencyCooling(c.Request.Context(), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) exitEmergency(c *gin.Context) {
	if err := s.deps.Control.ExitEmergencyMode(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Control.Status())
}

func (s *Server) manualSet(c *gin.Context) {
	var req manualRequest
	if !bind(c, &req) {
		return
	}

	action, err := s.deps.Control.ManualSet(c.Request.Context(), req.FanID, *req.SpeedPercent, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) controlActions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	actions := s.deps.Control.Actions(limit)
	c.JSON(http.StatusOK, gin.H{"count": len(actions), "actions": actions})
}

// optimizeControl computes gain recommendations and installs them when
// apply=true is given.
func (s *Server) optimizeControl(c *gin.Context) {
	o, err := s.deps.Control.OptimizeControlParameters()
	if err != nil {
		writeError(c, err)
		return
	}

	applied := c.Query("apply") == "true"
	if applied {
		if err := s.deps.Control.ApplyOptimizedParameters(o); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"optimization": o, "applied": applied})
}

package api

import (
	"net/http"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"github.com/gin-gonic/gin"
)

type actorRequest struct {
	By string `json:"by"`
}

func (r actorRequest) actor() string {
	if r.By == "" {
		return "api"
	}
	return r.By
}

func (s *Server) activeAlerts(c *gin.Context) {
	alerts := s.deps.Alerts.Active()
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

func (s *Server) createAlert(c *gin.Context) {
	var n alert.NewAlert
	if !bind(c, &n) {
		return
	}

	a, err := s.deps.Alerts.CreateAlert(c.Request.Context(), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAlert(c *gin.Context) {
	a, err := s.deps.Alerts.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	a, err := s.deps.Alerts.Acknowledge(c.Param("id"), req.actor())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	a, err := s.deps.Alerts.Resolve(c.Param("id"), req.actor())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) alertHistory(c *gin.Context) {
	var f alert.Filter
	var ok bool

	if f.Start, ok = queryTime(c, "start"); !ok {
		return
	}
	if f.End, ok = queryTime(c, "end"); !ok {
		return
	}
	if f.Limit, ok = queryInt(c, "limit", 0); !ok {
		return
	}
	f.Severity = alert.Severity(c.Query("severity"))
	f.AlertType = alert.Type(c.Query("alert_type"))
	f.Status = alert.Status(c.Query("status"))
	f.Source = c.Query("source")

	alerts := s.deps.Alerts.History(f)
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

func (s *Server) alertStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Alerts.Statistics())
}

func (s *Server) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": s.deps.Alerts.Rules()})
}

func (s *Server) addRule(c *gin.Context) {
	var r alert.Rule
	if !bind(c, &r) {
		return
	}

	created, err := s.deps.Alerts.AddRule(r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getRule(c *gin.Context) {
	r, err := s.deps.Alerts.Rule(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) updateRule(c *gin.Context) {
	var r alert.Rule
	if !bind(c, &r) {
		return
	}

	updated, err := s.deps.Alerts.UpdateRule(c.Param("id"), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) removeRule(c *gin.Context) {
	if err := s.deps.Alerts.RemoveRule(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.deps.Alerts.Channels()})
}

func (s *Server) addChannel(c *gin.Context) {
	var ch alert.Channel
	if !bind(c, &ch) {
		return
	}

	created, err := s.deps.Alerts.AddChannel(ch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updateChannel(c *gin.Context) {
	var ch alert.Channel
	if !bind(c, &ch) {
		return
	}

	updated, err := s.deps.Alerts.UpdateChannel(c.Param("id"), ch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) removeChannel(c *gin.Context) {
	if err := s.deps.Alerts.RemoveChannel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testChannel(c *gin.Context) {
	if err := s.deps.Alerts.TestChannel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": c.Param("id"), "delivered": true})
}

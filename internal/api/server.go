// Package api exposes the fan, control, alert and monitoring operations over
// HTTP with gin, plus a websocket stream of realtime monitoring snapshots.
package api

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/monitor"
	"github.com/gin-gonic/gin"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 2 * time.Minute // fan test sweeps wait for settling
	idleTimeout  = time.Minute
)

// Deps are the engines the handlers operate on. Recorder may be nil.
type Deps struct {
	Fans     *fan.Engine
	Control  *control.Supervisor
	Alerts   *alert.Engine
	Monitor  *monitor.Supervisor
	Recorder metrics.Recorder
}

type Server struct {
	deps   Deps
	logger logger.Logger
	router *gin.Engine
	server *http.Server
	// ctx outlives requests; background work started through the API
	// (auto control) is bound to it.
	ctx context.Context
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func NewServer(ctx context.Context, addr string, deps Deps, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Server{
		deps:   deps,
		logger: log.With("api"),
		router: gin.New(),
		ctx:    ctx,
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrInitFailed, err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}

		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("took", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("HTTP request")
	}
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/api/v1")

	fans := v1.Group("/fans")
	fans.GET("", s.listFans)
	fans.PUT("", s.setAllSpeeds)
	fans.GET("/:id", s.getFan)
	fans.PUT("/:id/speed", s.setSpeed)
	fans.GET("/:id/statistics", s.fanStatistics)
	fans.POST("/:id/test", s.testFan)
	fans.GET("/:id/config", s.getFanConfig)
	fans.PUT("/:id/config", s.configureFan)
	fans.DELETE("/:id/config", s.removeFanConfig)
	fans.GET("/:id/curve", s.getCurve)
	fans.PUT("/:id/curve", s.setCurve)
	fans.DELETE("/:id/curve", s.removeCurve)
	fans.POST("/:id/curve/optimize", s.optimizeCurve)

	ctl := v1.Group("/control")
	ctl.GET("/status", s.controlStatus)
	ctl.POST("/enable", s.enableControl)
	ctl.POST("/disable", s.disableControl)
	ctl.POST("/execute", s.executeCycle)
	ctl.PUT("/settings", s.updateSettings)
	ctl.PUT("/strategy", s.applyStrategy)
	ctl.POST("/emergency", s.emergency)
	ctl.DELETE("/emergency", s.exitEmergency)
	ctl.POST("/manual", s.manualSet)
	ctl.GET("/actions", s.controlActions)
	ctl.POST("/optimize", s.optimizeControl)

	alerts := v1.Group("/alerts")
	alerts.GET("", s.activeAlerts)
	alerts.POST("", s.createAlert)
	alerts.GET("/:id", s.getAlert)
	alerts.POST("/:id/acknowledge", s.acknowledgeAlert)
	alerts.POST("/:id/resolve", s.resolveAlert)

	v1.GET("/history/fans", s.fanHistory)
	v1.GET("/history/alerts", s.alertHistory)
	v1.GET("/statistics/alerts", s.alertStatistics)

	rules := v1.Group("/rules")
	rules.GET("", s.listRules)
	rules.POST("", s.addRule)
	rules.GET("/:id", s.getRule)
	rules.PUT("/:id", s.updateRule)
	rules.DELETE("/:id", s.removeRule)

	channels := v1.Group("/channels")
	channels.GET("", s.listChannels)
	channels.POST("", s.addChannel)
	channels.PUT("/:id", s.updateChannel)
	channels.DELETE("/:id", s.removeChannel)
	channels.POST("/:id/test", s.testChannel)

	mon := v1.Group("/monitoring")
	mon.GET("/realtime", s.realtime)
	mon.GET("/historical", s.historical)
	mon.GET("/health", s.health)
	mon.GET("/metrics", s.collectorMetrics)
	mon.GET("/snapshots", s.snapshots)
	mon.POST("/collect", s.collect)
	mon.POST("/restart", s.restartMonitoring)
	mon.GET("/ws", s.stream)
}

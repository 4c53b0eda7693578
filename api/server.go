// Package api exposes the control surface consumed by the dashboard and
// other collaborators: config introspection, dry-run, start/stop, and the
// kill-switch reset.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PerpForge/config"
	"PerpForge/logger"
	"PerpForge/metrics"
	"PerpForge/store"
	"PerpForge/trader"
)

// Server wraps the gin router over the orchestrator and store.
type Server struct {
	cfg  *config.Manager
	st   *store.Store
	orch *trader.Orchestrator
}

// NewServer builds the control surface.
func NewServer(cfg *config.Manager, st *store.Store, orch *trader.Orchestrator) *Server {
	return &Server{cfg: cfg, st: st, orch: orch}
}

// Router assembles the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/status", s.handleStatus)
	r.GET("/api/effective-config", s.handleEffectiveConfig)
	r.GET("/api/last-order-intent", s.handleLastOrderIntent)
	r.POST("/api/run-once", s.handleRunOnce)
	r.POST("/api/start", s.handleStart)
	r.POST("/api/stop", s.handleStop)
	r.POST("/api/activate-kill-switch", s.handleActivateKillSwitch)
	r.POST("/api/reset-kill-switch", s.handleResetKillSwitch)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return r
}

// Run serves the API on addr; blocks.
func (s *Server) Run(addr string) error {
	logger.Infof("control API listening on %s", addr)
	return s.Router().Run(addr)
}

// Package httpapi is the operator-facing HTTP surface: a gin REST API over
// the registry/scheduler/orchestrator, a Prometheus exposition endpoint,
// and a websocket event hub for dashboards. It runs as an independent
// listener alongside the framed-JSON orchestration server in
// internal/server; both share the same in-process orchestrator.
package httpapi

import (
	"net/http"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/orchestrator"
	"github.com/artemis/fleetmigrate/internal/registry"
	"github.com/artemis/fleetmigrate/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the operator HTTP/WS surface.
type Server struct {
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	health       *observability.HealthChecker
	logger       *observability.Logger
	hub          *Hub
	router       *gin.Engine
}

// New builds the router and wires the event hub to the orchestrator's
// event stream. Call Run to serve.
func New(reg *registry.Registry, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator, health *observability.HealthChecker, logger *observability.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		registry:     reg,
		scheduler:    sched,
		orchestrator: orch,
		health:       health,
		logger:       logger,
		hub:          NewHub(logger),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/healthz", s.health.HealthHandler())
	r.GET("/readyz", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/destinations", s.ListDestinations)
		api.GET("/destinations/:id", s.GetDestination)

		api.POST("/deployments", s.StartDeployment)
		api.GET("/deployments/:id", s.GetDeployment)
		api.POST("/deployments/:id/cancel", s.CancelDeployment)
		api.POST("/deployments/:id/pause", s.PauseDeployment)
		api.POST("/deployments/:id/resume", s.ResumeDeployment)

		api.GET("/mapping/strategy", s.GetMappingStrategy)
		api.PUT("/mapping/strategy", s.SetMappingStrategy)
	}

	r.GET("/ws/events", s.HandleWebSocket)

	s.router = r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" {
			c.Next()
			return
		}
		c.Next()
		if s.logger != nil {
			s.logger.InfoRedacted("http request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.String("ip", c.ClientIP()),
			)
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Run starts the hub and serves HTTP on addr, blocking until it returns an
// error (mirrors gin.Engine.Run).
func (s *Server) Run(addr string) error {
	go s.hub.Run()
	if s.orchestrator != nil {
		go s.forwardOrchestratorEvents()
	}
	return s.router.Run(addr)
}

// Handler returns the underlying http.Handler for use with a custom
// net/http.Server (e.g. for graceful shutdown).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) forwardOrchestratorEvents() {
	for ev := range s.orchestrator.Subscribe() {
		s.hub.BroadcastEvent(string(ev.Type), ev)
	}
}

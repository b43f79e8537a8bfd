// Package api is the HTTP/JSON control plane: agent directory, task
// submission and inspection, chat, action approvals, feedback, and the
// health, readiness, and metrics endpoints. Handlers validate and bind,
// then delegate to the owning subsystem; every response carries the
// request's correlation id.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/gate"
	"github.com/mycosoft/mascore/pkg/llm"
	"github.com/mycosoft/mascore/pkg/memory"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/registry"
	"github.com/mycosoft/mascore/pkg/scheduler"
	"github.com/mycosoft/mascore/pkg/services"
	"github.com/mycosoft/mascore/pkg/store"
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	gateway   *llm.Gateway
	gate      *gate.Gate
	memory    *memory.Service
	feedback  *services.FeedbackService
	audit     store.AuditRepo
	metrics   *metrics.Registry

	checks []readinessCheck

	echo    *echo.Echo
	httpSrv *http.Server
}

// readinessCheck probes one store or dependency for GET /ready.
type readinessCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// AddReadinessCheck registers a dependency probe that must pass for /ready
// to report 200. Call before Start.
func (s *Server) AddReadinessCheck(name string, probe func(ctx context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, probe: probe})
}

// NewServer wires the control plane over the core subsystems.
func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	gateway *llm.Gateway,
	g *gate.Gate,
	mem *memory.Service,
	feedback *services.FeedbackService,
	audit store.AuditRepo,
	m *metrics.Registry,
) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		scheduler: sched,
		gateway:   gateway,
		gate:      g,
		memory:    mem,
		feedback:  feedback,
		audit:     audit,
		metrics:   m,
	}

	e := echo.New()
	e.HTTPErrorHandler = s.httpErrorHandler
	e.Use(correlationMiddleware())
	e.Use(requestLogger())
	e.Use(securityHeaders())
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)
	e.GET("/metrics", s.metricsHandler)

	v1 := e.Group("/api/v1")

	v1.POST("/agents", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.DELETE("/agents/:id", s.deregisterAgentHandler)

	v1.POST("/tasks", s.submitTaskHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)

	v1.POST("/chat", s.chatHandler)
	v1.POST("/chat/stream", s.chatStreamHandler)

	v1.GET("/actions/pending", s.pendingActionsHandler)
	v1.GET("/actions/recent", s.recentActionsHandler)
	v1.POST("/actions/:id/approve", s.approveActionHandler)
	v1.POST("/actions/:id/reject", s.rejectActionHandler)

	v1.POST("/feedback", s.submitFeedbackHandler)
	v1.GET("/feedback/recent", s.recentFeedbackHandler)
	v1.GET("/feedback/summary", s.feedbackSummaryHandler)
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() *echo.Echo {
	return s.echo
}

// Start serves until the listener fails or Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

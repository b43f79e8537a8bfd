package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/version"
)

// readinessProbeTimeout bounds each dependency probe on GET /ready.
const readinessProbeTimeout = 2 * time.Second

// healthHandler handles GET /health. Liveness only: it never touches
// stores or agents, so a degraded dependency cannot fail the probe.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// readyHandler handles GET /ready. Readiness requires every registered
// dependency probe to pass and every configured required agent to be
// registered and Ready; anything else returns 503 with the failing
// components listed.
func (s *Server) readyHandler(c *echo.Context) error {
	var failing []string

	for _, check := range s.checks {
		probeCtx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
		err := check.probe(probeCtx)
		cancel()
		if err != nil {
			failing = append(failing, check.name+": "+err.Error())
		}
	}

	for _, id := range s.cfg.Server.RequiredAgents {
		record, err := s.registry.Get(id)
		switch {
		case err != nil:
			failing = append(failing, id+": not registered")
		case record.Status != models.StatusReady:
			failing = append(failing, id+": "+string(record.Status))
		}
	}

	if len(failing) > 0 {
		return c.JSON(http.StatusServiceUnavailable, &ReadyResponse{Failing: failing})
	}
	return c.JSON(http.StatusOK, &ReadyResponse{Ready: true})
}

// metricsHandler handles GET /metrics in Prometheus exposition format.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

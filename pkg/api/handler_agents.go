package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
)

func agentResponse(record *registry.Record) *AgentResponse {
	return &AgentResponse{
		Descriptor:    record.Descriptor,
		Status:        record.Status,
		LastHeartbeat: record.LastHeartbeat,
		LastHealth:    record.LastHealth,
	}
}

// registerAgentHandler handles POST /api/v1/agents. Registering an
// existing agent id is a conflict unless replace=true is passed, in which
// case the descriptor is swapped and the lifecycle resets.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	var desc models.AgentDescriptor
	if err := c.Bind(&desc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if desc.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if len(desc.Capabilities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one capability is required")
	}
	replace := c.QueryParam("replace") == "true"

	record, err := s.registry.Register(c.Request().Context(), desc, replace)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, agentResponse(record))
}

// listAgentsHandler handles GET /api/v1/agents. An optional capability
// query parameter narrows the listing to capable agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	var records []*registry.Record
	if capability := c.QueryParam("capability"); capability != "" {
		records = s.registry.FindByCapability(capability)
	} else {
		records = s.registry.List()
	}

	out := make([]*AgentResponse, 0, len(records))
	for _, record := range records {
		out = append(out, agentResponse(record))
	}
	return c.JSON(http.StatusOK, out)
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	record, err := s.registry.Get(agentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agentResponse(record))
}

// deregisterAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) deregisterAgentHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	if err := s.registry.Deregister(c.Request().Context(), agentID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

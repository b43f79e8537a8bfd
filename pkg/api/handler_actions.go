package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/models"
)

const (
	defaultRecentActions = 50
	maxRecentActions     = 500
)

// pendingActionsHandler handles GET /api/v1/actions/pending.
func (s *Server) pendingActionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &PendingActionsResponse{ActionIDs: s.gate.Pending()})
}

// recentActionsHandler handles GET /api/v1/actions/recent. Records come
// from the audit log with inputs and outputs already redacted.
func (s *Server) recentActionsHandler(c *echo.Context) error {
	limit := defaultRecentActions
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxRecentActions)
	}

	records, err := s.audit.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// approveActionHandler handles POST /api/v1/actions/:id/approve.
func (s *Server) approveActionHandler(c *echo.Context) error {
	actionID := c.Param("id")
	if actionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action id is required")
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}

	if err := s.gate.Approve(actionID, req.Approver); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &DecisionResponse{
		ActionID: actionID,
		Status:   string(models.ActionApproved),
	})
}

// rejectActionHandler handles POST /api/v1/actions/:id/reject.
func (s *Server) rejectActionHandler(c *echo.Context) error {
	actionID := c.Param("id")
	if actionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action id is required")
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}

	if err := s.gate.Reject(actionID, req.Approver, req.Reason); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &DecisionResponse{
		ActionID: actionID,
		Status:   string(models.ActionRejected),
	})
}

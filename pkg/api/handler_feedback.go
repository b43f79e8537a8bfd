package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/models"
)

// submitFeedbackHandler handles POST /api/v1/feedback.
func (s *Server) submitFeedbackHandler(c *echo.Context) error {
	var req SubmitFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	record, err := s.feedback.Submit(c.Request().Context(), &models.FeedbackRecord{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Rating:         req.Rating,
		Success:        req.Success,
		Notes:          req.Notes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

// recentFeedbackHandler handles GET /api/v1/feedback/recent?limit=N.
func (s *Server) recentFeedbackHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	records, err := s.feedback.Recent(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// feedbackSummaryHandler handles GET /api/v1/feedback/summary, optionally
// filtered by agent_id.
func (s *Server) feedbackSummaryHandler(c *echo.Context) error {
	summary, err := s.feedback.Summary(c.Request().Context(), c.QueryParam("agent_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

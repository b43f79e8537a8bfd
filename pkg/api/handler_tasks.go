package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/models"
)

// submitTaskHandler handles POST /api/v1/tasks. Admission failures map to
// 429 with a Retry-After hint via the error envelope.
func (s *Server) submitTaskHandler(c *echo.Context) error {
	var spec models.TaskSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := s.scheduler.Submit(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, &TaskResponse{Task: task})
}

// getTaskHandler handles GET /api/v1/tasks/:id. Out-of-line results are
// resolved from their reference so callers always see the payload inline.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	task, err := s.scheduler.Status(c.Request().Context(), taskID)
	if err != nil {
		return err
	}

	resp := &TaskResponse{Task: task}
	if task.State == models.TaskSucceeded {
		result, err := s.scheduler.Result(c.Request().Context(), task)
		if err != nil {
			return err
		}
		resp.Result = result
	}
	return c.JSON(http.StatusOK, resp)
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel. Cancelling a
// terminal task is a no-op that returns the task unchanged.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	task, err := s.scheduler.Cancel(c.Request().Context(), taskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &TaskResponse{Task: task})
}

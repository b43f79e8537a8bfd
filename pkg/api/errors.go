package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
	"github.com/mycosoft/mascore/pkg/services"
	"github.com/mycosoft/mascore/pkg/store"
)

// kindStatus maps the error taxonomy to HTTP status codes.
var kindStatus = map[models.ErrorKind]int{
	models.KindValidation:          http.StatusBadRequest,
	models.KindNotFound:            http.StatusNotFound,
	models.KindPermissionDenied:    http.StatusForbidden,
	models.KindApprovalRejected:    http.StatusForbidden,
	models.KindBackpressured:       http.StatusTooManyRequests,
	models.KindOverloaded:          http.StatusTooManyRequests,
	models.KindProviderUnavailable: http.StatusBadGateway,
	models.KindTimedOut:            http.StatusGatewayTimeout,
	models.KindDeadlineExceeded:    http.StatusGatewayTimeout,
	models.KindCancelled:           http.StatusConflict,
	models.KindInternal:            http.StatusInternalServerError,
}

// statusKind is the reverse mapping used for errors that arrive as bare
// HTTP errors (echo binding failures, handler-level NewHTTPError).
func statusKind(status int) models.ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return models.KindValidation
	case http.StatusNotFound:
		return models.KindNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return models.KindPermissionDenied
	case http.StatusTooManyRequests:
		return models.KindOverloaded
	case http.StatusConflict:
		return models.KindCancelled
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return models.KindProviderUnavailable
	case http.StatusGatewayTimeout:
		return models.KindTimedOut
	default:
		return models.KindInternal
	}
}

// classify resolves any handler error to (status, kind, message).
func classify(err error) (int, models.ErrorKind, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != "" {
			msg = he.Message
		}
		return he.Code, statusKind(he.Code), msg
	}

	var me *models.Error
	if errors.As(err, &me) {
		status, ok := kindStatus[me.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, me.Kind, me.Message
	}

	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, models.KindValidation, ve.Error()
	}
	if errors.Is(err, registry.ErrAgentNotFound) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, models.KindNotFound, "resource not found"
	}
	if errors.Is(err, registry.ErrInvalidTransition) {
		return http.StatusConflict, models.KindCancelled, err.Error()
	}
	if errors.Is(err, registry.ErrAgentExists) {
		return http.StatusConflict, models.KindValidation, err.Error()
	}

	return http.StatusInternalServerError, models.KindInternal, "internal server error"
}

// httpErrorHandler renders every handler error as the uniform error
// envelope, tagged with the response's correlation id. Saturation errors
// additionally carry a Retry-After hint.
func (s *Server) httpErrorHandler(c *echo.Context, err error) {
	if res, resErr := echo.UnwrapResponse(c.Response()); resErr == nil && res.Committed {
		return
	}

	status, kind, message := classify(err)
	if status >= http.StatusInternalServerError {
		logging.Logger(c.Request().Context()).Error("Request failed",
			"method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
	}
	if kind == models.KindOverloaded || kind == models.KindBackpressured {
		c.Response().Header().Set("Retry-After", "1")
	}

	_ = c.JSON(status, &ErrorResponse{
		Error:         string(kind),
		Message:       message,
		CorrelationID: c.Response().Header().Get(HeaderCorrelationID),
	})
}

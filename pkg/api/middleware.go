package api

import (
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/logging"
)

// HeaderCorrelationID is the request/response header carrying the
// correlation id. An inbound value is adopted; otherwise one is assigned.
const HeaderCorrelationID = "Correlation-Id"

// correlationMiddleware adopts or assigns the correlation id, threads it
// through the request context, and echoes it on the response.
func correlationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(HeaderCorrelationID)
			if id == "" {
				id = logging.NewCorrelationID()
			}
			ctx := logging.WithCorrelationID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(HeaderCorrelationID, id)
			return next(c)
		}
	}
}

// requestLogger logs one line per handled request, tagged with the
// correlation id from the request context.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			log := logging.Logger(c.Request().Context())
			attrs := []any{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				log.Warn("Request failed", append(attrs, "error", err)...)
			} else {
				var status int
				if res, resErr := echo.UnwrapResponse(c.Response()); resErr == nil {
					status = res.Status
				}
				log.Info("Request handled", append(attrs, "status", status)...)
			}
			return err
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

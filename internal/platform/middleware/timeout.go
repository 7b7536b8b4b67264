package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/apierr"
)

// RequestTimeout sets a deadline on each request context. Store calls
// observe the deadline; when it has passed and the handler has not written
// a response, a 503 "degraded" body is returned.
//
// The handler runs on the request goroutine, so nothing writes to the
// response after the middleware returns.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			return echo.NewHTTPError(http.StatusServiceUnavailable, apierr.Body{
				Error:   apierr.CodeDegraded,
				Message: "request processing exceeded the allowed time limit",
			}).SetInternal(err)
		}
	}
}

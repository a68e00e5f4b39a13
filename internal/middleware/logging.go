// Package middleware provides Echo middleware for logging, metrics and CORS.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The path is logged without the query string, which may carry credentials.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			// Deferred so aborted streams, which unwind by panic, still get a line.
			defer func() {
				req := c.Request()
				res := c.Response()

				status := res.Status
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}

				logger.Info("request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_in", req.ContentLength,
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}

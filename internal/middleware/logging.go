// Package middleware provides Echo middleware for logging, metrics, request
// ids, rate limiting and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxied requests are logged with their target host; local endpoints only
// carry a path.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			host := req.URL.Host
			path := req.URL.Path

			err := next(c)

			res := c.Response()
			attrs := []any{
				"method", req.Method,
				"host", host,
				"path", path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if err != nil {
				attrs = append(attrs, "error", err.Error())
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}

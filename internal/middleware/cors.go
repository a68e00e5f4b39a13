package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"mistral-relay-go/internal/config"
)

// CORS returns the cross-origin filter that runs in front of the relay.
// OPTIONS requests are answered here and never reach the upstream; other
// requests only get Access-Control-* annotations on the response.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
		// Left empty so preflights echo Access-Control-Request-Headers back,
		// which allows any request header.
		AllowHeaders: nil,
	})
}

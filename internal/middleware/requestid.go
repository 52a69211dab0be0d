package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"ollama-tunnel-proxy/internal/model"
)

// RequestID assigns each request a UUID, or keeps the caller's X-Request-Id,
// and stores it in the context under model.RequestIDKey. The id is also set
// on the response; the proxy handler drops it again on relayed responses.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(model.RequestIDKey, id)
		},
	})
}

// requestID returns the id stored by RequestID, falling back to the response header.
func requestID(c echo.Context) string {
	if id, ok := c.Get(model.RequestIDKey).(string); ok && id != "" {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

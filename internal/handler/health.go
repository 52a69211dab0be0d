package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ollama-tunnel-proxy/internal/service"
)

// HealthHandler serves the upstream health endpoint.
type HealthHandler struct {
	service *service.ProxyService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService) *HealthHandler {
	return &HealthHandler{service: svc}
}

// Health probes the upstream and reports 200 when it answers with 2xx,
// 503 otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	report := h.service.Health(c.Request().Context())
	report.Error = redact(report.Error)

	if !report.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}

// Package handler contains the Echo handlers and route wiring.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ollama-tunnel-proxy/internal/config"
	"ollama-tunnel-proxy/internal/metrics"
)

// proxyMethods are the methods forwarded upstream.
var proxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Health)

	e.Match(proxyMethods, "/*", proxy.Handle)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStripHopByHop_Request(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var got http.Header
	e.POST("/api/chat", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Tunnel-Hint")
	req.Header.Set("X-Tunnel-Hint", "1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Accept", "application/x-ndjson")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, name := range []string{"Connection", "X-Tunnel-Hint", "Proxy-Authorization", "Keep-Alive"} {
		if v := got.Get(name); v != "" {
			t.Errorf("%s should be stripped, got %q", name, v)
		}
	}
	if v := got.Get("Accept"); v != "application/x-ndjson" {
		t.Errorf("Accept = %q, want it preserved", v)
	}
}

func TestStripHopByHop_LeavesResponseAlone(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())
	e.GET("/api/tags", func(c echo.Context) error {
		c.Response().Header().Set("X-Ollama-Version", "0.5.1")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/tags", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "" {
		t.Errorf("X-Content-Type-Options = %q, want none", v)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want none", v)
	}
	if v := rec.Header().Get("X-Ollama-Version"); v != "0.5.1" {
		t.Errorf("X-Ollama-Version = %q", v)
	}
}

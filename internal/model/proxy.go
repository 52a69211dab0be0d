// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be rewritten and forwarded upstream.
type ProxyRequest struct {
	Ctx       context.Context
	RequestID string
	Method    string
	Path      string
	// RawPath is the escaped form of Path when it differs from the default
	// encoding (e.g. "%2F" inside a segment); empty otherwise.
	RawPath string
	Query   url.Values
	Header  http.Header
	Body    io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
// Body is one-shot and must be closed by the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Seq is the request counter value assigned to the originating request.
	Seq uint64
}

// RequestIDKey is the echo context key holding the request id.
const RequestIDKey = "request_id"

// Health status values reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the JSON body served by /health.
type HealthReport struct {
	Status         string `json:"status"`
	RemoteURL      string `json:"remote_url"`
	RequestsServed uint64 `json:"requests_served"`
	RemoteStatus   int    `json:"remote_status,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Healthy reports whether the upstream probe succeeded.
func (r HealthReport) Healthy() bool {
	return r.Status == StatusHealthy
}

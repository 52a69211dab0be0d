// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"ollama-tunnel-proxy/internal/client"
	"ollama-tunnel-proxy/internal/config"
	"ollama-tunnel-proxy/internal/journal"
	"ollama-tunnel-proxy/internal/metrics"
	"ollama-tunnel-proxy/internal/model"
	"ollama-tunnel-proxy/internal/payload"
)

// forwardableRequestHeaders are the only caller headers forwarded upstream.
// Content-Type is always replaced because the body is re-encoded JSON.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
}

// strippedResponseHeaders are recomputed by the server on the way out and
// must not be copied verbatim.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// ProxyService rewrites requests, records them and forwards them upstream.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	journal journal.Recorder
	policy  payload.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	baseURL *url.URL

	served atomic.Uint64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, j journal.Recorder, m *metrics.Metrics, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		journal: j,
		policy:  PolicyFromConfig(cfg),
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// PolicyFromConfig builds the rewrite policy from the model section.
func PolicyFromConfig(cfg *config.Config) payload.Policy {
	o := cfg.Model.Options
	return payload.Policy{
		Model: cfg.Model.Name,
		Options: payload.GenerationOptions{
			NumCtx:     o.NumCtx,
			NumPredict: o.NumPredict,
			NumThread:  o.NumThread,
			NumGPU:     o.GPU(),
			NumBatch:   o.NumBatch,
		},
		FallbackNumCtx: cfg.Model.FallbackNumCtx,
	}
}

// RequestsServed returns the number of requests accepted for forwarding.
func (s *ProxyService) RequestsServed() uint64 {
	return s.served.Load()
}

// Forward rewrites a ProxyRequest, journals it, and sends it upstream.
// The caller is responsible for closing the response body.
//
// The request counter is incremented before anything else, so failed
// requests are counted too. The journal entry is written before the
// upstream call starts; a journal failure is logged and does not stop the
// request.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	seq := s.served.Add(1)

	var raw []byte
	if pr.Body != nil {
		var err error
		if raw, err = io.ReadAll(pr.Body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	rw, err := s.policy.Rewrite(raw)
	if err != nil {
		return nil, fmt.Errorf("rewrite request body: %w", err)
	}
	if rw.Discarded {
		s.logger.Debug("request body is not a JSON object; forwarding policy fields only",
			"seq", seq,
			"path", pr.Path,
		)
	}
	s.logger.Debug("forcing model",
		"seq", seq,
		"requested", rw.RequestedModel,
		"model", s.policy.Model,
	)

	s.record(journal.Entry{
		Seq:       seq,
		RequestID: pr.RequestID,
		Method:    pr.Method,
		Path:      pr.Path,
		Payload:   rw.Body,
	})

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.Query)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"seq", seq,
		"method", pr.Method,
		"path", pr.Path,
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := s.client.DoStream(ctx, pr.Method, upstreamURL, header, bytes.NewReader(rw.Body))
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	resp.Seq = seq
	return resp, nil
}

// record appends to the journal; failures are logged and counted only.
func (s *ProxyService) record(e journal.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(e); err != nil {
		s.logger.Warn("request journal write failed", "seq", e.Seq, "err", err)
		if s.metrics != nil {
			s.metrics.JournalErrors.Inc()
		}
	}
}

// Health probes the upstream introspection endpoint. It never touches the
// request counter or the journal.
func (s *ProxyService) Health(ctx context.Context) model.HealthReport {
	report := model.HealthReport{
		RemoteURL:      s.cfg.Upstream.BaseURL,
		RequestsServed: s.served.Load(),
	}

	code, err := s.client.Probe(ctx, s.buildUpstreamURL(s.cfg.Upstream.HealthPath, "", nil))
	if err != nil {
		report.Status = model.StatusUnhealthy
		report.Error = err.Error()
		return report
	}

	report.RemoteStatus = code
	if code < 200 || code > 299 {
		report.Status = model.StatusUnhealthy
		report.Error = fmt.Sprintf("upstream returned %d %s", code, http.StatusText(code))
		return report
	}

	report.Status = model.StatusHealthy
	return report
}

// buildUpstreamURL appends path verbatim to the base URL and carries the
// caller's query, multi-valued keys included. When rawPath is set, its
// escaping (such as an encoded slash) is kept on the wire.
func (s *ProxyService) buildUpstreamURL(path, rawPath string, query url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + path
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = strings.TrimRight(s.baseURL.EscapedPath(), "/") + rawPath
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Content-Type", "application/json")
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !strippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// Package client provides the HTTP client for the tunneled inference server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"ollama-tunnel-proxy/internal/config"
	"ollama-tunnel-proxy/internal/metrics"
	"ollama-tunnel-proxy/internal/model"
)

// Tunnel providers serve an interstitial warning page to clients they do
// not recognise. The skip header plus a browser User-Agent bypass it.
const (
	bypassHeader = "Ngrok-Skip-Browser-Warning"
	browserUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// UpstreamClient sends authenticated requests through the tunnel.
type UpstreamClient struct {
	httpClient    *http.Client
	username      string
	password      string
	timeout       time.Duration
	healthTimeout time.Duration
	breaker       *gobreaker.CircuitBreaker
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No http.Client.Timeout is set: deadlines are applied per request through
// the context so they also cover the streamed body and surface as
// context.DeadlineExceeded.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &UpstreamClient{
		httpClient:    &http.Client{Transport: transport},
		username:      cfg.Upstream.Username,
		password:      cfg.Upstream.Password,
		timeout:       cfg.Upstream.Timeout(),
		healthTimeout: cfg.Upstream.HealthTimeout(),
		logger:        logger.With("component", "upstream_client"),
		metrics:       m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breaker = newBreaker(cb, c.logger, m)
	}

	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.ConsecutiveFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transport failures count; a caller hanging up says nothing
		// about the tunnel.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.BreakerState.Set(float64(to))
			}
		},
	})
}

// authorize adds credentials and bypass headers to an outbound request.
func (c *UpstreamClient) authorize(req *http.Request) {
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set(bypassHeader, "true")
	req.Header.Set("User-Agent", browserUA)
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.send(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(Classify(err).String()).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// send runs the request, through the circuit breaker when one is configured.
func (c *UpstreamClient) send(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The upstream deadline starts now and runs until the body is closed; when
// ctx is canceled (e.g. the client disconnects) the upstream request is
// canceled as well.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	ctx, cancel := withOptionalTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	c.authorize(req)

	resp, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Probe issues a GET to url with the health timeout and returns the status
// code. The body is discarded. Probes bypass the circuit breaker.
func (c *UpstreamClient) Probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := withOptionalTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}

// withOptionalTimeout applies d when it is positive; zero means no deadline.
func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

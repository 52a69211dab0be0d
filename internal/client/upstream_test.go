package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"ollama-tunnel-proxy/internal/config"
	"ollama-tunnel-proxy/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Username:             "admin",
			Password:             "hashed",
			TimeoutSeconds:       10,
			HealthTimeoutSeconds: 5,
			IdleConnections:      10,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hashed" {
			t.Errorf("basic auth = %q/%q (ok=%v), want admin/hashed", user, pass, ok)
		}
		if got := r.Header.Get("ngrok-skip-browser-warning"); got != "true" {
			t.Errorf("bypass header = %q, want %q", got, "true")
		}
		if got := r.Header.Get("User-Agent"); got != browserUA {
			t.Errorf("User-Agent = %q, want browser UA", got)
		}
		if got := r.Header.Get("X-Trace"); got != "1" {
			t.Errorf("X-Trace = %q, want caller header preserved", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), testLogger(), metrics.New())

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/api/tags", http.Header{"X-Trace": {"1"}}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_DoStream_ConnectionRefused(t *testing.T) {
	c := NewUpstreamClient(testConfig(), testLogger(), nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", nil, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
	if k := Classify(err); k != KindUnreachable {
		t.Errorf("Classify() = %v, want %v (err = %v)", k, KindUnreachable, err)
	}
}

func TestUpstreamClient_DoStream_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewUpstreamClient(testConfig(), testLogger(), nil)
	c.timeout = 50 * time.Millisecond

	_, err := c.DoStream(context.Background(), http.MethodPost, srv.URL+"/api/generate", nil, nil)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	if k := Classify(err); k != KindTimeout {
		t.Errorf("Classify() = %v, want %v (err = %v)", k, KindTimeout, err)
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", nil, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if k := Classify(err); k != KindCanceled {
		t.Errorf("Classify() = %v, want %v", k, KindCanceled)
	}
}

func TestUpstreamClient_CircuitBreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 2,
		OpenSeconds:         60,
	}
	m := metrics.New()
	c := NewUpstreamClient(cfg, testLogger(), m)

	for range 2 {
		if _, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil, nil); err == nil {
			t.Fatal("expected connection error")
		}
	}

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if k := Classify(err); k != KindUnreachable {
		t.Errorf("Classify() = %v, want %v", k, KindUnreachable)
	}
}

func TestUpstreamClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), testLogger(), nil)

	code, err := c.Probe(context.Background(), srv.URL+"/api/tags")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if code != http.StatusOK {
		t.Errorf("Probe() = %d, want %d", code, http.StatusOK)
	}

	code, err = c.Probe(context.Background(), srv.URL+"/missing")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if code != http.StatusNotFound {
		t.Errorf("Probe() = %d, want %d", code, http.StatusNotFound)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", &url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}, KindCanceled},
		{"os timeout", &url.Error{Op: "Get", URL: "http://x", Err: os.ErrDeadlineExceeded}, KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "abc.ngrok-free.app"}, KindUnreachable},
		{"refused", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, KindUnreachable},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, KindUnreachable},
		{"circuit open", fmt.Errorf("%w: open", ErrCircuitOpen), KindUnreachable},
		{"other", errors.New("tls: bad certificate"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"

	"ollama-tunnel-proxy/internal/client"
	"ollama-tunnel-proxy/internal/metrics"
	"ollama-tunnel-proxy/internal/model"
	"ollama-tunnel-proxy/internal/service"
)

// relayBufferSize bounds how much of the upstream body is held at once.
const relayBufferSize = 32 * 1024

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(?i)(https?://[^:/@\s"]+:)[^@\s"]+@`)

// ProxyHandler forwards any request to the upstream inference server.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back,
// flushing after every chunk so generation output reaches the client as it
// is produced.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	rid, _ := c.Get(model.RequestIDKey).(string)
	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		RequestID: rid,
		Method:    req.Method,
		Path:      req.URL.Path,
		RawPath:   req.URL.RawPath,
		Query:     req.URL.Query(),
		Header:    req.Header,
		Body:      req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The relayed header set is exactly what the upstream sent, so anything
	// middleware put on the response (X-Request-Id) is cleared first.
	header := c.Response().Header()
	clear(header)
	for key, vals := range resp.Header {
		header[key] = vals
	}
	// Stop net/http from sniffing a Content-Type the upstream never sent.
	if _, ok := resp.Header["Content-Type"]; !ok {
		header["Content-Type"] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status line is out, failures can only truncate the stream;
	// they are logged, not mapped.
	chunks, n, err := h.relay(c.Response(), resp.Body)
	if err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"kind", client.Classify(err).String(),
			"seq", resp.Seq,
			"path", req.URL.Path,
			"chunks", chunks,
		)
	}

	h.logger.Info("proxied request",
		"seq", resp.Seq,
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"chunks", chunks,
		"bytes", n,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// relay copies src to w chunk by chunk, flushing after each write. Writes
// block on a slow client, which in turn stops reads from upstream.
func (h *ProxyHandler) relay(w *echo.Response, src io.Reader) (chunks int, written int64, err error) {
	buf := make([]byte, relayBufferSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return chunks, written, fmt.Errorf("write to client: %w", werr)
			}
			w.Flush()
			chunks++
			if h.metrics != nil {
				h.metrics.StreamedChunks.Inc()
				h.metrics.StreamedBytes.Add(float64(nw))
			}
		}
		if rerr == io.EOF {
			return chunks, written, nil
		}
		if rerr != nil {
			return chunks, written, fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, map[string]string{
			"error": fmt.Sprint(he.Message),
		})
	}

	switch client.Classify(err) {
	case client.KindTimeout:
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out; the inference server may be overloaded",
		})
	case client.KindUnreachable:
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "upstream unreachable; the inference server or tunnel may be down",
		})
	case client.KindCanceled:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "client disconnected",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "proxy error: " + sanitizeError(err),
	})
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return redact(err.Error())
}

func redact(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}[REDACTED]@")
}

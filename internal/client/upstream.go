// Package client provides the pooled HTTP client used to reach the upstream API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"mistral-relay-go/internal/config"
	"mistral-relay-go/internal/metrics"
	"mistral-relay-go/internal/model"
)

// ErrStreamIdle is returned from a response body read after the upstream sent
// nothing for longer than the configured stream idle timeout.
var ErrStreamIdle = errors.New("upstream stream idle timeout")

// UpstreamClient sends requests to the upstream API.
// It is shared by all concurrent relays.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	streamIdle time.Duration
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bounds the wait for the response head only; bodies may stream for much
		// longer and are guarded by the idle timeout instead.
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		// Bodies are relayed as-is; never let the transport negotiate or decode gzip.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
		streamIdle: time.Duration(cfg.Upstream.StreamIdleTimeoutSeconds) * time.Second,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream issues out exactly once and returns the response with its body as a
// stream. The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	var body io.Reader
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.Target, body)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if out.URL != nil {
		u := *out.URL
		req.URL = &u
	}
	req.Header = out.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.Header.Del("Host")
	dropConnectionSpecific(req.Header)
	// An absent User-Agent stays absent rather than becoming Go's default.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = nil
	}

	resp, err := c.Do(req)
	if err != nil {
		cancel(err)
		return nil, err
	}

	resp.Body = newStreamBody(resp.Body, c.streamIdle, cancel)
	return resp, nil
}

// dropConnectionSpecific removes headers the HTTP/2 transport refuses to send.
// They only have meaning alongside a Connection header, which never reaches here.
func dropConnectionSpecific(h http.Header) {
	h.Del("Upgrade")
	if te := h.Values("Te"); len(te) > 0 && (len(te) > 1 || te[0] != "trailers") {
		h.Del("Te")
	}
}

// streamBody ties the upstream request context to the body: closing it
// releases the request, and an optional idle timer cancels a stalled stream.
type streamBody struct {
	rc     io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	fired  atomic.Bool
	cancel context.CancelCauseFunc
}

func newStreamBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) *streamBody {
	b := &streamBody{rc: rc, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() {
			b.fired.Store(true)
			cancel(ErrStreamIdle)
		})
	}
	return b
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if b.timer != nil {
		if n > 0 {
			b.timer.Reset(b.idle)
		}
		if err != nil && err != io.EOF && b.fired.Load() {
			err = ErrStreamIdle
		}
	}
	return n, err
}

func (b *streamBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.rc.Close()
	b.cancel(context.Canceled)
	return err
}

// Package service implements the request side of the relay: target
// construction, header rewriting and the single upstream dispatch.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"mistral-relay-go/internal/client"
	"mistral-relay-go/internal/config"
	"mistral-relay-go/internal/model"
)

// droppedRequestHeaders never reach the upstream. Host is rewritten rather than dropped.
var droppedRequestHeaders = []string{
	"Content-Length",
	"Connection",
	"Origin",
	"Referer",
}

// RelayService turns inbound requests into upstream calls.
// It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
	origin  string
	prefix  string
	dropped map[string]bool
}

// NewRelayService creates a RelayService for the configured upstream.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.Upstream.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not absolute", cfg.Upstream.BaseURL)
	}

	dropped := make(map[string]bool, len(droppedRequestHeaders)+2)
	for _, h := range droppedRequestHeaders {
		dropped[h] = true
	}
	dropped["Host"] = true
	if cfg.Upstream.MarkerHeader != "" {
		dropped[http.CanonicalHeaderKey(cfg.Upstream.MarkerHeader)] = true
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
		origin:  u.Scheme + "://" + u.Host,
		prefix:  cfg.Upstream.PathPrefix,
		dropped: dropped,
	}, nil
}

// Forward prepares in and sends it upstream exactly once.
// The caller is responsible for closing the response body.
// Every returned error is a *model.ProxyError.
func (s *RelayService) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	out, err := s.Prepare(in)
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispatching",
		"method", out.Method,
		"url", Redact(out.Target),
	)

	resp, err := s.client.DoStream(ctx, out)
	if err != nil {
		return nil, model.NewProxyError(model.KindConnection, describeDispatchError(err), fmt.Errorf("forward to upstream: %w", err))
	}

	s.logger.Info("upstream response",
		"method", out.Method,
		"status", resp.StatusCode,
	)
	return resp, nil
}

// Prepare builds the outbound request for in without sending it.
func (s *RelayService) Prepare(in *model.InboundRequest) (*model.OutboundRequest, error) {
	u, target, err := s.BuildTarget(in.URI)
	if err != nil {
		return nil, model.NewProxyError(model.KindInternal, "failed to build upstream URL", err)
	}

	out := &model.OutboundRequest{
		Method: in.Method,
		URL:    u,
		Target: target,
		Header: s.RewriteHeaders(in.Header),
	}
	if len(in.Body) > 0 {
		out.Body = in.Body
	}
	return out, nil
}

// BuildTarget joins the upstream origin, the static path prefix and the raw
// request URI. The URI is not decoded or re-encoded, so the upstream sees the
// exact path and query the caller sent.
func (s *RelayService) BuildTarget(uri string) (*url.URL, string, error) {
	if uri == "" || uri[0] != '/' {
		return nil, "", fmt.Errorf("request URI %q is not in origin form", uri)
	}

	target := s.origin + s.prefix + uri
	u, err := url.Parse(target)
	if err != nil {
		return nil, "", fmt.Errorf("parse target: %w", err)
	}
	pinRawPath(u, s.prefix+uri)
	return u, target, nil
}

// pinRawPath makes u.RequestURI() return the path bytes of uri verbatim.
// EscapedPath re-escapes characters such as | { } ^ and ", so the request
// line is taken from Opaque instead. Query and ForceQuery are left as parsed.
func pinRawPath(u *url.URL, uri string) {
	rawPath, _, _ := strings.Cut(uri, "?")
	if strings.HasPrefix(rawPath, "//") {
		// RequestURI prefixes an Opaque starting with "//" with "scheme:", which
		// yields an absolute-form target carrying the same path.
		u.Opaque = "//" + u.Host + rawPath
		return
	}
	u.Opaque = rawPath
}

// RewriteHeaders returns a new header set for the upstream. Host is replaced,
// Content-Length, Connection, Origin, Referer and the marker header are
// removed, and everything else, credentials included, is copied unchanged.
// The result shares no value slices with in.
func (s *RelayService) RewriteHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in)+1)
	for _, key := range slices.Sorted(maps.Keys(in)) {
		ck := http.CanonicalHeaderKey(key)
		if s.dropped[ck] {
			continue
		}
		out[ck] = append(out[ck], in[key]...)
	}
	out.Set("Host", s.baseURL.Host)
	return out
}

// describeDispatchError returns a caller-safe message for a failed upstream call.
func describeDispatchError(err error) string {
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) {
		return "upstream TLS handshake failed"
	}

	var opErr *net.OpError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return "upstream connection failed"
	}

	return "upstream request failed"
}

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"mistral-relay-go/internal/client"
	"mistral-relay-go/internal/config"
	"mistral-relay-go/internal/model"
)

func newTestService(t *testing.T, baseURL, prefix string) *RelayService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			PathPrefix:      prefix,
			MarkerHeader:    config.DefaultMarkerHeader,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewRelayService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	return svc
}

func TestBuildTarget_PreservesURI(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		uri    string
	}{
		{"plain path", "", "/v1/models"},
		{"query", "", "/v1/models?limit=10"},
		{"repeated query keys", "", "/v1/files?purpose=a&purpose=b&flag"},
		{"encoded slash", "", "/v1/files/a%2Fb/content"},
		{"lower-case escapes", "", "/v1/agents/caf%c3%a9"},
		{"encoded tilde", "", "/v1/files/%7Euser"},
		{"encoded query", "", "/v1/models?q=a%20b+c&x=%2F"},
		{"empty query", "", "/v1/models?"},
		{"double slash", "", "//v1/models"},
		{"root", "", "/"},
		{"with prefix", "/v1", "/chat/completions?stream=true"},
		{"prefix keeps encoding", "/v1", "/files/a%2Fb"},
		{"pipe", "", "/v1/files/a|b"},
		{"braces", "", "/v1/x{y}"},
		{"caret", "", "/v1/a^b"},
		{"double quote", "", "/v1/a\"b"},
		{"backtick", "", "/v1/a`b"},
		{"unescaped chars with query", "/v1", "/files/{id}|x?q=a|b"},
		{"double slash with pipe", "", "//v1/a|b?x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t, "https://api.mistral.ai", tt.prefix)

			u, target, err := s.BuildTarget(tt.uri)
			if err != nil {
				t.Fatalf("BuildTarget(%q) error = %v", tt.uri, err)
			}
			want := tt.prefix + tt.uri
			// A path starting with "//" goes out in absolute form.
			if got := strings.TrimPrefix(u.RequestURI(), "https://api.mistral.ai"); got != want {
				t.Errorf("RequestURI() = %q, want %q", got, want)
			}
			if target != "https://api.mistral.ai"+want {
				t.Errorf("target = %q, want %q", target, "https://api.mistral.ai"+want)
			}
			if u.Host != "api.mistral.ai" {
				t.Errorf("Host = %q, want %q", u.Host, "api.mistral.ai")
			}
		})
	}
}

func TestBuildTarget_Rejects(t *testing.T) {
	s := newTestService(t, "https://api.mistral.ai", "")

	for _, uri := range []string{"", "*", "http://evil.example/v1/models", "/bad%zzescape"} {
		t.Run(uri, func(t *testing.T) {
			if _, _, err := s.BuildTarget(uri); err == nil {
				t.Errorf("BuildTarget(%q) expected error, got nil", uri)
			}
		})
	}
}

func TestRewriteHeaders(t *testing.T) {
	s := newTestService(t, "https://api.mistral.ai", "")
	src := http.Header{
		"Authorization":   {"Bearer X"},
		"Content-Type":    {"application/json"},
		"Content-Length":  {"500"},
		"Connection":      {"keep-alive"},
		"Origin":          {"https://app.example.com"},
		"Referer":         {"https://app.example.com/chat"},
		"X-Proxy-Request": {"1"},
		"Host":            {"relay.local:3000"},
		"Accept":          {"text/event-stream"},
		"X-Custom":        {"a", "b"},
		"referer":         {"non-canonical"},
	}

	dst := s.RewriteHeaders(src)

	tests := []struct {
		name string
		key  string
		want []string
	}{
		{"Authorization passes", "Authorization", []string{"Bearer X"}},
		{"Content-Type passes", "Content-Type", []string{"application/json"}},
		{"Accept passes", "Accept", []string{"text/event-stream"}},
		{"multi-value passes", "X-Custom", []string{"a", "b"}},
		{"Host rewritten", "Host", []string{"api.mistral.ai"}},
		{"Content-Length removed", "Content-Length", nil},
		{"Connection removed", "Connection", nil},
		{"Origin removed", "Origin", nil},
		{"Referer removed", "Referer", nil},
		{"marker removed", "X-Proxy-Request", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dst.Values(tt.key)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("header %q = %v, want %v", tt.key, got, tt.want)
			}
		})
	}

	if _, ok := dst["referer"]; ok {
		t.Error("non-canonical referer key should be removed")
	}
	if src.Get("Host") != "relay.local:3000" {
		t.Errorf("inbound Host mutated to %q", src.Get("Host"))
	}
}

func TestRewriteHeaders_NoAliasing(t *testing.T) {
	s := newTestService(t, "https://api.mistral.ai", "")
	src := http.Header{"X-Trace": {"one"}}

	dst := s.RewriteHeaders(src)
	dst["X-Trace"][0] = "changed"
	dst.Add("X-Trace", "two")

	if got := src.Values("X-Trace"); len(got) != 1 || got[0] != "one" {
		t.Errorf("inbound header changed through outbound set: %v", got)
	}
}

func TestRewriteHeaders_CustomMarker(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		BaseURL:      "https://api.mistral.ai",
		MarkerHeader: "x-relay-hop",
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewRelayService(nil, cfg, logger)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}

	dst := s.RewriteHeaders(http.Header{"X-Relay-Hop": {"1"}, "X-Proxy-Request": {"1"}})
	if dst.Get("X-Relay-Hop") != "" {
		t.Error("configured marker header should be removed")
	}
	if dst.Get("X-Proxy-Request") != "1" {
		t.Error("X-Proxy-Request is an ordinary header when another marker is configured")
	}
}

func TestPrepare_Body(t *testing.T) {
	s := newTestService(t, "https://api.mistral.ai", "")

	out, err := s.Prepare(&model.InboundRequest{Method: http.MethodGet, URI: "/v1/models", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if out.Body != nil {
		t.Errorf("empty inbound body should attach no outbound body, got %q", out.Body)
	}

	body := []byte(`{"input":"x"}`)
	out, err = s.Prepare(&model.InboundRequest{Method: http.MethodDelete, URI: "/v1/files/1", Header: http.Header{}, Body: body})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if string(out.Body) != string(body) {
		t.Errorf("outbound body = %q, want %q", out.Body, body)
	}
	if out.Method != http.MethodDelete {
		t.Errorf("Method = %q, want %q", out.Method, http.MethodDelete)
	}
}

func TestPrepare_BadURIIsInternal(t *testing.T) {
	s := newTestService(t, "https://api.mistral.ai", "")

	_, err := s.Prepare(&model.InboundRequest{Method: http.MethodGet, URI: "/bad%zz", Header: http.Header{}})
	var pe *model.ProxyError
	if !errors.As(err, &pe) {
		t.Fatalf("Prepare() error = %v, want *model.ProxyError", err)
	}
	if pe.Kind != model.KindInternal {
		t.Errorf("Kind = %v, want %v", pe.Kind, model.KindInternal)
	}
}

func TestForward_HappyPath(t *testing.T) {
	hosts := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts <- r.Host
		if r.RequestURI != "/v1/models?a=1&a=2" {
			t.Errorf("RequestURI = %q, want %q", r.RequestURI, "/v1/models?a=1&a=2")
		}
		if r.Header.Get("Authorization") != "Bearer X" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer X")
		}
		if r.Header.Get("Origin") != "" {
			t.Errorf("Origin should be removed, got %q", r.Header.Get("Origin"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list"}`))
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL, "")
	resp, err := s.Forward(context.Background(), &model.InboundRequest{
		Method: http.MethodGet,
		URI:    "/v1/models?a=1&a=2",
		Header: http.Header{"Authorization": {"Bearer X"}, "Origin": {"https://x"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"object":"list"}` {
		t.Errorf("body = %q, want %q", body, `{"object":"list"}`)
	}
	u, _ := url.Parse(upstream.URL)
	if got := <-hosts; got != u.Host {
		t.Errorf("upstream saw Host %q, want %q", got, u.Host)
	}
}

func TestForward_NoDeduplication(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL, "")
	in := &model.InboundRequest{Method: http.MethodGet, URI: "/v1/models", Header: http.Header{}}

	for range 2 {
		resp, err := s.Forward(context.Background(), in)
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestForward_UnreachableIsConnectionError(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1", "")

	_, err := s.Forward(context.Background(), &model.InboundRequest{Method: http.MethodGet, URI: "/v1/models", Header: http.Header{}})
	var pe *model.ProxyError
	if !errors.As(err, &pe) {
		t.Fatalf("Forward() error = %v, want *model.ProxyError", err)
	}
	if pe.Kind != model.KindConnection {
		t.Errorf("Kind = %v, want %v", pe.Kind, model.KindConnection)
	}
	if pe.Message == "" {
		t.Error("expected non-empty message")
	}
}

func TestDescribeDispatchError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"canceled", &url.Error{Op: "Get", URL: "https://api.mistral.ai", Err: context.Canceled}, "client disconnected"},
		{"deadline", &url.Error{Op: "Get", URL: "https://api.mistral.ai", Err: context.DeadlineExceeded}, "upstream request timed out"},
		{"dns", &url.Error{Op: "Get", URL: "https://api.mistral.ai", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "api.mistral.ai", IsNotFound: true}}}, "upstream host unreachable"},
		{"tls", &url.Error{Op: "Get", URL: "https://api.mistral.ai", Err: &tls.CertificateVerificationError{Err: errors.New("bad cert")}}, "upstream TLS handshake failed"},
		{"refused", &url.Error{Op: "Get", URL: "https://api.mistral.ai", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, "upstream connection failed"},
		{"other", errors.New("boom"), "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeDispatchError(fmt.Errorf("upstream request: %w", tt.err)); got != tt.want {
				t.Errorf("describeDispatchError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "redacts key in URL",
			in:   `Get "https://api.mistral.ai/v1/models?key=secret123&limit=1": connection refused`,
			want: `Get "https://api.mistral.ai/v1/models?key=[REDACTED]&limit=1": connection refused`,
		},
		{
			name: "redacts api_key at end of URL",
			in:   `https://api.mistral.ai/v1/models?api_key=secret123`,
			want: `https://api.mistral.ai/v1/models?api_key=[REDACTED]`,
		},
		{
			name: "no secret unchanged",
			in:   "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact() = %q, want %q", got, tt.want)
			}
		})
	}
}

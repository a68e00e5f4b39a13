// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// InboundRequest is a caller request as received by the listener.
// URI is the raw path and query exactly as sent on the request line.
type InboundRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   []byte
}

// OutboundRequest is the request issued against the upstream for one InboundRequest.
type OutboundRequest struct {
	Method string
	URL    *url.URL
	Target string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the upstream response to be streamed back.
// Body is read lazily; the caller must close it.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

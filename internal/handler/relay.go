package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"mistral-relay-go/internal/client"
	"mistral-relay-go/internal/metrics"
	"mistral-relay-go/internal/model"
	"mistral-relay-go/internal/service"
)

const copyBufferSize = 32 * 1024

// Stream abort reasons, used as log fields and metric labels.
const (
	abortClientGone    = "client_gone"
	abortUpstreamIdle  = "upstream_idle"
	abortUpstreamError = "upstream_error"
)

// RelayHandler forwards every inbound request to the upstream API and streams
// the response back unchanged.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. The metrics parameter may be nil.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle relays the request upstream and writes the upstream status, headers
// and body back as they arrive.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// Body limit violations surface here as *echo.HTTPError (413).
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.mapError(c, model.NewProxyError(model.KindInternal, "failed to read request body", err))
	}

	in := &model.InboundRequest{
		Method: req.Method,
		URI:    requestURI(req),
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Forward(req.Context(), in)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	if res.Committed {
		h.logger.Warn("response already started, dropping upstream response",
			"method", req.Method,
			"path", req.URL.Path,
			"upstream_status", resp.StatusCode,
		)
		return nil
	}

	header := res.Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	res.WriteHeader(resp.StatusCode)

	n, readErr, writeErr := h.stream(res, resp.Body)
	if readErr == nil && writeErr == nil {
		return nil
	}

	err = readErr
	if writeErr != nil {
		err = writeErr
	}
	h.abort(c, abortReason(req.Context(), readErr, writeErr), err, n)
	return nil
}

// stream copies the upstream body to the caller, flushing after every write
// so events reach the caller as soon as the upstream emits them.
func (h *RelayHandler) stream(res *echo.Response, body io.Reader) (written int64, readErr, writeErr error) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			m, werr := res.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, nil, werr
			}
			res.Flush()
		}
		if err == io.EOF {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}

// abort gives up on a response whose head was already sent. The caller sees a
// truncated stream rather than a second, contradictory response.
func (h *RelayHandler) abort(c echo.Context, reason string, err error, written int64) {
	req := c.Request()
	pe := model.NewProxyError(model.KindStreaming, reason, err)
	h.logger.Warn("stream aborted",
		"reason", reason,
		"method", req.Method,
		"path", req.URL.Path,
		"sent", humanize.IBytes(uint64(max(written, 0))),
		"err", service.Redact(pe.Error()),
	)
	if h.metrics != nil {
		h.metrics.StreamAborts.WithLabelValues(reason).Inc()
	}
	panic(http.ErrAbortHandler)
}

func abortReason(ctx context.Context, readErr, writeErr error) string {
	switch {
	case writeErr != nil || ctx.Err() != nil:
		return abortClientGone
	case errors.Is(readErr, client.ErrStreamIdle):
		return abortUpstreamIdle
	default:
		return abortUpstreamError
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	var pe *model.ProxyError
	if !errors.As(err, &pe) {
		pe = model.NewProxyError(model.KindInternal, "internal relay error", err)
	}

	// A head is already out, so an error body would be spliced into it.
	if c.Response().Committed {
		h.abort(c, abortReason(req.Context(), pe, nil), pe, c.Response().Size)
	}

	status := http.StatusInternalServerError
	if pe.Kind != model.KindInternal {
		status = http.StatusBadGateway
		var netErr net.Error
		if errors.As(pe, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
	}

	if errors.Is(pe, context.Canceled) {
		h.logger.Warn("client disconnected before upstream responded",
			"method", req.Method,
			"path", req.URL.Path,
		)
	} else {
		h.logger.Error("proxy error",
			"kind", pe.Kind.String(),
			"status", status,
			"method", req.Method,
			"path", req.URL.Path,
			"err", service.Redact(pe.Error()),
		)
	}

	return c.JSON(status, map[string]string{
		"error": pe.Message,
	})
}

// requestURI returns the raw origin-form path and query of req.
func requestURI(req *http.Request) string {
	if uri := req.RequestURI; uri != "" && uri[0] == '/' {
		return uri
	}
	return req.URL.RequestURI()
}

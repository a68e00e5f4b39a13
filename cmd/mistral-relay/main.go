package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"mistral-relay-go/internal/client"
	"mistral-relay-go/internal/config"
	"mistral-relay-go/internal/handler"
	"mistral-relay-go/internal/metrics"
	"mistral-relay-go/internal/middleware"
	"mistral-relay-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the router behind the admin listener. The wrapper keeps it
// apart from the relay router in the fx graph.
type adminEcho struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("mistral-relay"),
		kong.Description("Transparent relay for the Mistral AI API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newAdminEcho,
			client.NewUpstreamClient,
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; consumers check for nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// No WriteTimeout: completions may stream for minutes. The upstream head
	// and idle timeouts bound a stalled relay instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.CORS(cfg.CORS))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho() adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	return adminEcho{e}
}

func registerRoutes(e *echo.Echo, admin adminEcho, relay *handler.RelayHandler, health *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	handler.RegisterRoutes(e, relay)
	handler.RegisterAdminRoutes(admin.Echo, health, m, cfg)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// listen binds addr, optionally expecting a PROXY protocol header on every
// connection so RemoteAddr reflects the real client behind a load balancer.
func listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if proxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return ln, nil
}

// serverHandler returns the root handler for the relay listener.
func serverHandler(e *echo.Echo, cfg *config.Config) http.Handler {
	if cfg.Server.H2C {
		return h2c.NewHandler(e, &http2.Server{})
	}
	return e
}

func serve(srv *http.Server, ln net.Listener, name string, logger *slog.Logger) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "server", name, "err", err)
	}
}

func startServers(lc fx.Lifecycle, e *echo.Echo, admin adminEcho, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := listen(addr, cfg.Server.ProxyProtocol)
			if err != nil {
				return err
			}

			var adminLn net.Listener
			if cfg.Admin.Enabled {
				adminLn, err = listen(cfg.Admin.Addr(), false)
				if err != nil {
					return multierr.Append(err, ln.Close())
				}
			}

			e.Server.Handler = serverHandler(e, cfg)
			logger.Info("starting relay",
				"addr", addr,
				"upstream", cfg.Upstream.BaseURL,
				"path_prefix", cfg.Upstream.PathPrefix,
				"body_limit", humanize.IBytes(uint64(cfg.Server.BodyMaxBytes)),
				"h2c", cfg.Server.H2C,
				"proxy_protocol", cfg.Server.ProxyProtocol,
				"version", version,
			)
			go serve(e.Server, ln, "relay", logger)

			if adminLn != nil {
				logger.Info("starting admin server", "addr", cfg.Admin.Addr(), "metrics", cfg.Metrics.Enabled)
				go serve(admin.Server, adminLn, "admin", logger)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down")
			err := e.Shutdown(ctx)
			if cfg.Admin.Enabled {
				err = multierr.Append(err, admin.Shutdown(ctx))
			}
			return err
		},
	})
}

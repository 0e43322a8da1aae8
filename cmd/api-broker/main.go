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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"api-broker/internal/client"
	"api-broker/internal/config"
	"api-broker/internal/handler"
	"api-broker/internal/metrics"
	"api-broker/internal/middleware"
	"api-broker/internal/model"
	"api-broker/internal/secret"
	"api-broker/internal/service"
	"api-broker/internal/signature"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("api-broker"),
		kong.Description("Loopback broker that injects API credentials into signed requests from local callers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() model.Version { return model.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newSecret,
			service.NewStore,
			newEcho,
			client.NewForwarder,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewSecretHandler,
			handler.NewVarsHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics, warnConfig, startServer, startWatcher),
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

func newSecret(cfg *config.Config, logger *slog.Logger) (*secret.Manager, error) {
	return secret.Load(cfg.Proxy.SecretFile, time.Duration(cfg.Proxy.SecretTTLSeconds)*time.Second, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout must
	// stay above the upstream timeout so a slow upstream still gets answered.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + 10*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", "err", err, "path", c.Request().URL.Path, "stack", string(stack))
			return err
		},
	}))
	e.Use(middleware.RequestID())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	// A wildcard origin is only acceptable because the listener is loopback-only.
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, signature.Header},
		MaxAge:       600,
	}))

	if cfg.Proxy.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Proxy.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Proxy.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnSkipped(logger)
}

// listen binds the configured unix socket (mode 0600) or loopback TCP address.
func listen(cfg *config.Config) (net.Listener, string, error) {
	if path := cfg.Proxy.Socket; path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		ln, err := listenUnix(path)
		if err != nil {
			return nil, "", fmt.Errorf("bind %s: %w", path, err)
		}
		if err := os.Chmod(path, 0o600); err != nil {
			_ = ln.Close()
			return nil, "", fmt.Errorf("chmod %s: %w", path, err)
		}
		return ln, "unix:" + path, nil
	}

	addr := cfg.Proxy.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("bind %s: %w", addr, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && !tcp.IP.IsLoopback() {
		_ = ln.Close()
		return nil, "", fmt.Errorf("refusing non-loopback listener %s", ln.Addr())
	}
	return ln, addr, nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, addr, err := listen(cfg)
			if err != nil {
				return err
			}
			logger.Info("starting server", "addr", addr, "apis", len(cfg.APIs))
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

// startWatcher reloads the config on file change when --dev is set.
func startWatcher(lc fx.Lifecycle, cli *config.CLI, cfg *config.Config, store *service.Store, logger *slog.Logger) error {
	if !cli.Dev {
		return nil
	}
	w, err := config.NewWatcher(cfg.FilePath(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("config hot reload enabled", "path", cfg.FilePath())
			go func() {
				defer close(done)
				w.Run(ctx, func() {
					reload := *cli
					reload.Config = cfg.FilePath()
					_ = store.Reload(func() (*config.Config, error) { return config.Load(&reload) })
				})
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
	return nil
}

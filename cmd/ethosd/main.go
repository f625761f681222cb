// Command ethosd is the main entry point for the Ethos memory engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modernmethod/ethos/internal/app"
	"github.com/modernmethod/ethos/internal/config"
	"github.com/modernmethod/ethos/internal/observe"
	httptransport "github.com/modernmethod/ethos/pkg/transport/http"
	"github.com/modernmethod/ethos/pkg/transport/socket"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ethosd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ethosd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Service.LogLevel)
	slog.SetDefault(logger)

	slog.Info("ethosd starting",
		"config", *configPath,
		"socket_path", cfg.Service.SocketPath,
		"http_addr", cfg.Service.HTTPAddr,
		"log_level", cfg.Service.LogLevel,
	)

	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "ethos",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to init telemetry providers", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var (
		socketSrv  *socket.Server
		httpSrv    *http.Server
		metricsSrv *http.Server
	)

	if cfg.Service.SocketPath != "" {
		socketSrv = socket.New(cfg.Service.SocketPath, application.Core())
		go func() {
			if err := socketSrv.ListenAndServe(ctx); err != nil {
				slog.Error("socket server exited", "err", err)
				stop()
			}
		}()
		slog.Info("socket surface listening", "path", cfg.Service.SocketPath)
	}

	if cfg.Service.HTTPAddr != "" {
		mux := http.NewServeMux()
		application.Health().Register(mux)
		httptransport.New(application.Core()).Register(mux)
		// With no dedicated metrics_addr, /metrics rides the main HTTP mux.
		if cfg.Service.MetricsAddr == "" {
			mux.Handle("GET /metrics", promhttp.Handler())
		}

		httpSrv = &http.Server{
			Addr:    cfg.Service.HTTPAddr,
			Handler: observe.Middleware(application.Metrics())(mux),
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server exited", "err", err)
				stop()
			}
		}()
		slog.Info("http surface listening", "addr", cfg.Service.HTTPAddr)
	}

	if cfg.Service.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Service.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server exited", "err", err)
				stop()
			}
		}()
		slog.Info("metrics surface listening", "addr", cfg.Service.MetricsAddr)
	}

	slog.Info("ethosd ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if socketSrv != nil {
		if err := socketSrv.Close(); err != nil {
			slog.Warn("socket server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Command ratelimitd runs the admission scheduler as a standalone daemon:
// it loads configuration, registers with the coordinator, and exposes the
// debug HTTP surface until SIGINT or SIGTERM. It submits no jobs itself;
// work is queued by code that imports the limiter package as a library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ratelimiter/internal/config"
	"ratelimiter/internal/coordinator"
	"ratelimiter/internal/debughttp"
	"ratelimiter/internal/limiter"
	"ratelimiter/internal/statsring"
	"ratelimiter/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting ratelimitd",
		"debug_http_addr", cfg.Server.DebugHTTPAddr,
		"coordinator_driver", cfg.Database.Driver,
	)

	metrics, shutdownTelemetry, err := telemetry.Init(cfg.Telemetry.PrometheusEnabled)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	var coord limiter.CoordinatorClient
	switch cfg.Database.Driver {
	case "postgres":
		slog.Info("initializing postgres coordinator",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database,
		)
		pg, err := coordinator.NewPostgres(&cfg.Database, logger)
		if err != nil {
			slog.Error("failed to initialize postgres coordinator", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		pg.SetMetrics(metrics)
		coord = pg
	default:
		slog.Info("running without fleet coordination", "driver", cfg.Database.Driver)
		coord = coordinator.NewLocal()
	}

	history := statsring.New(256)

	facade, err := limiter.New(cfg, coord,
		limiter.WithLogger(logger),
		limiter.WithMetrics(metrics),
		limiter.WithHistory(history),
	)
	if err != nil {
		slog.Error("failed to build rate limiter facade", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := facade.Start(ctx); err != nil {
		slog.Error("failed to start rate limiter facade", "error", err)
		os.Exit(1)
	}

	debugServer := debughttp.NewServer(facade, metrics)
	go func() {
		slog.Info("starting debug http server", "addr", cfg.Server.DebugHTTPAddr)
		if err := debugServer.Start(ctx, cfg.Server.DebugHTTPAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("debug http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", fmt.Sprint(sig))

	cancel()
	facade.Stop()

	time.Sleep(1 * time.Second)
	slog.Info("ratelimitd stopped")
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/app"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = ""

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return 2
	}
	if version != "" {
		cfg.Version = version
	}

	log := logger.New("booking-service", cfg.LogLevel)
	log.Info("booking service starting",
		slog.String("version", cfg.Version),
		slog.String("environment", cfg.Environment),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("bus", cfg.BusDriver),
	)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Error("booking service exited with error", slog.String("error", err.Error()))
		return 1
	}
	log.Info("booking service stopped")
	return 0
}

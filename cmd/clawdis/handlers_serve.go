package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clawdis/clawdis/internal/app"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/observability"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// runServe loads config, builds the gateway runtime, and runs it until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := strings.TrimSpace(cfg.Logging.Dir)
	if logDir == "" {
		logDir = config.LogDir()
	}
	daily := observability.NewDailyFile(logDir)
	defer daily.Close() //nolint:errcheck

	level := observability.ParseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	handler := observability.NewRedactingHandler(slog.NewJSONHandler(
		io.MultiWriter(os.Stderr, daily),
		&slog.HandlerOptions{Level: level},
	))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting clawdis gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"stateDir", config.StateDir(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, app.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	logger.Info("clawdis gateway started", "addr", application.Gateway().Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("clawdis gateway stopped")
	return nil
}

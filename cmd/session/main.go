package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"remotelink/internal/server"
	"remotelink/pkg/config"
	"remotelink/pkg/logger"
	"remotelink/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, path, err := config.LoadFirst(config.SearchPaths...)
	if err != nil {
		// Fall back to defaults so a bad file does not block local runs.
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Warnw("invalid configuration, using defaults", "error", err)
	} else if path != "" {
		log.Infow("loaded configuration", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "remotelink-session",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	srv, err := server.New(cfg, server.ModeAPI, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, log)
	if err != nil {
		log.Fatalw("failed to build server", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Errorw("session server stopped", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("failed to flush traces", "error", err)
	}
	log.Info("remotelink session server stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rtsp2hls/internal/app"
	"rtsp2hls/internal/platform/config"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/platform/metrics"
)

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv(config.EnvLogLevel, "info"), config.GetEnv(config.EnvLogFormat, "json"))

	cfg, err := config.FromEnv()
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			fmt.Fprintf(os.Stderr, "rtsp2hls: %v\n", err)
			os.Exit(2)
		}
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	a, err := app.New(cfg, log, met)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received, draining connections", "signal", sig.String())
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("relay failed", "error", err)
		os.Exit(1)
	}

	log.Info("relay stopped")
}

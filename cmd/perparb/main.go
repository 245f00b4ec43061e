// Command perparb runs the single-venue perp/spot arbitrage engine
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perparb/internal/app"
	"perparb/internal/config"
	"perparb/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config (optional; env vars apply on top)")
	flag.Parse()

	// Load .env if present; real env always wins
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded", "base", cfg.Pair.Base, "dry_run", cfg.Trading.DryRun)

	// The venue client is provided by the deployment; without one the
	// engine runs against the embedded paper venue
	engine, err := app.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		engine.Shutdown(drainCtx)
		return <-errCh
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/magicianjarden/audiio-relay/internal/config"
	"github.com/magicianjarden/audiio-relay/internal/logging"
	"github.com/magicianjarden/audiio-relay/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	console := flag.Bool("console", false, "Human-readable log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, *console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg, logger, nil)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("relay exited with error", zap.Error(err))
	}
}

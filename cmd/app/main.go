// cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	dataDir    = flag.String("data-dir", "./data", "Data directory path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel, logger)

	node, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	if err := node.Start(ctx); err != nil {
		node.Stop(context.Background())
		logger.Fatal("Failed to start node", zap.Error(err))
	}
	logger.Info("Validator node running",
		zap.String("environment", cfg.Environment),
		zap.String("address", node.identity.Address()))

	if err := node.waitUntilStopped(ctx, shutdownTimeout); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("All services stopped")
}

func setupSignalHandling(cancel context.CancelFunc, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	if debug {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	return utils.NewLogger(logCfg)
}

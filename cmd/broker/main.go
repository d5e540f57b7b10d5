// Command broker runs the storage-less relay from spec.md §4.6 as a
// standalone HTTP process. Configuration follows SPEC_FULL.md §6.4: an
// optional CONFIG_FILE overridden by the PORT environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/i5heu/blocksync/internal/broker"
	"github.com/i5heu/blocksync/internal/config"
	"github.com/i5heu/blocksync/internal/health"
	"github.com/i5heu/blocksync/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "broker error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) error {
	sampler, err := health.NewSampler()
	if err != nil {
		return fmt.Errorf("create health sampler: %w", err)
	}

	srv := broker.New(broker.Config{
		NodeTimeout:     cfg.NodeTimeout,
		GCInterval:      cfg.GCInterval,
		PullTimeout:     cfg.PullTimeout,
		MaxUsers:        cfg.MaxUsers,
		MaxNodesPerUser: cfg.MaxNodesPerUser,
	}, logger, sampler)
	defer srv.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.InfoContext(ctx, "broker listening", "addr", addr)
	return srv.Listen(ctx, addr)
}

// Command node runs a single sync node: a local BlockGraph and Database
// synchronized against a broker over HTTP (spec.md §2). Configuration
// follows SPEC_FULL.md §6.4: an optional CONFIG_FILE overridden by the
// environment variables named in spec.md §6.4.
//
// When MAX_GENERATION_TICKS is set, the node also runs a small
// deterministic workload generator (spec.md §6.4's "test-driven runs")
// that upserts random fields into a "bench" collection once per tick and,
// once the tick budget is exhausted, writes the converged database hash
// to OUTPUT_DIR — enough to drive a convergence test across two node
// processes without carrying over the teacher's own CLI/test-harness
// internals (explicitly out of scope per spec.md's Non-goals).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/i5heu/blocksync/internal/blockgraph"
	"github.com/i5heu/blocksync/internal/brokerclient"
	"github.com/i5heu/blocksync/internal/config"
	"github.com/i5heu/blocksync/internal/database"
	"github.com/i5heu/blocksync/internal/logging"
	"github.com/i5heu/blocksync/internal/storage"
	"github.com/i5heu/blocksync/internal/synccore"
	"github.com/i5heu/blocksync/internal/syncengine"
	"github.com/i5heu/blocksync/pkg/update"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
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
		logger.ErrorContext(context.Background(), "node error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.NodeConfig, logger *slog.Logger) error {
	dataDir := filepath.Join(cfg.OutputDir, "data-"+cfg.NodeID)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	storageLog := logrus.New().WithField("component", "storage")
	store, err := storage.Open(dataDir, storageLog)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	graph := blockgraph.New(store)
	if err := graph.LoadHeadBlocks(ctx); err != nil {
		return fmt.Errorf("load head blocks: %w", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = cfg.NodeID
	}
	client := brokerclient.New(cfg.BrokerAddr, userID, cfg.NodeID)

	var eng *syncengine.SyncEngine
	db := database.New(cfg.NodeID, store, func(ctx context.Context, updates []update.Update) error {
		return eng.CommitUpdates(ctx, updates)
	})

	eng = syncengine.New(syncengine.Config{
		NodeID:          cfg.NodeID,
		TickInterval:    cfg.TickInterval,
		MaxTickInterval: cfg.MaxTickInterval,
	}, graph, syncengine.NewPendingMap(), client, synccore.OnIncomingUpdatesFunc(db.ApplyIncomingUpdates), logger)

	if err := eng.StartSync(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	defer eng.StopSync()

	logger.InfoContext(ctx, "node started", "nodeId", cfg.NodeID, "broker", cfg.BrokerAddr)

	if cfg.MaxGenerationTicks > 0 {
		if err := runWorkload(ctx, cfg, db, logger); err != nil {
			return fmt.Errorf("run workload: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	logger.InfoContext(ctx, "node shutting down")
	return nil
}

// runWorkload upserts a random field into the "bench" collection once per
// tick, deterministically seeded by RandomSeed, then writes the converged
// database hash to OutputDir once the tick budget is spent.
func runWorkload(ctx context.Context, cfg config.NodeConfig, db *database.Database, logger *slog.Logger) error {
	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for tick := 0; tick < cfg.MaxGenerationTicks; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		docID := fmt.Sprintf("doc-%d", rng.Intn(8))
		value, err := json.Marshal(rng.Intn(1_000_000))
		if err != nil {
			return fmt.Errorf("marshal generated value: %w", err)
		}
		field := fmt.Sprintf("f%d", rng.Intn(4))
		if err := db.Collection("bench").UpsertOne(ctx, docID, update.Document{field: value}); err != nil {
			return fmt.Errorf("generate update: %w", err)
		}
		logger.DebugContext(ctx, "generated update", "tick", tick, "doc", docID, "field", field)
	}

	hash, err := db.Hash(ctx)
	if err != nil {
		return fmt.Errorf("hash database: %w", err)
	}
	outPath := filepath.Join(cfg.OutputDir, cfg.NodeID+"-result.json")
	payload, err := json.MarshalIndent(map[string]string{"nodeId": cfg.NodeID, "databaseHash": hash}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(outPath, payload, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	logger.InfoContext(ctx, "workload complete", "outPath", outPath, "databaseHash", hash)
	return nil
}

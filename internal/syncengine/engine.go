// Package syncengine owns the two independent background loops from
// spec.md §4.4: the check-in loop and the pull loop, both running against
// SyncCore's pure procedures. Grounded in the teacher's ticker-driven
// background services (OuroborosDB.go's createGarbageCollection,
// internal/health's polling loop), generalized to cooperative
// context-cancellation instead of a bare unstoppable ticker.
package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/i5heu/blocksync/internal/synccore"
	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

// Config configures a SyncEngine's timing. MaxTickInterval enables adaptive
// backoff on the check-in loop when it is greater than TickInterval
// (SPEC_FULL.md §4.4); leaving it at zero or equal to TickInterval disables
// backoff, matching spec.md §4.4's "fixed interval" baseline.
type Config struct {
	NodeID          string
	TickInterval    time.Duration
	MaxTickInterval time.Duration
}

// SyncEngine runs CheckIn and ReceiveBlocks against a BlockGraph and a
// PendingBlockMap, driven by a BrokerClient (spec.md §4.4).
type SyncEngine struct {
	cfg               Config
	graph             interfaces.BlockGraph
	pending           interfaces.PendingBlockMap
	broker            interfaces.BrokerClient
	onIncomingUpdates synccore.OnIncomingUpdatesFunc
	log               *slog.Logger

	backoff backoffState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a SyncEngine. onIncomingUpdates is invoked with the
// time-ordered updates ReceiveBlocks reconstructs; a caller normally wires
// this to Database.ApplyIncomingUpdates.
func New(cfg Config, graph interfaces.BlockGraph, pending interfaces.PendingBlockMap, broker interfaces.BrokerClient, onIncomingUpdates synccore.OnIncomingUpdatesFunc, log *slog.Logger) *SyncEngine {
	if log == nil {
		log = slog.Default()
	}
	return &SyncEngine{
		cfg:               cfg,
		graph:             graph,
		pending:           pending,
		broker:            broker,
		onIncomingUpdates: onIncomingUpdates,
		log:               log.With("component", "syncengine", "nodeId", cfg.NodeID),
		backoff:           newBackoffState(cfg.TickInterval, cfg.MaxTickInterval),
	}
}

// StartSync loads head blocks, then spawns the check-in and pull loops
// (spec.md §4.4). It is a no-op if already running.
func (e *SyncEngine) StartSync(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if err := e.graph.LoadHeadBlocks(loopCtx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("syncengine: load head blocks: %w", err)
	}

	e.wg.Add(2)
	go e.runCheckInLoop(loopCtx)
	go e.runPullLoop(loopCtx)
	return nil
}

// StopSync sets the running flag false and cancels the context both loops
// run under, then waits for both loops to exit. Broker calls in flight use
// that context, so they are aborted rather than left to complete.
func (e *SyncEngine) StopSync() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// CommitUpdates forwards to BlockGraph.Commit (spec.md §4.4).
func (e *SyncEngine) CommitUpdates(ctx context.Context, updates []update.Update) error {
	_, err := e.graph.Commit(ctx, updates)
	if err != nil {
		return fmt.Errorf("syncengine: commit: %w", err)
	}
	e.backoff.noteLocalCommit()
	return nil
}

// GetBlockGraph exposes the graph for debugging/inspection only (spec.md
// §4.4).
func (e *SyncEngine) GetBlockGraph() interfaces.BlockGraph {
	return e.graph
}

func (e *SyncEngine) runCheckInLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		interval := e.backoff.current()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		changed, err := e.checkInOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("check-in failed", "error", err)
			continue
		}
		e.backoff.noteTick(changed)
	}
}

func (e *SyncEngine) checkInOnce(ctx context.Context) (directoryChanged bool, err error) {
	var lastDirectoryHash string
	err = synccore.CheckIn(ctx, e.cfg.NodeID, e.graph, e.pending,
		func(ctx context.Context, req protocol.CheckInRequest) (protocol.CheckInResponse, error) {
			resp, err := e.broker.CheckIn(ctx, req)
			if err == nil {
				lastDirectoryHash = directoryHash(e.cfg.NodeID, resp)
			}
			return resp, err
		},
		e.broker.PushBlocks,
		e.broker.RequestBlocks,
	)
	changed := e.backoff.noteDirectory(lastDirectoryHash)
	return changed, err
}

func (e *SyncEngine) runPullLoop(ctx context.Context) {
	defer e.wg.Done()
	failureBackoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := synccore.ReceiveBlocks(ctx, e.graph, e.pending,
			func(ctx context.Context) ([]update.Block, error) {
				blocks, _, err := e.broker.PullBlocks(ctx)
				return blocks, err
			},
			e.onIncomingUpdates,
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("receive blocks failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(failureBackoff):
			}
			continue
		}
	}
}

// directoryHash summarizes a CheckInResponse's peer directory so the
// backoff policy can detect "nothing changed" without deep-comparing maps
// on every tick. It excludes selfNodeID's own entry (this node's check-in
// always reports itself, so including it would make the hash change on
// every tick regardless of peer activity) and every volatile per-node
// field (LastSeen, stamped by the broker on every check-in, and Time, the
// peer's own reported clock): only each peer's set of head block ids is
// compared, since
// that is the one thing that actually changes when a peer makes progress.
func directoryHash(selfNodeID string, resp protocol.CheckInResponse) string {
	heads := make(map[string][]string, len(resp.NodeDetails))
	for nodeID, detail := range resp.NodeDetails {
		if nodeID == selfNodeID {
			continue
		}
		ids := make([]string, 0, len(detail.HeadBlocks))
		for _, b := range detail.HeadBlocks {
			ids = append(ids, string(b.ID))
		}
		sort.Strings(ids)
		heads[nodeID] = ids
	}

	data, err := json.Marshal(heads)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Package blockgraph implements interfaces.BlockGraph: the per-node DAG of
// update blocks from spec.md §4.1. It is grounded in the teacher's
// WAL/blockstore lineage (internal/wal, pkg/storage/blockstore.go) — an
// append-mostly structure over Storage with an in-memory hydration cache —
// generalized from a size-bounded write-ahead buffer to a head-tracked DAG.
package blockgraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// Graph is the concrete BlockGraph implementation.
type Graph struct {
	storage interfaces.Storage

	mu     sync.RWMutex
	heads  update.BlockIDSet
	blocks map[update.BlockID]update.Block

	// commitMu serializes Commit calls (spec.md §4.1 edge case:
	// concurrent commit on the same graph is not allowed).
	commitMu sync.Mutex
}

var _ interfaces.BlockGraph = (*Graph)(nil)

// New builds a Graph backed by storage. Call LoadHeadBlocks before use.
func New(storage interfaces.Storage) *Graph {
	return &Graph{
		storage: storage,
		heads:   update.BlockIDSet{},
		blocks:  make(map[update.BlockID]update.Block),
	}
}

// LoadHeadBlocks reads the persisted head record, then hydrates each
// listed head block from storage right away; other blocks are fetched on
// demand by HasBlock/GetBlock (spec.md §4.1).
func (g *Graph) LoadHeadBlocks(ctx context.Context) error {
	heads, err := g.storage.GetHeadRecord(ctx)
	if err != nil {
		return fmt.Errorf("blockgraph: load head record: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads = heads

	for id := range heads {
		if _, ok := g.blocks[id]; ok {
			continue
		}
		block, err := g.storage.GetBlock(ctx, id)
		if err != nil {
			return fmt.Errorf("blockgraph: hydrate head block %s: %w", id, err)
		}
		g.blocks[id] = block
	}
	return nil
}

// GetHeadBlockIds returns the current head set.
func (g *Graph) GetHeadBlockIds() update.BlockIDSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(update.BlockIDSet, len(g.heads))
	for id := range g.heads {
		out.Add(id)
	}
	return out
}

// GetHeadBlockDetails projects the current heads to the wire shape used by
// check-in (spec.md §4.3.1 step 1).
func (g *Graph) GetHeadBlockDetails() []update.BlockDetails {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]update.BlockDetails, 0, len(g.heads))
	for id := range g.heads {
		if b, ok := g.blocks[id]; ok {
			out = append(out, b.Details())
		} else {
			out = append(out, update.BlockDetails{ID: id})
		}
	}
	return out
}

// HasBlock reports whether id is present, fetching through to storage on
// an in-memory miss.
func (g *Graph) HasBlock(ctx context.Context, id update.BlockID) (bool, error) {
	g.mu.RLock()
	_, inMem := g.blocks[id]
	g.mu.RUnlock()
	if inMem {
		return true, nil
	}

	_, err := g.fetchAndCache(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetBlock is a fetch-through cache over storage.
func (g *Graph) GetBlock(ctx context.Context, id update.BlockID) (update.Block, error) {
	g.mu.RLock()
	block, ok := g.blocks[id]
	g.mu.RUnlock()
	if ok {
		return block, nil
	}
	return g.fetchAndCache(ctx, id)
}

func (g *Graph) fetchAndCache(ctx context.Context, id update.BlockID) (update.Block, error) {
	block, err := g.storage.GetBlock(ctx, id)
	if err != nil {
		return update.Block{}, err
	}
	g.mu.Lock()
	g.blocks[id] = block
	g.mu.Unlock()
	return block, nil
}

func isNotFound(err error) bool {
	return err == interfaces.ErrNotFound
}

// Commit allocates a block whose PrevBlocks is the current head set,
// writes the block and the new head record — issuable concurrently, but
// Commit only returns once both succeed — and sets the heads to the
// single new id (spec.md §4.1). Multi-head commit (when the graph has
// diverged) is exercised deliberately: PrevBlocks captures *every*
// current head, producing a merge block (SPEC_FULL.md §9).
func (g *Graph) Commit(ctx context.Context, data []update.Update) (update.Block, error) {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	prevHeads := g.GetHeadBlockIds()
	block := update.New(prevHeads, data)
	if err := block.Validate(); err != nil {
		return update.Block{}, fmt.Errorf("blockgraph: commit: %w", err)
	}
	newHeads := update.NewBlockIDSet(block.ID)

	var wg sync.WaitGroup
	var blockErr, headErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		blockErr = g.storage.StoreBlock(ctx, block)
	}()
	go func() {
		defer wg.Done()
		headErr = g.storage.StoreHeadRecord(ctx, newHeads)
	}()
	wg.Wait()

	if blockErr != nil || headErr != nil {
		// spec.md §4.1: surfaced but in-memory state is not rolled
		// back; a restart rehydrates from storage and may lose the
		// uncommitted head.
		g.mu.Lock()
		g.blocks[block.ID] = block
		g.heads = newHeads
		g.mu.Unlock()
		return block, fmt.Errorf("blockgraph: commit persistence: block=%v head=%v", blockErr, headErr)
	}

	g.mu.Lock()
	g.blocks[block.ID] = block
	g.heads = newHeads
	g.mu.Unlock()
	return block, nil
}

// Integrate adds a foreign block to the graph. A no-op if id is already
// present, making integration idempotent by id (spec.md §4.1, §8).
func (g *Graph) Integrate(ctx context.Context, block update.Block) error {
	g.mu.RLock()
	_, exists := g.blocks[block.ID]
	g.mu.RUnlock()
	if exists {
		return nil
	}
	if err := block.Validate(); err != nil {
		return fmt.Errorf("blockgraph: integrate: %w", err)
	}

	g.mu.Lock()
	g.blocks[block.ID] = block
	for prev := range block.PrevBlocks {
		delete(g.heads, prev)
	}
	g.heads.Add(block.ID)
	newHeads := make(update.BlockIDSet, len(g.heads))
	for id := range g.heads {
		newHeads.Add(id)
	}
	g.mu.Unlock()

	if err := g.storage.StoreBlock(ctx, block); err != nil {
		return fmt.Errorf("blockgraph: integrate: persist block %s: %w", block.ID, err)
	}
	if err := g.storage.StoreHeadRecord(ctx, newHeads); err != nil {
		return fmt.Errorf("blockgraph: integrate: persist heads: %w", err)
	}
	return nil
}

// GetLoadedBlocks returns every block currently hydrated in memory.
func (g *Graph) GetLoadedBlocks() []update.Block {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]update.Block, 0, len(g.blocks))
	for _, b := range g.blocks {
		out = append(out, b)
	}
	return out
}

// Export is an alias for GetLoadedBlocks, named for its use in database-
// hash comparison and debug inspection (SPEC_FULL.md §4.1).
func (g *Graph) Export() []update.Block {
	return g.GetLoadedBlocks()
}

package interfaces

import (
	"context"

	"github.com/i5heu/blocksync/pkg/update"
)

// BlockGraph is the per-node, per-user DAG of update blocks described in
// spec.md §4.1: it persists and queries the graph, tracks heads, commits
// new blocks, and integrates foreign ones. Concurrent Commit calls on the
// same graph are not supported; callers serialize (spec.md §4.1 edge
// case).
type BlockGraph interface {
	// LoadHeadBlocks hydrates the head-block set from storage. Must be
	// called once before the graph is otherwise used.
	LoadHeadBlocks(ctx context.Context) error
	// GetHeadBlockIds returns the current head set. Always consistent
	// with the in-memory block map.
	GetHeadBlockIds() update.BlockIDSet
	// GetHeadBlockDetails projects the current heads to BlockDetails,
	// the shape sent on the wire (spec.md §4.3.1 step 1).
	GetHeadBlockDetails() []update.BlockDetails
	// HasBlock reports whether id is present, fetching through to
	// storage on an in-memory miss.
	HasBlock(ctx context.Context, id update.BlockID) (bool, error)
	// GetBlock is a fetch-through cache: an in-memory hit returns
	// immediately, a miss fetches from storage and caches the result.
	GetBlock(ctx context.Context, id update.BlockID) (update.Block, error)
	// Commit allocates a new block whose PrevBlocks is the current head
	// set, persists it and the new head record, and returns it. The two
	// writes may be issued concurrently but Commit only returns once
	// both have completed (spec.md §4.1).
	Commit(ctx context.Context, data []update.Update) (update.Block, error)
	// Integrate adds a foreign block to the graph. A no-op if the id is
	// already present (idempotent by id, spec.md §4.1 and §8).
	Integrate(ctx context.Context, block update.Block) error
	// GetLoadedBlocks returns every block currently hydrated in memory.
	GetLoadedBlocks() []update.Block
	// Export returns every hydrated block, for database-hash comparison
	// and debug inspection (SPEC_FULL.md §4.1).
	Export() []update.Block
}

package syncengine

import (
	"sync"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// PendingMap is the in-memory implementation of interfaces.PendingBlockMap
// (spec.md §3): blocks received from peers whose ancestors are not yet
// all present locally. It is owned exclusively by the SyncEngine that
// runs ReceiveBlocks (spec.md §4.4), but is safe for concurrent read
// access since Collection writes on the application layer may interleave
// at any suspension point (spec.md §5).
type PendingMap struct {
	mu     sync.RWMutex
	blocks map[update.BlockID]update.Block
}

var _ interfaces.PendingBlockMap = (*PendingMap)(nil)

// NewPendingMap builds an empty pending-block map.
func NewPendingMap() *PendingMap {
	return &PendingMap{blocks: make(map[update.BlockID]update.Block)}
}

// Put inserts or overwrites a pending block by id.
func (p *PendingMap) Put(block update.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[block.ID] = block
}

// Delete removes a block from the pending set, typically once it has been
// integrated into the graph.
func (p *PendingMap) Delete(id update.BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocks, id)
}

// Values returns a snapshot of every pending block.
func (p *PendingMap) Values() []update.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]update.Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	return out
}

// Len reports the number of pending blocks.
func (p *PendingMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blocks)
}

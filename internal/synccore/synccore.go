// Package synccore implements the two pure, transport-agnostic procedures
// from spec.md §4.3: CheckIn and ReceiveBlocks. Neither talks to a network
// or a clock directly — they take callbacks and a BlockGraph, which is
// what makes them straightforward to test without a broker or storage
// fixture (spec.md calls this out explicitly: "pure procedures").
package synccore

import (
	"context"
	"fmt"
	"sort"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

// CheckInFunc posts this node's heads and returns the peer directory and
// any wanted-data map (the "checkIn" callback of spec.md §4.3.1).
type CheckInFunc func(ctx context.Context, req protocol.CheckInRequest) (protocol.CheckInResponse, error)

// PushBlocksFunc delivers resolved blocks to peerID via the broker.
type PushBlocksFunc func(ctx context.Context, peerID string, blocks []update.Block) error

// RequestBlocksFunc replaces this node's set of wanted block ids.
type RequestBlocksFunc func(ctx context.Context, ids []update.BlockID) error

// CheckIn implements spec.md §4.3.1. nodeID is this node's own id, used to
// skip self when scanning peers (the "No-self-push" invariant, spec.md
// §8).
func CheckIn(
	ctx context.Context,
	nodeID string,
	graph interfaces.BlockGraph,
	pending interfaces.PendingBlockMap,
	checkIn CheckInFunc,
	pushBlocks PushBlocksFunc,
	requestBlocks RequestBlocksFunc,
) error {
	headBlocks := graph.GetHeadBlockDetails()

	resp, err := checkIn(ctx, protocol.CheckInRequest{
		NodeID:     nodeID,
		HeadBlocks: headBlocks,
	})
	if err != nil {
		return fmt.Errorf("synccore: check-in: %w", err)
	}

	for peerID, wants := range resp.WantsData {
		if peerID == nodeID {
			continue
		}
		var resolved []update.Block
		for _, hash := range wants.RequiredHashes {
			block, err := graph.GetBlock(ctx, update.BlockID(hash))
			if err != nil {
				continue
			}
			resolved = append(resolved, block)
		}
		if len(resolved) == 0 {
			continue
		}
		if err := pushBlocks(ctx, peerID, resolved); err != nil {
			// spec.md §4.3.3: transport errors are logged by the
			// caller, not fatal — the next tick retries.
			return fmt.Errorf("synccore: push blocks to %s: %w", peerID, err)
		}
	}

	pendingIDs := update.BlockIDSet{}
	for _, b := range pending.Values() {
		pendingIDs.Add(b.ID)
	}

	needed := update.BlockIDSet{}
	for peerID, detail := range resp.NodeDetails {
		if peerID == nodeID {
			continue
		}
		for _, head := range detail.HeadBlocks {
			if needed.Has(head.ID) || pendingIDs.Has(head.ID) {
				continue
			}
			has, err := graph.HasBlock(ctx, head.ID)
			if err != nil {
				return fmt.Errorf("synccore: check head %s: %w", head.ID, err)
			}
			if !has {
				needed.Add(head.ID)
			}
		}
	}
	for _, pendingBlock := range pending.Values() {
		for prev := range pendingBlock.PrevBlocks {
			if needed.Has(prev) || pendingIDs.Has(prev) {
				continue
			}
			has, err := graph.HasBlock(ctx, prev)
			if err != nil {
				return fmt.Errorf("synccore: check prev %s: %w", prev, err)
			}
			if !has {
				needed.Add(prev)
			}
		}
	}

	if len(needed) == 0 {
		return nil
	}
	if err := requestBlocks(ctx, needed.Slice()); err != nil {
		return fmt.Errorf("synccore: request blocks: %w", err)
	}
	return nil
}

// PullBlocksFunc long-polls for blocks pushed to this node. A timeout is
// not an error: it returns an empty slice (spec.md §4.3.3).
type PullBlocksFunc func(ctx context.Context) ([]update.Block, error)

// OnIncomingUpdatesFunc receives the time-ordered updates reconstructed
// from a newly-integrated block plus every locally-affected block
// (spec.md §4.3.2 step 3).
type OnIncomingUpdatesFunc func(ctx context.Context, updates []update.Update) error

// ReceiveBlocks implements spec.md §4.3.2, including the fixed-point
// integration loop (a single pass is insufficient because newly
// integrated ancestors can unblock other pendings).
func ReceiveBlocks(
	ctx context.Context,
	graph interfaces.BlockGraph,
	pending interfaces.PendingBlockMap,
	pullBlocks PullBlocksFunc,
	onIncomingUpdates OnIncomingUpdatesFunc,
) error {
	incoming, err := pullBlocks(ctx)
	if err != nil {
		// spec.md §4.3.3: pull timeout is treated as empty
		// incomingBlocks by the transport layer already; a genuine
		// transport error still surfaces here so the caller can log
		// it, and the integration loop below is skipped for this call.
		return fmt.Errorf("synccore: pull blocks: %w", err)
	}
	for _, b := range incoming {
		pending.Put(b)
	}

	for {
		changed := false
		for _, b := range pending.Values() {
			ready, err := allPresent(ctx, graph, b.PrevBlocks)
			if err != nil {
				return fmt.Errorf("synccore: check pending ancestors: %w", err)
			}
			if !ready {
				continue
			}
			if err := integrateIncoming(ctx, graph, b, onIncomingUpdates); err != nil {
				// spec.md §4.3.3: storage errors during
				// integrate are fatal for the current call.
				return fmt.Errorf("synccore: integrate %s: %w", b.ID, err)
			}
			pending.Delete(b.ID)
			changed = true
		}
		if !changed {
			break
		}
	}
	return nil
}

func allPresent(ctx context.Context, graph interfaces.BlockGraph, ids update.BlockIDSet) (bool, error) {
	for id := range ids {
		has, err := graph.HasBlock(ctx, id)
		if err != nil {
			return false, err
		}
		if !has {
			return false, nil
		}
	}
	return true, nil
}

// integrateIncoming implements spec.md §4.3.2 step 3: it finds every
// locally-held block whose effects are not yet known to be superseded,
// appends B, integrates B into the graph, and dispatches the concatenated,
// stably-sorted updates.
func integrateIncoming(
	ctx context.Context,
	graph interfaces.BlockGraph,
	b update.Block,
	onIncomingUpdates OnIncomingUpdatesFunc,
) error {
	if len(b.Data) == 0 {
		return graph.Integrate(ctx, b)
	}
	minT := b.Data[0].Timestamp

	localBlocks, err := findBlocksFromTime(ctx, graph, minT)
	if err != nil {
		return fmt.Errorf("find blocks from time: %w", err)
	}

	if err := graph.Integrate(ctx, b); err != nil {
		return fmt.Errorf("graph integrate: %w", err)
	}
	localBlocks = append(localBlocks, b)

	var all []update.Update
	for _, block := range localBlocks {
		all = append(all, block.Data...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Less(all[j])
	})

	if onIncomingUpdates == nil {
		return nil
	}
	return onIncomingUpdates(ctx, all)
}

// findBlocksFromTime is the cutoff walk from spec.md §4.3.2/§9: BFS from
// the current heads backwards over PrevBlocks, including a block iff its
// last update's timestamp is >= minT. A block whose latest update is
// strictly older than minT is assumed already reflected in document
// state — correct only because this walk only ever visits *integrated*
// blocks (spec.md §9's documented precondition).
func findBlocksFromTime(ctx context.Context, graph interfaces.BlockGraph, minT int64) ([]update.Block, error) {
	visited := update.BlockIDSet{}
	var out []update.Block

	queue := graph.GetHeadBlockIds().Slice()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited.Has(id) {
			continue
		}
		visited.Add(id)

		block, err := graph.GetBlock(ctx, id)
		if err != nil {
			// A head we can't resolve locally is not something
			// this cutoff walk can include; skip it rather than
			// fail the whole integration.
			continue
		}
		if block.LastTimestamp() < minT {
			continue
		}
		out = append(out, block)
		for prev := range block.PrevBlocks {
			if !visited.Has(prev) {
				queue = append(queue, prev)
			}
		}
	}
	return out, nil
}

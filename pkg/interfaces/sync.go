package interfaces

import (
	"context"

	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

// BrokerClient is the transport-facing capability SyncCore's two pure
// procedures are built against (spec.md §4.3). A concrete implementation
// speaks HTTP+JSON to a Broker; tests can substitute an in-memory pair of
// nodes talking through a fake broker.
type BrokerClient interface {
	// CheckIn posts this node's head blocks and receives the peer
	// directory and any data wanted from this node.
	CheckIn(ctx context.Context, req protocol.CheckInRequest) (protocol.CheckInResponse, error)
	// PushBlocks delivers resolved blocks to a specific peer via the
	// broker.
	PushBlocks(ctx context.Context, toNodeID string, blocks []update.Block) error
	// RequestBlocks replaces this node's set of wanted block ids.
	RequestBlocks(ctx context.Context, ids []update.BlockID) error
	// PullBlocks long-polls for blocks pushed to this node. A timeout is
	// not an error: it returns an empty slice (spec.md §4.3.3).
	PullBlocks(ctx context.Context) ([]update.Block, string, error)
}

// PendingBlockMap is the in-memory set of blocks received from peers whose
// ancestors are not all present locally yet (spec.md §3). It is owned
// exclusively by the SyncEngine that runs ReceiveBlocks.
type PendingBlockMap interface {
	Put(block update.Block)
	Delete(id update.BlockID)
	Values() []update.Block
	Len() int
}

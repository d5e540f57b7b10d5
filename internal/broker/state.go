package broker

import (
	"sync"
	"time"

	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

// nodeRecord is one entry in a user's node directory (spec.md §4.6's
// NodeDirectoryEntry).
type nodeRecord struct {
	HeadBlocks     []update.BlockDetails
	Time           int64
	LastSeen       time.Time
	DatabaseHash   string
	GeneratingData bool
}

// pullWaiter is an installed long-poll registration. It is removed from
// userState.pullWaiters at most once — by push-blocks, by the waiting
// handler's own timeout or client disconnect, or by GC — and only
// push-blocks, after removing it, writes to ch (spec.md §5's resumption
// race rule).
type pullWaiter struct {
	ch chan protocol.PullBlocksResponse
}

// userState is a per-user record of §4.6's three maps, guarded by its own
// mutex so that reads and writes across users are independent (spec.md
// §5's per-user logical lock).
type userState struct {
	mu            sync.Mutex
	nodes         map[string]*nodeRecord
	pullWaiters   map[string]*pullWaiter
	blockRequests map[string]update.BlockIDSet
}

func newUserState() *userState {
	return &userState{
		nodes:         make(map[string]*nodeRecord),
		pullWaiters:   make(map[string]*pullWaiter),
		blockRequests: make(map[string]update.BlockIDSet),
	}
}

// errCeiling is returned by getOrCreateUser when the MaxUsers ceiling
// would be exceeded.
type errCeiling struct{ msg string }

func (e errCeiling) Error() string { return e.msg }

// getOrCreateUser returns the user's state, creating it if MaxUsers allows.
func (s *Server) getOrCreateUser(userID string) (*userState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	if s.cfg.MaxUsers > 0 && len(s.users) >= s.cfg.MaxUsers {
		return nil, errCeiling{"broker: max users reached"}
	}
	u := newUserState()
	s.users[userID] = u
	return u, nil
}

// nodeDetails projects the user's directory to the wire shape used by
// check-in responses.
func (u *userState) nodeDetails() map[string]protocol.NodeDetail {
	out := make(map[string]protocol.NodeDetail, len(u.nodes))
	for id, rec := range u.nodes {
		out[id] = protocol.NodeDetail{
			HeadBlocks:     rec.HeadBlocks,
			Time:           rec.Time,
			LastSeen:       rec.LastSeen.UnixMilli(),
			DatabaseHash:   rec.DatabaseHash,
			GeneratingData: rec.GeneratingData,
		}
	}
	return out
}

// wantsData projects every node with a non-empty block-request set to the
// wire shape used by check-in responses.
func (u *userState) wantsData() map[string]protocol.WantsData {
	out := make(map[string]protocol.WantsData)
	for id, set := range u.blockRequests {
		if len(set) == 0 {
			continue
		}
		hashes := make([]string, 0, len(set))
		for _, blockID := range set.Slice() {
			hashes = append(hashes, string(blockID))
		}
		out[id] = protocol.WantsData{RequiredHashes: hashes}
	}
	return out
}

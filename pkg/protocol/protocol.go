// Package protocol defines the broker HTTP+JSON wire messages from
// spec.md §6.2. The transport (HTTP, long polling) is fixed by the spec;
// the message shapes here are what a node and a broker exchange over it.
// Every request carries the caller's user id out-of-band in the
// X-User-Id header, not in these bodies.
package protocol

import "github.com/i5heu/blocksync/pkg/update"

// HeaderUserID is the header every broker request must carry. Its absence
// is a 401 (spec.md §6.2).
const HeaderUserID = "X-User-Id"

// CheckInRequest is the body of POST /check-in.
type CheckInRequest struct {
	NodeID         string                `json:"nodeId"`
	HeadBlocks     []update.BlockDetails `json:"headBlocks"`
	Time           int64                 `json:"time"`
	DatabaseHash   string                `json:"databaseHash,omitempty"`
	GeneratingData bool                  `json:"generatingData,omitempty"`
}

// NodeDetail is one peer's entry in a CheckInResponse's NodeDetails map.
type NodeDetail struct {
	HeadBlocks     []update.BlockDetails `json:"headBlocks"`
	Time           int64                 `json:"time"`
	LastSeen       int64                 `json:"lastSeen"`
	DatabaseHash   string                `json:"databaseHash,omitempty"`
	GeneratingData bool                  `json:"generatingData,omitempty"`
}

// WantsData names, per peer, the block ids that peer has asked for that
// this node might be able to supply (spec.md §4.6 check-in operation).
type WantsData struct {
	RequiredHashes []string `json:"requiredHashes"`
}

// CheckInResponse is the body returned from POST /check-in.
type CheckInResponse struct {
	NodeDetails map[string]NodeDetail `json:"nodeDetails"`
	WantsData   map[string]WantsData  `json:"wantsData,omitempty"`
}

// PullBlocksRequest is the body of POST /pull-blocks.
type PullBlocksRequest struct {
	NodeID string `json:"nodeId"`
}

// PullBlocksResponse is the body returned from POST /pull-blocks. Blocks
// is empty when the long poll times out (spec.md §4.6).
type PullBlocksResponse struct {
	Blocks     []update.Block `json:"blocks"`
	FromNodeID string         `json:"fromNodeId"`
}

// PushBlocksRequest is the body of POST /push-blocks.
type PushBlocksRequest struct {
	ToNodeID   string         `json:"toNodeId"`
	FromNodeID string         `json:"fromNodeId"`
	Blocks     []update.Block `json:"blocks"`
}

// RequestBlocksRequest is the body of POST /request-blocks. It replaces
// the caller's wanted-block set; the broker does not union across calls
// (spec.md §4.6).
type RequestBlocksRequest struct {
	NodeID         string   `json:"nodeId"`
	RequiredHashes []string `json:"requiredHashes"`
}

// StatusUser is one user's entry in the /status debug response.
type StatusUser struct {
	UserID string       `json:"userId"`
	Nodes  []StatusNode `json:"nodes"`
}

// StatusNode is one node's entry within StatusUser.
type StatusNode struct {
	NodeID           string `json:"nodeId"`
	LastSeenUnixMs   int64  `json:"lastSeenUnixMs"`
	HeadCount        int    `json:"headCount"`
	PendingRequested int    `json:"pendingRequested"`
	HasPullWaiting   bool   `json:"hasPullWaiting"`
}

// StatusResponse is the body of GET /status. Health is populated from
// internal/health's resource sampling (SPEC_FULL.md §4.6).
type StatusResponse struct {
	Users  []StatusUser `json:"users"`
	Health StatusHealth `json:"health"`
}

// StatusHealth is the broker's own liveness snapshot.
type StatusHealth struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	RSSBytes      uint64  `json:"rssBytes"`
	TotalUsers    int     `json:"totalUsers"`
	TotalNodes    int     `json:"totalNodes"`
}

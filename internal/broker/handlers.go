package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// handleCheckIn implements spec.md §4.6's check-in: upsert the caller's
// directory entry, then return the full directory plus any wantsData.
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req protocol.CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "missing nodeId", http.StatusBadRequest)
		return
	}

	user, err := s.getOrCreateUser(userIDFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	user.mu.Lock()
	if _, exists := user.nodes[req.NodeID]; !exists && s.cfg.MaxNodesPerUser > 0 && len(user.nodes) >= s.cfg.MaxNodesPerUser {
		user.mu.Unlock()
		http.Error(w, "max nodes per user reached", http.StatusServiceUnavailable)
		return
	}
	user.nodes[req.NodeID] = &nodeRecord{
		HeadBlocks:     req.HeadBlocks,
		Time:           req.Time,
		LastSeen:       time.Now(),
		DatabaseHash:   req.DatabaseHash,
		GeneratingData: req.GeneratingData,
	}
	resp := protocol.CheckInResponse{
		NodeDetails: user.nodeDetails(),
		WantsData:   user.wantsData(),
	}
	user.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handlePullBlocks implements spec.md §4.6's long poll: an already-pending
// registration for (user, nodeId) resolves immediately with empty blocks;
// otherwise a new registration waits up to PullTimeout.
func (s *Server) handlePullBlocks(w http.ResponseWriter, r *http.Request) {
	var req protocol.PullBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "missing nodeId", http.StatusBadRequest)
		return
	}

	user, err := s.getOrCreateUser(userIDFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	user.mu.Lock()
	if _, exists := user.pullWaiters[req.NodeID]; exists {
		user.mu.Unlock()
		writeJSON(w, http.StatusOK, protocol.PullBlocksResponse{})
		return
	}
	waiter := &pullWaiter{ch: make(chan protocol.PullBlocksResponse, 1)}
	user.pullWaiters[req.NodeID] = waiter
	user.mu.Unlock()

	timer := time.NewTimer(s.cfg.PullTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter.ch:
		writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		s.clearWaiterIfOwned(user, req.NodeID, waiter)
		writeJSON(w, http.StatusOK, protocol.PullBlocksResponse{})
	case <-r.Context().Done():
		s.clearWaiterIfOwned(user, req.NodeID, waiter)
	}
}

func (s *Server) clearWaiterIfOwned(user *userState, nodeID string, waiter *pullWaiter) {
	user.mu.Lock()
	if w, ok := user.pullWaiters[nodeID]; ok && w == waiter {
		delete(user.pullWaiters, nodeID)
	}
	user.mu.Unlock()
}

// handlePushBlocks implements spec.md §4.6's push: deliver to an existing
// registration exactly once, or drop silently if none exists. Always
// responds 200 to the pusher.
func (s *Server) handlePushBlocks(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ToNodeID == "" {
		http.Error(w, "missing toNodeId", http.StatusBadRequest)
		return
	}

	user, err := s.getOrCreateUser(userIDFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	user.mu.Lock()
	waiter, hasWaiter := user.pullWaiters[req.ToNodeID]
	if hasWaiter {
		delete(user.pullWaiters, req.ToNodeID)
	}
	if set, ok := user.blockRequests[req.ToNodeID]; ok {
		for _, b := range req.Blocks {
			delete(set, b.ID)
		}
	}
	user.mu.Unlock()

	if hasWaiter {
		select {
		case waiter.ch <- protocol.PullBlocksResponse{Blocks: req.Blocks, FromNodeID: req.FromNodeID}:
		default:
		}
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRequestBlocks implements spec.md §4.6's request-blocks: replaces
// the caller's wanted-block set. The broker never unions across calls.
func (s *Server) handleRequestBlocks(w http.ResponseWriter, r *http.Request) {
	var req protocol.RequestBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "missing nodeId", http.StatusBadRequest)
		return
	}

	user, err := s.getOrCreateUser(userIDFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ids := make(update.BlockIDSet, len(req.RequiredHashes))
	for _, h := range req.RequiredHashes {
		ids.Add(update.BlockID(h))
	}

	user.mu.Lock()
	user.blockRequests[req.NodeID] = ids
	user.mu.Unlock()

	writeJSON(w, http.StatusOK, struct{}{})
}

// handleStatus implements the /status debug endpoint (SPEC_FULL.md §4.6):
// per-user directory plus the broker's own resource snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	userIDs := make([]string, 0, len(s.users))
	snapshot := make(map[string]*userState, len(s.users))
	for id, u := range s.users {
		userIDs = append(userIDs, id)
		snapshot[id] = u
	}
	s.mu.Unlock()

	resp := protocol.StatusResponse{
		Users: make([]protocol.StatusUser, 0, len(userIDs)),
	}
	totalNodes := 0
	for _, id := range userIDs {
		u := snapshot[id]
		u.mu.Lock()
		nodes := make([]protocol.StatusNode, 0, len(u.nodes))
		for nodeID, rec := range u.nodes {
			_, waiting := u.pullWaiters[nodeID]
			nodes = append(nodes, protocol.StatusNode{
				NodeID:           nodeID,
				LastSeenUnixMs:   rec.LastSeen.UnixMilli(),
				HeadCount:        len(rec.HeadBlocks),
				PendingRequested: len(u.blockRequests[nodeID]),
				HasPullWaiting:   waiting,
			})
		}
		u.mu.Unlock()
		totalNodes += len(nodes)
		resp.Users = append(resp.Users, protocol.StatusUser{UserID: id, Nodes: nodes})
	}

	resp.Health = protocol.StatusHealth{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		TotalUsers:    len(userIDs),
		TotalNodes:    totalNodes,
	}
	if s.sampler != nil {
		snap := s.sampler.Sample(r.Context())
		resp.Health.Goroutines = snap.Goroutines
		resp.Health.RSSBytes = snap.RSSBytes
	}

	writeJSON(w, http.StatusOK, resp)
}

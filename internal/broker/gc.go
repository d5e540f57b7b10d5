package broker

import "time"

// runGC implements spec.md §4.6's gc tick: roughly every GCInterval, drop
// any node whose LastSeen is older than NodeTimeout, and drop a user once
// its last node is gone.
func (s *Server) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			s.gcTick()
		}
	}
}

func (s *Server) gcTick() {
	cutoff := time.Now().Add(-s.cfg.NodeTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, user := range s.users {
		user.mu.Lock()
		for nodeID, rec := range user.nodes {
			if rec.LastSeen.Before(cutoff) {
				delete(user.nodes, nodeID)
				delete(user.pullWaiters, nodeID)
				delete(user.blockRequests, nodeID)
			}
		}
		empty := len(user.nodes) == 0
		user.mu.Unlock()
		if empty {
			delete(s.users, userID)
		}
	}
}

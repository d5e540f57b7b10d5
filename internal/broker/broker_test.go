package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PullTimeout = 200 * time.Millisecond
	cfg.GCInterval = 20 * time.Millisecond
	cfg.NodeTimeout = 50 * time.Millisecond
	s := New(cfg, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestCheckInRequiresUserHeader(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/check-in", "", protocol.CheckInRequest{NodeID: "n1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckInReturnsPeerDirectory(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{
		NodeID:     "n1",
		HeadBlocks: []update.BlockDetails{{ID: "b1"}},
	})
	rec := doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.CheckInResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Contains(t, resp.NodeDetails, "n1")
	require.Contains(t, resp.NodeDetails, "n2")
	require.Len(t, resp.NodeDetails["n1"].HeadBlocks, 1)
}

func TestPushBlocksDeliversToWaitingPull(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1"})

	pullDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		pullDone <- doRequest(t, s, http.MethodPost, "/pull-blocks", "u1", protocol.PullBlocksRequest{NodeID: "n1"})
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		u, ok := s.users["u1"]
		s.mu.Unlock()
		if !ok {
			return false
		}
		u.mu.Lock()
		defer u.mu.Unlock()
		_, waiting := u.pullWaiters["n1"]
		return waiting
	}, time.Second, time.Millisecond)

	pushRec := doRequest(t, s, http.MethodPost, "/push-blocks", "u1", protocol.PushBlocksRequest{
		ToNodeID:   "n1",
		FromNodeID: "n2",
		Blocks:     []update.Block{{ID: "b1", PrevBlocks: update.BlockIDSet{}}},
	})
	require.Equal(t, http.StatusOK, pushRec.Code)

	rec := <-pullDone
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.PullBlocksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Blocks, 1)
	require.Equal(t, "n2", resp.FromNodeID)
}

func TestPullBlocksTimesOutWithEmptyBlocks(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1"})

	rec := doRequest(t, s, http.MethodPost, "/pull-blocks", "u1", protocol.PullBlocksRequest{NodeID: "n1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.PullBlocksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Empty(t, resp.Blocks)
}

func TestSecondConcurrentPullReturnsImmediatelyEmpty(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1"})

	go doRequest(t, s, http.MethodPost, "/pull-blocks", "u1", protocol.PullBlocksRequest{NodeID: "n1"})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		u := s.users["u1"]
		s.mu.Unlock()
		u.mu.Lock()
		defer u.mu.Unlock()
		_, waiting := u.pullWaiters["n1"]
		return waiting
	}, time.Second, time.Millisecond)

	rec := doRequest(t, s, http.MethodPost, "/pull-blocks", "u1", protocol.PullBlocksRequest{NodeID: "n1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.PullBlocksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Empty(t, resp.Blocks)
}

func TestRequestBlocksReplacesRatherThanUnions(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1"})

	doRequest(t, s, http.MethodPost, "/request-blocks", "u1", protocol.RequestBlocksRequest{NodeID: "n1", RequiredHashes: []string{"a", "b"}})
	doRequest(t, s, http.MethodPost, "/request-blocks", "u1", protocol.RequestBlocksRequest{NodeID: "n1", RequiredHashes: []string{"c"}})

	s.mu.Lock()
	u := s.users["u1"]
	s.mu.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.blockRequests["n1"], 1)
	require.True(t, u.blockRequests["n1"].Has("c"))
}

func TestGCDropsStaleNodesAndUsers(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1"})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.users["u1"]
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "stale user should be garbage collected")
}

func TestStatusReportsUsersAndNodes(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/check-in", "u1", protocol.CheckInRequest{NodeID: "n1", HeadBlocks: []update.BlockDetails{{ID: "b1"}}})

	rec := doRequest(t, s, http.MethodGet, "/status", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Users, 1)
	require.Equal(t, "u1", resp.Users[0].UserID)
	require.Len(t, resp.Users[0].Nodes, 1)
	require.Equal(t, 1, resp.Users[0].Nodes[0].HeadCount)
}

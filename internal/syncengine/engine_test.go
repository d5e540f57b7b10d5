package syncengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/blocksync/internal/blockgraph"
	"github.com/i5heu/blocksync/internal/storage"
	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// stubBroker is a minimal interfaces.BrokerClient that never has anything
// to offer; it exists to exercise the engine's loop lifecycle without a
// real broker.
type stubBroker struct {
	checkIns int32
	pulls    int32

	// checkInResponse, when set, is returned as-is (with a fresh LastSeen
	// stamp for selfNodeID, mimicking the broker) instead of an empty
	// response.
	checkInResponse *protocol.CheckInResponse
	selfNodeID      string
	tick            int64
}

func (s *stubBroker) CheckIn(ctx context.Context, req protocol.CheckInRequest) (protocol.CheckInResponse, error) {
	atomic.AddInt32(&s.checkIns, 1)
	if s.checkInResponse == nil {
		return protocol.CheckInResponse{}, nil
	}
	resp := protocol.CheckInResponse{NodeDetails: make(map[string]protocol.NodeDetail, len(s.checkInResponse.NodeDetails))}
	for id, detail := range s.checkInResponse.NodeDetails {
		resp.NodeDetails[id] = detail
	}
	n := atomic.AddInt64(&s.tick, 1)
	self := resp.NodeDetails[s.selfNodeID]
	self.LastSeen = n
	self.Time = n
	resp.NodeDetails[s.selfNodeID] = self
	return resp, nil
}

func (s *stubBroker) PushBlocks(ctx context.Context, toNodeID string, blocks []update.Block) error {
	return nil
}

func (s *stubBroker) RequestBlocks(ctx context.Context, ids []update.BlockID) error { return nil }

func (s *stubBroker) PullBlocks(ctx context.Context) ([]update.Block, string, error) {
	atomic.AddInt32(&s.pulls, 1)
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func newTestGraph(t *testing.T) *blockgraph.Graph {
	t.Helper()
	store, err := storage.Open(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	g := blockgraph.New(store)
	require.NoError(t, g.LoadHeadBlocks(context.Background()))
	return g
}

func TestStartSyncRunsCheckInLoopUntilStopped(t *testing.T) {
	graph := newTestGraph(t)
	broker := &stubBroker{}
	engine := New(Config{NodeID: "n1", TickInterval: 5 * time.Millisecond}, graph, NewPendingMap(), broker, nil, nil)

	require.NoError(t, engine.StartSync(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&broker.checkIns) > 2
	}, time.Second, 5*time.Millisecond)

	engine.StopSync()
	seenAtStop := atomic.LoadInt32(&broker.checkIns)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, seenAtStop, atomic.LoadInt32(&broker.checkIns), "no new check-ins after StopSync")
}

func TestStartSyncIsIdempotent(t *testing.T) {
	graph := newTestGraph(t)
	broker := &stubBroker{}
	engine := New(Config{NodeID: "n1", TickInterval: 5 * time.Millisecond}, graph, NewPendingMap(), broker, nil, nil)

	require.NoError(t, engine.StartSync(context.Background()))
	require.NoError(t, engine.StartSync(context.Background()))
	engine.StopSync()
}

func TestCheckInOnceIgnoresSelfAndVolatileFieldsSoBackoffCanEngage(t *testing.T) {
	graph := newTestGraph(t)
	broker := &stubBroker{
		selfNodeID: "n1",
		checkInResponse: &protocol.CheckInResponse{
			NodeDetails: map[string]protocol.NodeDetail{
				"n1": {HeadBlocks: nil},
				"n2": {HeadBlocks: []update.BlockDetails{{ID: "peer-head"}}},
			},
		},
	}
	engine := New(Config{NodeID: "n1", TickInterval: time.Second, MaxTickInterval: 8 * time.Second}, graph, NewPendingMap(), broker, nil, nil)

	// Mirrors runCheckInLoop's checkInOnce -> noteTick sequence. The first
	// observation always reports "changed" relative to the zero-value
	// lastHash; every observation after that has a stable peer directory,
	// so only self's broker-stamped LastSeen/Time differ tick to tick.
	changed, err := engine.checkInOnce(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	engine.backoff.noteTick(changed)

	for i := 0; i < 2; i++ {
		changed, err = engine.checkInOnce(context.Background())
		require.NoError(t, err)
		require.False(t, changed, "peer head blocks are stable; self's changing LastSeen/Time must not count as a change")
		engine.backoff.noteTick(changed)
	}
	require.Equal(t, time.Second, engine.backoff.current(), "streak of 2 unchanged ticks is not yet 3")

	changed, err = engine.checkInOnce(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
	engine.backoff.noteTick(changed)
	require.Equal(t, 2*time.Second, engine.backoff.current(), "third consecutive unchanged tick should double the interval")
}

func TestCommitUpdatesForwardsToBlockGraphAndResetsBackoff(t *testing.T) {
	graph := newTestGraph(t)
	engine := New(Config{NodeID: "n1", TickInterval: time.Second, MaxTickInterval: 8 * time.Second}, graph, NewPendingMap(), &stubBroker{}, nil, nil)
	engine.backoff.noteTick(false)
	engine.backoff.noteTick(false)
	engine.backoff.noteTick(false)
	require.Equal(t, 2*time.Second, engine.backoff.current())

	err := engine.CommitUpdates(context.Background(), []update.Update{
		update.NewField(1, "tasks", "t1", "title", []byte(`"A"`)),
	})
	require.NoError(t, err)
	require.Equal(t, time.Second, engine.backoff.current())
	require.Len(t, graph.GetHeadBlockIds(), 1)
}

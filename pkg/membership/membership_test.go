package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/events"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/state"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/transport"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

type fakeSender struct {
	sent [][2]interface{}
}

func (f *fakeSender) Send(peerID string, fr transport.Frame) bool { return true }
func (f *fakeSender) Broadcast(fr transport.Frame)                {}
func (f *fakeSender) Connected(peerID string) bool                { return true }

type fakeWAL struct{ head, floor uint64 }

func (w fakeWAL) HeadLSN() uint64  { return w.head }
func (w fakeWAL) FloorLSN() uint64 { return w.floor }

type fakeNoOpEmitter struct {
	mu      sync.Mutex
	emitted []uint64
}

func (e *fakeNoOpEmitter) EmitNoOp(term uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitted = append(e.emitted, term)
	return nil
}

func (e *fakeNoOpEmitter) terms() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, len(e.emitted))
	copy(out, e.emitted)
	return out
}

func newTestController(t *testing.T, selfID string, bootstrap bool) *Controller {
	t.Helper()
	dir := t.TempDir()
	tracker, err := state.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	cfg := Config{
		Self:               types.NodeIdentity{ID: selfID, AdvertiseAddr: "127.0.0.1:0"},
		Bootstrap:          bootstrap,
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeout:    200 * time.Millisecond,
		HealthPingInterval: time.Second,
		DroppedTimeout:     30 * time.Second,
	}
	return New(cfg, tracker, &fakeSender{}, nil, fakeWAL{}, events.NewBroker())
}

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	c := newTestController(t, "n1", true)

	cursor, err := c.tracker.Load()
	require.NoError(t, err)
	_ = cursor

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = ctx
	c.mu.Lock()
	c.peers["n1"].Status = types.StatusActive
	c.mu.Unlock()

	c.evaluateElection()

	require.True(t, c.IsLeader())
	require.Equal(t, uint64(1), c.Term())
}

func TestElectionPicksSmallestIDAmongActive(t *testing.T) {
	c := newTestController(t, "n2", false)

	now := time.Now()
	c.mu.Lock()
	c.peers["n1"] = &types.PeerInfo{ID: "n1", Status: types.StatusActive, LastHeartbeat: now, LastAppliedLSN: 10}
	c.peers["n2"].Status = types.StatusActive
	c.peers["n2"].LastAppliedLSN = 10
	c.peers["n2"].LastHeartbeat = now
	c.peers["n3"] = &types.PeerInfo{ID: "n3", Status: types.StatusActive, LastHeartbeat: now, LastAppliedLSN: 10}
	c.mu.Unlock()

	c.evaluateElection()

	require.False(t, c.IsLeader(), "n1 has the smallest ID, n2 must not become leader")
}

func TestUnreachablePeerExcludedFromElection(t *testing.T) {
	c := newTestController(t, "n2", false)

	stale := time.Now().Add(-time.Hour)
	now := time.Now()
	c.mu.Lock()
	c.peers["n1"] = &types.PeerInfo{ID: "n1", Status: types.StatusActive, LastHeartbeat: stale, LastAppliedLSN: 10}
	c.peers["n2"].Status = types.StatusActive
	c.peers["n2"].LastAppliedLSN = 10
	c.peers["n2"].LastHeartbeat = now
	c.mu.Unlock()

	c.evaluateElection()

	require.True(t, c.IsLeader(), "n1 is unreachable, n2 is the only reachable Active peer")
}

func TestHeartbeatTransitionsJoiningToSyncing(t *testing.T) {
	c := newTestController(t, "n1", false)
	c.observeHeartbeat("n2", 1, transport.HeartbeatPayload{Role: types.RoleFollower, LastAppliedLSN: 0})

	peers := c.Peers()
	var found bool
	for _, p := range peers {
		if p.ID == "n2" {
			found = true
			require.Equal(t, types.StatusSyncing, p.Status)
		}
	}
	require.True(t, found)
}

func TestBecomeLeaderEmitsNoOpAtNewTerm(t *testing.T) {
	c := newTestController(t, "n1", true)
	emitter := &fakeNoOpEmitter{}
	c.SetNoOpEmitter(emitter)

	c.mu.Lock()
	c.peers["n1"].Status = types.StatusActive
	c.mu.Unlock()

	c.evaluateElection()

	require.True(t, c.IsLeader())
	require.Equal(t, []uint64{1}, emitter.terms())
}

func TestStepDownEmitsFinalNoOp(t *testing.T) {
	c := newTestController(t, "n1", true)
	emitter := &fakeNoOpEmitter{}
	c.SetNoOpEmitter(emitter)

	c.mu.Lock()
	c.peers["n1"].Status = types.StatusActive
	c.mu.Unlock()
	c.evaluateElection()
	require.True(t, c.IsLeader())

	c.mu.Lock()
	c.stepDownLocked(c.term)
	c.mu.Unlock()

	require.False(t, c.IsLeader())
	require.Equal(t, []uint64{1, 1}, emitter.terms(), "leader acquisition and step-down both emit at the same term")
}

func TestMinAckedLSNExcludesDroppedPeers(t *testing.T) {
	c := newTestController(t, "n1", false)
	c.mu.Lock()
	c.peers["n1"].LastAppliedLSN = 5
	c.peers["n2"] = &types.PeerInfo{ID: "n2", Status: types.StatusActive, LastAppliedLSN: 2}
	c.peers["n3"] = &types.PeerInfo{ID: "n3", Status: types.StatusDropped, LastAppliedLSN: 0}
	c.mu.Unlock()

	require.Equal(t, uint64(2), c.MinAckedLSN())
}

func TestDroppedAfterTimeout(t *testing.T) {
	c := newTestController(t, "n1", false)
	c.mu.Lock()
	c.peers["n2"] = &types.PeerInfo{ID: "n2", Status: types.StatusActive, LastHeartbeat: time.Now().Add(-time.Hour)}
	c.cfg.DroppedTimeout = time.Second
	c.mu.Unlock()

	c.sweepTimeouts()

	peers := c.Peers()
	for _, p := range peers {
		if p.ID == "n2" {
			require.Equal(t, types.StatusDropped, p.Status)
		}
	}
}

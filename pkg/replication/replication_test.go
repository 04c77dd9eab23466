package replication

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/dbadapter"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/state"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/transport"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

type fakeAdapter struct {
	applied []wal.Entry
}

func (f *fakeAdapter) Execute(ctx context.Context, entry wal.Entry) error {
	_, _, err := f.Apply(ctx, entry)
	return err
}

func (f *fakeAdapter) Apply(ctx context.Context, entry wal.Entry) (int64, int64, error) {
	f.applied = append(f.applied, entry)
	return 0, 0, nil
}

func (f *fakeAdapter) HealthPing(ctx context.Context) error { return nil }

func (f *fakeAdapter) OpenSession(ctx context.Context, username, password, database string) (dbadapter.Session, error) {
	return nil, fmt.Errorf("fakeAdapter: OpenSession not supported")
}

func newTestPipeline() *Pipeline {
	return &Pipeline{
		selfID:    "leader",
		followers: make(map[string]*followerState),
		pending:   make(map[string]chan transport.ForwardedWriteReplyPayload),
	}
}

func TestHandleAppendAckRewindsOnFailure(t *testing.T) {
	p := newTestPipeline()
	fs := p.followerFor("n2")
	fs.nextLSN = 100
	fs.inFlight = 10

	f, err := transport.Encode(transport.KindAppendAck, 1, "n2", transport.AppendAckPayload{
		LastAppliedLSN: 42,
		OK:             false,
	})
	require.NoError(t, err)

	p.handleAppendAck("n2", f)

	fs = p.followerFor("n2")
	require.Equal(t, uint64(43), fs.nextLSN)
	require.Equal(t, uint64(0), fs.inFlight)
}

func TestHandleAppendAckClearsInFlightOnSuccess(t *testing.T) {
	p := newTestPipeline()
	fs := p.followerFor("n3")
	fs.nextLSN = 100
	fs.inFlight = 10

	f, err := transport.Encode(transport.KindAppendAck, 1, "n3", transport.AppendAckPayload{
		LastAppliedLSN: 109,
		OK:             true,
	})
	require.NoError(t, err)

	p.handleAppendAck("n3", f)

	fs = p.followerFor("n3")
	require.Equal(t, uint64(100), fs.nextLSN, "nextLSN only advances on the push side, not the ack side")
	require.Equal(t, uint64(0), fs.inFlight)
}

func TestEmitNoOpAppendsAndStampsTerm(t *testing.T) {
	storeCfg := wal.DefaultConfig(t.TempDir())
	store, err := wal.NewStore(storeCfg)
	require.NoError(t, err)
	defer store.Close()

	tracker, err := state.Open(t.TempDir())
	require.NoError(t, err)
	defer tracker.Close()

	adapter := &fakeAdapter{}
	p := New("leader", nil, store, adapter, tracker, nil, config.ClusterConfig{})

	require.NoError(t, p.EmitNoOp(7))

	require.NoError(t, store.Sync())
	it, err := store.Read(1)
	require.NoError(t, err)
	defer it.Close()

	e, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, types.EntryNoOp, e.Kind)
	require.Equal(t, uint64(7), e.Term)

	require.Len(t, adapter.applied, 1)
	require.Equal(t, types.EntryNoOp, adapter.applied[0].Kind)

	cursor, err := tracker.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), cursor.LastAppliedLSN)

	// SetTerm persists across a later real append on the same term.
	_, _, err = store.Append([]wal.PendingEntry{{Kind: types.EntryRawSQL, Payload: []byte("x")}})
	require.NoError(t, err)
	require.NoError(t, store.Sync())

	it2, err := store.Read(2)
	require.NoError(t, err)
	defer it2.Close()
	e2, ok := it2.Next()
	require.True(t, ok)
	require.Equal(t, uint64(7), e2.Term)
}

func TestBoolLabel(t *testing.T) {
	require.Equal(t, "true", boolLabel(true))
	require.Equal(t, "false", boolLabel(false))
}

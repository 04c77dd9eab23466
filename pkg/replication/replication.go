// Package replication implements the leader-side push pipeline and the
// follower-side catch-up / apply loop described in spec.md §4.6: per-
// follower next_lsn_to_send with a bounded in-flight window, AppendEntries/
// AppendAck, SyncRequest/SyncResponse catch-up, and write forwarding.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/dbadapter"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/state"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/transport"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

const inFlightWindow = 256

// Membership is the narrow slice of pkg/membership.Controller replication
// needs, defined locally to avoid an import cycle (membership does not
// depend on replication; this keeps it that way symmetrically).
type Membership interface {
	Self() types.PeerInfo
	Peers() []types.PeerInfo
	Term() uint64
	IsLeader() bool
	LeaderAddr() (string, bool)
	MarkNeedsMigration(id string)
	MarkMigrationComplete(id string)
}

// followerState tracks one follower's replication cursor from the leader's
// perspective.
type followerState struct {
	mu       sync.Mutex
	nextLSN  uint64
	inFlight uint64
}

// Pipeline wires the WAL store, the DB adapter, and the membership
// controller into the replication protocol over a Sender.
type Pipeline struct {
	selfID    string
	transport *transport.Transport
	store     *wal.Store
	adapter   dbadapter.Adapter
	tracker   *state.Tracker
	members   Membership
	cfg       config.ClusterConfig

	mu        sync.Mutex
	followers map[string]*followerState

	pendingMu sync.Mutex
	pending   map[string]chan transport.ForwardedWriteReplyPayload
}

// New constructs a Pipeline. Register HandleFrame with the transport as the
// handler for AppendEntries/AppendAck/SyncRequest/SyncResponse/
// ForwardedWrite/ForwardedWriteReply.
func New(selfID string, tr *transport.Transport, store *wal.Store, adapter dbadapter.Adapter, tracker *state.Tracker, members Membership, cfg config.ClusterConfig) *Pipeline {
	return &Pipeline{
		selfID:    selfID,
		transport: tr,
		store:     store,
		adapter:   adapter,
		tracker:   tracker,
		members:   members,
		cfg:       cfg,
		followers: make(map[string]*followerState),
		pending:   make(map[string]chan transport.ForwardedWriteReplyPayload),
	}
}

// Run starts the leader-side push ticker. It is safe to run on every node:
// the ticker is a no-op on followers.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.members.IsLeader() {
				p.pushToFollowers()
			}
		}
	}
}

// HandleFrame dispatches one received replication-kind frame.
func (p *Pipeline) HandleFrame(peerID string, f transport.Frame) {
	switch f.Kind {
	case transport.KindAppendEntries:
		p.handleAppendEntries(peerID, f)
	case transport.KindAppendAck:
		p.handleAppendAck(peerID, f)
	case transport.KindSyncRequest:
		p.handleSyncRequest(peerID, f)
	case transport.KindSyncResponse:
		p.handleSyncResponse(peerID, f)
	case transport.KindForwardedWrite:
		p.handleForwardedWrite(peerID, f)
	case transport.KindForwardedWriteReply:
		p.handleForwardedWriteReply(f)
	}
}

// --- Leader side -----------------------------------------------------

func (p *Pipeline) pushToFollowers() {
	term := p.members.Term()
	head := p.store.HeadLSN()

	for _, peer := range p.members.Peers() {
		if peer.ID == p.selfID || peer.Role == types.RoleLeader {
			continue
		}
		fs := p.followerFor(peer.ID)

		fs.mu.Lock()
		if fs.nextLSN == 0 {
			fs.nextLSN = peer.LastAppliedLSN + 1
		}
		if fs.nextLSN > head || fs.inFlight >= inFlightWindow {
			fs.mu.Unlock()
			continue
		}
		from := fs.nextLSN
		fs.mu.Unlock()

		it, err := p.store.Read(from)
		if err != nil {
			log.WithComponent("replication").Warn().Err(err).Str("peer_id", peer.ID).Msg("read for replication push failed")
			continue
		}
		var entries []wal.Entry
		for len(entries) < inFlightWindow {
			e, ok := it.Next()
			if !ok {
				break
			}
			entries = append(entries, e)
		}
		_ = it.Close()
		if len(entries) == 0 {
			continue
		}

		f, err := transport.Encode(transport.KindAppendEntries, term, p.selfID, transport.AppendEntriesPayload{
			PrevLSN: from - 1,
			Entries: entries,
		})
		if err != nil {
			continue
		}
		if p.transport.Send(peer.ID, f) {
			fs.mu.Lock()
			fs.nextLSN = entries[len(entries)-1].LSN + 1
			fs.inFlight += uint64(len(entries))
			fs.mu.Unlock()
			metrics.AppendEntriesSentTotal.Inc()
		}
	}
}

func (p *Pipeline) followerFor(id string) *followerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	fs, ok := p.followers[id]
	if !ok {
		fs = &followerState{}
		p.followers[id] = fs
	}
	return fs
}

func (p *Pipeline) handleAppendAck(peerID string, f transport.Frame) {
	var ack transport.AppendAckPayload
	if err := f.Decode(&ack); err != nil {
		return
	}
	fs := p.followerFor(peerID)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	metrics.AppendAcksReceivedTotal.WithLabelValues(boolLabel(ack.OK)).Inc()

	if !ack.OK {
		// Rewind and retry: the follower tells us its true cursor.
		fs.nextLSN = ack.LastAppliedLSN + 1
		fs.inFlight = 0
		return
	}
	if fs.inFlight > 0 {
		fs.inFlight = 0 // conservative: treat the whole in-flight batch as acked
	}
}

func (p *Pipeline) handleSyncRequest(peerID string, f transport.Frame) {
	var req transport.SyncRequestPayload
	if err := f.Decode(&req); err != nil {
		return
	}

	term := p.members.Term()
	floor := p.store.FloorLSN()
	if req.LastAppliedLSN < floor {
		reply, _ := transport.Encode(transport.KindSyncResponse, term, p.selfID, transport.SyncResponsePayload{
			NeedsMigration: true,
			HeadLSN:        p.store.HeadLSN(),
		})
		p.transport.Send(peerID, reply)
		return
	}

	it, err := p.store.Read(req.LastAppliedLSN + 1)
	if err != nil {
		return
	}
	defer it.Close()

	var entries []wal.Entry
	for len(entries) < inFlightWindow {
		e, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}

	reply, err := transport.Encode(transport.KindSyncResponse, term, p.selfID, transport.SyncResponsePayload{
		Entries: entries,
		HeadLSN: p.store.HeadLSN(),
	})
	if err != nil {
		return
	}
	p.transport.Send(peerID, reply)
}

// --- Follower side -----------------------------------------------------

// StartCatchUp sends an initial SyncRequest to the leader. Called once a
// session to the leader is established.
func (p *Pipeline) StartCatchUp(lastApplied uint64) {
	if _, ok := p.members.LeaderAddr(); !ok {
		return
	}
	req, err := transport.Encode(transport.KindSyncRequest, p.members.Term(), p.selfID, transport.SyncRequestPayload{
		LastAppliedLSN: lastApplied,
	})
	if err != nil {
		return
	}
	metrics.SyncRequestsTotal.Inc()
	p.broadcastToLeader(req)
}

func (p *Pipeline) broadcastToLeader(f transport.Frame) {
	for _, peer := range p.members.Peers() {
		if peer.Role == types.RoleLeader {
			p.transport.Send(peer.ID, f)
			return
		}
	}
}

// handleAppendEntries applies a leader-pushed batch strictly in LSN order,
// advancing last_applied_lsn only after each local DB commit.
func (p *Pipeline) handleAppendEntries(peerID string, f transport.Frame) {
	var ae transport.AppendEntriesPayload
	if err := f.Decode(&ae); err != nil {
		return
	}

	ctx := context.Background()
	var lastApplied uint64
	ok := true
	for _, e := range ae.Entries {
		if err := p.adapter.Execute(ctx, e); err != nil {
			log.WithComponent("replication").Error().Err(err).Uint64("lsn", e.LSN).Msg("apply failed, follower session will be forced into Syncing")
			ok = false
			break
		}
		if err := p.tracker.SetLastApplied(e.LSN); err != nil {
			log.WithComponent("replication").Error().Err(err).Msg("failed to persist last applied lsn")
		}
		lastApplied = e.LSN
	}
	if !ok && lastApplied == 0 && len(ae.Entries) > 0 {
		lastApplied = ae.Entries[0].LSN - 1
	}

	ack, err := transport.Encode(transport.KindAppendAck, f.Term, p.selfID, transport.AppendAckPayload{
		LastAppliedLSN: lastApplied,
		OK:             ok,
	})
	if err != nil {
		return
	}
	p.transport.Send(peerID, ack)
}

func (p *Pipeline) handleSyncResponse(peerID string, f transport.Frame) {
	var resp transport.SyncResponsePayload
	if err := f.Decode(&resp); err != nil {
		return
	}
	if resp.NeedsMigration {
		p.members.MarkNeedsMigration(p.selfID)
		return
	}

	ctx := context.Background()
	for _, e := range resp.Entries {
		if err := p.adapter.Execute(ctx, e); err != nil {
			log.WithComponent("replication").Error().Err(err).Uint64("lsn", e.LSN).Msg("catch-up apply failed")
			return
		}
		_ = p.tracker.SetLastApplied(e.LSN)
	}
}

// --- Write forwarding --------------------------------------------------

// ErrNoLeader is returned by ForwardWrite when no leader is currently known.
var ErrNoLeader = fmt.Errorf("replication: no leader known")

// ForwardWrite relays a client statement from a non-leader to the current
// leader and blocks for the reply. The caller (pkg/proxy) never applies the
// write locally from this path; it arrives later via normal replication.
func (p *Pipeline) ForwardWrite(ctx context.Context, statement string, args []interface{}, database string) (transport.ForwardedWriteReplyPayload, error) {
	leaderID, _ := p.leaderID()
	if leaderID == "" {
		return transport.ForwardedWriteReplyPayload{}, ErrNoLeader
	}

	reqID := uuid.New().String()
	replyCh := make(chan transport.ForwardedWriteReplyPayload, 1)
	p.pendingMu.Lock()
	p.pending[reqID] = replyCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, reqID)
		p.pendingMu.Unlock()
	}()

	f, err := transport.Encode(transport.KindForwardedWrite, p.members.Term(), p.selfID, transport.ForwardedWritePayload{
		RequestID: reqID,
		Statement: statement,
		Args:      args,
		Database:  database,
	})
	if err != nil {
		return transport.ForwardedWriteReplyPayload{}, err
	}
	if !p.transport.Send(leaderID, f) {
		return transport.ForwardedWriteReplyPayload{}, fmt.Errorf("replication: no session to leader %s", leaderID)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return transport.ForwardedWriteReplyPayload{}, ctx.Err()
	}
}

func (p *Pipeline) leaderID() (string, bool) {
	for _, peer := range p.members.Peers() {
		if peer.Role == types.RoleLeader {
			return peer.ID, true
		}
	}
	return "", false
}

// handleForwardedWrite runs on the leader: it commits the statement through
// CommitLocal (the same append-then-apply path a local client write takes
// via pkg/proxy), then replies with the result.
func (p *Pipeline) handleForwardedWrite(peerID string, f transport.Frame) {
	var fw transport.ForwardedWritePayload
	if err := f.Decode(&fw); err != nil {
		return
	}

	reply := transport.ForwardedWriteReplyPayload{RequestID: fw.RequestID, OK: true}
	if !p.members.IsLeader() {
		reply.OK = false
		reply.ErrorMessage = ErrNoLeader.Error()
	} else {
		ctx := context.Background()
		affected, lastID, err := p.CommitLocal(ctx, fw.Statement, fw.Args, fw.Database)
		if err != nil {
			reply.OK = false
			reply.ErrorMessage = err.Error()
		} else {
			reply.RowsAffected = affected
			reply.LastInsertID = lastID
		}
	}

	out, err := transport.Encode(transport.KindForwardedWriteReply, f.Term, p.selfID, reply)
	if err != nil {
		return
	}
	p.transport.Send(peerID, out)
}

// CommitLocal is the leader's single write path: it assigns an LSN by
// appending a RawSQL entry to the WAL, applies it to the local database, and
// advances this node's own last_applied_lsn cursor. Both pkg/proxy's local
// writes (when this node is leader) and handleForwardedWrite funnel through
// here, so every committed statement is WAL-durable before it is visible.
func (p *Pipeline) CommitLocal(ctx context.Context, statement string, args []interface{}, database string) (rowsAffected, lastInsertID int64, err error) {
	if database != "" {
		statement = fmt.Sprintf("USE `%s`; %s", database, statement)
	}
	payload, err := json.Marshal(types.RawSQLPayload{Statement: statement, Args: args})
	if err != nil {
		return 0, 0, fmt.Errorf("replication: encode raw sql payload: %w", err)
	}

	lsnLo, _, err := p.store.Append([]wal.PendingEntry{{Kind: types.EntryRawSQL, Payload: payload}})
	if err != nil {
		return 0, 0, fmt.Errorf("replication: wal append: %w", err)
	}

	entry := wal.Entry{
		LSN:         lsnLo,
		Term:        p.members.Term(),
		TimestampMS: time.Now().UnixMilli(),
		Kind:        types.EntryRawSQL,
		Payload:     payload,
	}

	affected, insertID, err := p.adapter.Apply(ctx, entry)
	if err != nil {
		return 0, 0, fmt.Errorf("replication: apply committed entry at lsn %d: %w", lsnLo, err)
	}
	if err := p.tracker.SetLastApplied(lsnLo); err != nil {
		log.WithComponent("replication").Error().Err(err).Msg("failed to persist last applied lsn after local commit")
	}
	return affected, insertID, nil
}

// EmitNoOp appends a term-boundary NoOp entry and implements
// membership.NoOpEmitter. It is called synchronously from inside
// Controller's locked becomeLeaderLocked/stepDownLocked, so unlike
// CommitLocal it takes term as a parameter rather than calling
// p.members.Term() -- Controller's mutex is already held by the caller and
// is not reentrant. It stamps the store's term before appending, which is
// also what makes every subsequent same-term entry (via CommitLocal or
// handleForwardedWrite) carry the right Term on disk.
func (p *Pipeline) EmitNoOp(term uint64) error {
	p.store.SetTerm(term)

	lsnLo, _, err := p.store.Append([]wal.PendingEntry{{Kind: types.EntryNoOp}})
	if err != nil {
		return fmt.Errorf("replication: wal append noop: %w", err)
	}

	entry := wal.Entry{
		LSN:         lsnLo,
		Term:        term,
		TimestampMS: time.Now().UnixMilli(),
		Kind:        types.EntryNoOp,
	}

	if _, _, err := p.adapter.Apply(context.Background(), entry); err != nil {
		return fmt.Errorf("replication: apply noop at lsn %d: %w", lsnLo, err)
	}
	if err := p.tracker.SetLastApplied(lsnLo); err != nil {
		log.WithComponent("replication").Error().Err(err).Msg("failed to persist last applied lsn after noop emission")
	}
	return nil
}

func (p *Pipeline) handleForwardedWriteReply(f transport.Frame) {
	var reply transport.ForwardedWriteReplyPayload
	if err := f.Decode(&reply); err != nil {
		return
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[reply.RequestID]
	p.pendingMu.Unlock()
	if ok {
		ch <- reply
	}
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

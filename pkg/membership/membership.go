// Package membership implements the node status state machine and the
// deterministic leader election rule: Joining -> Syncing -> Active ->
// {Leader | Follower}, with Lagging/Dropped on missed heartbeats and
// NeedsMigration when catch-up falls behind the retention floor.
package membership

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/events"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/state"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/transport"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

// HealthPinger is the narrow slice of pkg/dbadapter.Adapter the leader
// health-monitor needs, defined locally to avoid an import cycle (mirrors
// pkg/metrics.Source).
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}

// WALSource is the narrow slice of pkg/wal.Store the election rule and
// NeedsMigration check need.
type WALSource interface {
	HeadLSN() uint64
	FloorLSN() uint64
}

// Sender is the narrow slice of pkg/transport.Transport membership uses to
// emit frames.
type Sender interface {
	Send(peerID string, f transport.Frame) bool
	Broadcast(f transport.Frame)
	Connected(peerID string) bool
}

// NoOpEmitter appends a term-boundary NoOp entry to the WAL synchronously,
// so a node observing a new term can tell "leader changed" from "leader
// silent" without waiting for the next real write (§4.3/§4.5). Defined
// locally to avoid an import cycle with pkg/replication.
type NoOpEmitter interface {
	EmitNoOp(term uint64) error
}

// Config configures a Controller.
type Config struct {
	Self               types.NodeIdentity
	Bootstrap          bool
	HeartbeatInterval  time.Duration
	ElectionTimeout    time.Duration
	HealthPingInterval time.Duration
	DroppedTimeout     time.Duration
}

// Controller owns the peer table: single-writer (itself), many readers,
// with atomic publication of new versions via the mutex below.
type Controller struct {
	cfg Config

	tracker   *state.Tracker
	transport Sender
	health    HealthPinger
	wal       WALSource
	broker    *events.Broker
	noop      NoOpEmitter

	mu       sync.RWMutex
	peers    map[string]*types.PeerInfo
	term     uint64
	role     types.NodeRole
	leaderID string

	healthFailures int
}

// New constructs a Controller. The self peer is registered immediately in
// Joining status; Start marks it Active only when Bootstrap is set.
func New(cfg Config, tracker *state.Tracker, tr Sender, health HealthPinger, wal WALSource, broker *events.Broker) *Controller {
	c := &Controller{
		cfg:       cfg,
		tracker:   tracker,
		transport: tr,
		health:    health,
		wal:       wal,
		broker:    broker,
		peers:     make(map[string]*types.PeerInfo),
		role:      types.RoleFollower,
	}
	c.peers[cfg.Self.ID] = &types.PeerInfo{
		ID:            cfg.Self.ID,
		AdvertiseAddr: cfg.Self.AdvertiseAddr,
		Status:        types.StatusJoining,
		Role:          types.RoleFollower,
		Connected:     true,
	}
	return c
}

// SetNoOpEmitter registers the WAL NoOp emitter used on leadership
// acquisition and health step-down. It's wired after construction because
// pkg/replication.Pipeline is itself built from this Controller.
func (c *Controller) SetNoOpEmitter(e NoOpEmitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noop = e
}

// Start runs the heartbeat, election-evaluation, and health-ping loops
// until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	logger := log.WithComponent("membership")

	cursor, err := c.tracker.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load durable cursor, starting cold")
	} else {
		c.mu.Lock()
		c.term = cursor.LastSeenTerm
		c.leaderID = cursor.LastKnownLeader
		c.mu.Unlock()
	}

	if c.cfg.Bootstrap {
		c.mu.Lock()
		self := c.peers[c.cfg.Self.ID]
		self.Status = types.StatusActive
		c.mu.Unlock()
		logger.Info().Msg("bootstrap: self marked Active, eligible to lead on first election pass")
	}

	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	electionTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	healthTicker := time.NewTicker(c.cfg.HealthPingInterval)
	droppedTicker := time.NewTicker(c.cfg.DroppedTimeout / 4)
	defer heartbeatTicker.Stop()
	defer electionTicker.Stop()
	defer healthTicker.Stop()
	defer droppedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			c.sendHeartbeats()
		case <-electionTicker.C:
			c.evaluateElection()
		case <-healthTicker.C:
			c.checkLeaderHealth(ctx)
		case <-droppedTicker.C:
			c.sweepTimeouts()
		}
	}
}

// HandleFrame processes a received Heartbeat or Membership frame, updating
// the peer table. Registered with pkg/transport as the frame handler for
// these two kinds; replication-related kinds are routed elsewhere by the
// node orchestrator.
func (c *Controller) HandleFrame(peerID string, f transport.Frame) {
	switch f.Kind {
	case transport.KindHeartbeat:
		var hb transport.HeartbeatPayload
		if err := f.Decode(&hb); err != nil {
			return
		}
		c.observeHeartbeat(peerID, f.Term, hb)
	case transport.KindMembership:
		var mp transport.MembershipPayload
		if err := f.Decode(&mp); err != nil {
			return
		}
		c.mergePeers(mp.Peers)
	}
}

func (c *Controller) observeHeartbeat(peerID string, term uint64, hb transport.HeartbeatPayload) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[peerID]
	if !ok {
		p = &types.PeerInfo{ID: peerID, Status: types.StatusJoining}
		c.peers[peerID] = p
	}
	p.LastHeartbeat = now
	p.LastAppliedLSN = hb.LastAppliedLSN
	p.HeadLSN = hb.HeadLSN
	p.Role = hb.Role
	p.Term = term
	p.Connected = true

	if p.Status == types.StatusJoining || p.Status == types.StatusDropped {
		p.Status = types.StatusSyncing
	}
	if p.Status == types.StatusSyncing && hb.HeadLSN > 0 && p.LastAppliedLSN >= hb.HeadLSN {
		p.Status = types.StatusActive
	}
	if p.Status == types.StatusLagging {
		p.Status = types.StatusSyncing
	}

	if term > c.term {
		c.stepDownLocked(term)
	}
	if hb.Role == types.RoleLeader && term >= c.term {
		c.leaderID = peerID
	}

	digest := c.membershipDigestLocked()
	if hb.MembershipDigest != 0 && hb.MembershipDigest != digest {
		c.transport.Send(peerID, mustFrame(transport.KindMembership, c.term, c.cfg.Self.ID, transport.MembershipPayload{
			Peers: c.snapshotLocked(),
		}))
	}
}

func (c *Controller) mergePeers(incoming []types.PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range incoming {
		p := p
		existing, ok := c.peers[p.ID]
		if !ok || p.LastHeartbeat.After(existing.LastHeartbeat) {
			c.peers[p.ID] = &p
		}
	}
}

// evaluateElection applies the deterministic rule: the Active peer with the
// smallest ID among those reachable within 3x the heartbeat interval, whose
// last_applied_lsn is >= the max observed over Active peers, becomes Leader.
func (c *Controller) evaluateElection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	reachable := c.reachableActiveLocked()
	if len(reachable) == 0 {
		return
	}

	sort.Slice(reachable, func(i, j int) bool { return reachable[i].ID < reachable[j].ID })

	var maxApplied uint64
	for _, p := range reachable {
		if p.LastAppliedLSN > maxApplied {
			maxApplied = p.LastAppliedLSN
		}
	}

	var winner *types.PeerInfo
	for _, p := range reachable {
		if p.LastAppliedLSN >= maxApplied {
			winner = p
			break
		}
	}
	if winner == nil {
		return
	}

	if winner.ID == c.cfg.Self.ID && c.role != types.RoleLeader {
		c.becomeLeaderLocked()
	} else if winner.ID != c.cfg.Self.ID && c.role == types.RoleLeader {
		c.stepDownLocked(c.term)
	}
}

func (c *Controller) reachableActiveLocked() []*types.PeerInfo {
	cutoff := time.Now().Add(-3 * c.cfg.HeartbeatInterval)
	var out []*types.PeerInfo
	for _, p := range c.peers {
		if p.Status != types.StatusActive {
			continue
		}
		if p.ID == c.cfg.Self.ID || p.LastHeartbeat.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Controller) becomeLeaderLocked() {
	logger := log.WithComponent("membership")
	c.term++
	c.role = types.RoleLeader
	c.leaderID = c.cfg.Self.ID
	self := c.peers[c.cfg.Self.ID]
	self.Role = types.RoleLeader
	self.Term = c.term

	if err := c.tracker.SetLastSeenTerm(c.term); err != nil {
		logger.Error().Err(err).Msg("failed to persist new term on leadership acquisition")
	}
	if err := c.tracker.SetLastKnownLeader(c.cfg.Self.ID); err != nil {
		logger.Error().Err(err).Msg("failed to persist self as leader")
	}

	metrics.LeaderElectionsTotal.Inc()
	logger.Info().Uint64("term", c.term).Msg("assumed leadership")
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventRoleChanged, Message: "assumed leadership"})
		c.broker.Publish(&events.Event{Type: events.EventTermAdvanced})
	}

	// Mandated by §4.3/§4.5: a NoOp at the new term must be durable before
	// this node accepts client writes as leader. Emitted synchronously,
	// still holding mu, so IsLeader()/CommitLocal callers block on it.
	if c.noop != nil {
		if err := c.noop.EmitNoOp(c.term); err != nil {
			logger.Error().Err(err).Uint64("term", c.term).Msg("failed to emit leadership NoOp")
		}
	}
}

// stepDownLocked transitions this node to Follower at the given (higher or
// equal) term. Must be called with mu held.
func (c *Controller) stepDownLocked(term uint64) {
	wasLeader := c.role == types.RoleLeader
	c.term = term
	c.role = types.RoleFollower
	self := c.peers[c.cfg.Self.ID]
	self.Role = types.RoleFollower
	self.Term = term

	if err := c.tracker.SetLastSeenTerm(term); err != nil {
		log.WithComponent("membership").Error().Err(err).Msg("failed to persist term on step-down")
	}
	if wasLeader {
		if c.broker != nil {
			c.broker.Publish(&events.Event{Type: events.EventRoleChanged, Message: "stepped down"})
		}
		// §4.3/§4.5: a final NoOp marks the term boundary for whoever
		// takes over next, emitted synchronously while still holding mu.
		if c.noop != nil {
			if err := c.noop.EmitNoOp(term); err != nil {
				log.WithComponent("membership").Error().Err(err).Uint64("term", term).Msg("failed to emit step-down NoOp")
			}
		}
	}
}

// checkLeaderHealth pings the local DB. Two consecutive failures trigger
// health step-down per §4.5/§4.3: stop accepting writes, emit a final NoOp,
// then step down.
func (c *Controller) checkLeaderHealth(ctx context.Context) {
	c.mu.RLock()
	isLeader := c.role == types.RoleLeader
	c.mu.RUnlock()
	if !isLeader || c.health == nil {
		return
	}

	if err := c.health.HealthPing(ctx); err != nil {
		c.healthFailures++
		metrics.DBHealthPingFailuresTotal.Inc()
		if c.healthFailures >= 2 {
			c.mu.Lock()
			c.stepDownLocked(c.term)
			c.mu.Unlock()
			c.healthFailures = 0
			log.WithComponent("membership").Warn().Msg("stepped down after two consecutive DB health failures")
		}
		return
	}
	c.healthFailures = 0
}

// sweepTimeouts applies the Lagging (>=3x interval) and Dropped (30s)
// thresholds to every peer but self.
func (c *Controller) sweepTimeouts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	laggingCutoff := now.Add(-3 * c.cfg.HeartbeatInterval)
	droppedCutoff := now.Add(-c.cfg.DroppedTimeout)

	for id, p := range c.peers {
		if id == c.cfg.Self.ID {
			continue
		}
		switch {
		case p.LastHeartbeat.Before(droppedCutoff):
			if p.Status != types.StatusDropped {
				p.Status = types.StatusDropped
				p.Connected = false
				if c.broker != nil {
					c.broker.Publish(&events.Event{Type: events.EventPeerDropped, Message: id})
				}
			}
		case p.LastHeartbeat.Before(laggingCutoff):
			if p.Status == types.StatusActive || p.Status == types.StatusSyncing {
				p.Status = types.StatusLagging
				if c.broker != nil {
					c.broker.Publish(&events.Event{Type: events.EventPeerStatusChanged, Message: id})
				}
			}
		}
	}
}

// AddDiscovered adds a peer learned via UDP discovery in Joining status.
// Discovery is strictly additive (§4.4): this never overwrites an existing,
// more-advanced peer record.
func (c *Controller) AddDiscovered(id, advertiseAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[id]; ok {
		return
	}
	c.peers[id] = &types.PeerInfo{ID: id, AdvertiseAddr: advertiseAddr, Status: types.StatusJoining}
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventPeerJoined, Message: id})
	}
}

// MarkNeedsMigration parks a peer (normally self) in NeedsMigration, e.g.
// when a SyncRequest response reports the requested LSN below floor_lsn.
func (c *Controller) MarkNeedsMigration(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		p.Status = types.StatusNeedsMigration
		if c.broker != nil {
			c.broker.Publish(&events.Event{Type: events.EventNeedsMigration, Message: id})
		}
	}
}

// MarkMigrationComplete transitions a peer from NeedsMigration back into
// the normal catch-up ladder (Syncing) after a successful migration.
func (c *Controller) MarkMigrationComplete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		p.Status = types.StatusSyncing
		if c.broker != nil {
			c.broker.Publish(&events.Event{Type: events.EventMigrationComplete, Message: id})
		}
	}
}

func (c *Controller) sendHeartbeats() {
	// Refresh self's own last_applied_lsn from the durable cursor before
	// broadcasting or evaluating election/retention against it — nothing
	// else keeps this peer table entry current for this node's own ID.
	cursor, err := c.tracker.Load()

	c.mu.Lock()
	if err == nil {
		c.peers[c.cfg.Self.ID].LastAppliedLSN = cursor.LastAppliedLSN
	}
	self := *c.peers[c.cfg.Self.ID]
	term := c.term
	role := c.role
	leaderID := c.leaderID
	headLSN := c.wal.HeadLSN()
	digest := c.membershipDigestLocked()
	c.mu.Unlock()

	payload := transport.HeartbeatPayload{
		Role:             role,
		HeadLSN:          headLSN,
		LastAppliedLSN:   self.LastAppliedLSN,
		MembershipDigest: digest,
		LeaderID:         leaderID,
		Status:           self.Status,
	}
	c.transport.Broadcast(mustFrame(transport.KindHeartbeat, term, c.cfg.Self.ID, payload))
}

// membershipDigestLocked hashes the sorted peer table. Must be called with
// mu held (read or write).
func (c *Controller) membershipDigestLocked() uint64 {
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		p := c.peers[id]
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte(p.Status))
		binary.BigEndian.PutUint64(buf[:], p.LastAppliedLSN)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func (c *Controller) snapshotLocked() []types.PeerInfo {
	out := make([]types.PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	return out
}

// Peers returns a point-in-time snapshot of the membership table.
func (c *Controller) Peers() []types.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Self returns this node's own peer record.
func (c *Controller) Self() types.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.peers[c.cfg.Self.ID]
}

// MinAckedLSN returns the minimum last_applied_lsn across every known peer
// that isn't Dropped (self included). This is the WAL's retention floor per
// §4.1: no segment may be reclaimed while any known peer still needs it. A
// Dropped peer's ack position is stale, not a safety floor, so it's excluded
// rather than pinning retention forever once a peer is gone for good. An
// empty or all-Dropped table returns 0, which blocks all reclamation until
// real ack positions are known.
func (c *Controller) MinAckedLSN() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var min uint64
	seen := false
	for _, p := range c.peers {
		if p.Status == types.StatusDropped {
			continue
		}
		if !seen || p.LastAppliedLSN < min {
			min = p.LastAppliedLSN
			seen = true
		}
	}
	if !seen {
		return 0
	}
	return min
}

// Term returns the current leader-epoch term.
func (c *Controller) Term() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.term
}

// IsLeader reports whether this node currently holds the Leader role.
func (c *Controller) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role == types.RoleLeader
}

// LeaderAddr returns the current leader's advertise address, if known.
func (c *Controller) LeaderAddr() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.leaderID == "" {
		return "", false
	}
	p, ok := c.peers[c.leaderID]
	if !ok {
		return "", false
	}
	return p.AdvertiseAddr, true
}

func mustFrame(kind transport.Kind, term uint64, senderID string, body interface{}) transport.Frame {
	f, err := transport.Encode(kind, term, senderID, body)
	if err != nil {
		// Encoding a package-internal struct literal cannot fail; a failure
		// here means a payload type was given an un-marshalable field.
		panic(err)
	}
	return f
}

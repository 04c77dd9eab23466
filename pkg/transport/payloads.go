package transport

import (
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

// HeartbeatPayload is sent by every node, leader and follower, to every
// known peer at the configured heartbeat interval.
type HeartbeatPayload struct {
	Role             types.NodeRole   `json:"role"`
	HeadLSN          uint64           `json:"head_lsn,omitempty"`
	LastAppliedLSN   uint64           `json:"last_applied_lsn"`
	MembershipDigest uint64           `json:"membership_digest"`
	LeaderID         string           `json:"leader_id,omitempty"`
	Status           types.NodeStatus `json:"status"`
}

// MembershipPayload carries a full membership snapshot, sent in response to
// a gossip digest mismatch.
type MembershipPayload struct {
	Peers []types.PeerInfo `json:"peers"`
}

// AppendEntriesPayload is the leader's push of newly-committed WAL entries
// to one follower.
type AppendEntriesPayload struct {
	PrevLSN uint64      `json:"prev_lsn"`
	Entries []wal.Entry `json:"entries"`
}

// AppendAckPayload is the follower's response to AppendEntries.
type AppendAckPayload struct {
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
	OK             bool   `json:"ok"`
}

// SyncRequestPayload is sent by a follower on session establishment to
// request catch-up starting after its last applied LSN.
type SyncRequestPayload struct {
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
}

// SyncResponsePayload streams a chunk of catch-up entries. NeedsMigration is
// set instead when the requested LSN is below the leader's retention floor.
type SyncResponsePayload struct {
	Entries        []wal.Entry `json:"entries"`
	HeadLSN        uint64      `json:"head_lsn"`
	NeedsMigration bool        `json:"needs_migration"`
}

// ForwardedWritePayload carries a client statement from a non-leader to the
// current leader. The follower never applies it locally from this path.
type ForwardedWritePayload struct {
	RequestID string        `json:"request_id"`
	Statement string        `json:"statement"`
	Args      []interface{} `json:"args,omitempty"`
	Database  string        `json:"database,omitempty"`
}

// ForwardedWriteReplyPayload is the leader's reply to a ForwardedWrite.
type ForwardedWriteReplyPayload struct {
	RequestID    string `json:"request_id"`
	OK           bool   `json:"ok"`
	ErrorMessage string `json:"error_message,omitempty"`
	LastInsertID int64  `json:"last_insert_id,omitempty"`
	RowsAffected int64  `json:"rows_affected,omitempty"`
}

// JoinRequestPayload is sent by a UDP-discovered peer to confirm identity
// and open its first TCP session (a detail §4.4 leaves implicit).
type JoinRequestPayload struct {
	Nonce         string `json:"nonce"`
	AdvertiseAddr string `json:"advertise_address"`
	ClusterName   string `json:"cluster_name"`
}

// JoinReplyPayload confirms (or rejects) a JoinRequest.
type JoinReplyPayload struct {
	Nonce    string `json:"nonce"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

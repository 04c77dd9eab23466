// Package types defines the data structures shared across every WolfScale
// component: WAL entries and their typed payloads, node/membership records,
// and the node status enum driving the election state machine.
package types

import "time"

// EntryKind identifies the shape of a WAL entry's payload.
type EntryKind uint8

const (
	EntryInsert EntryKind = iota
	EntryUpdate
	EntryDelete
	EntryDDL
	EntryRawSQL
	EntryNoOp
)

func (k EntryKind) String() string {
	switch k {
	case EntryInsert:
		return "insert"
	case EntryUpdate:
		return "update"
	case EntryDelete:
		return "delete"
	case EntryDDL:
		return "ddl"
	case EntryRawSQL:
		return "raw_sql"
	case EntryNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// InsertPayload carries the table, columns, and values for an Insert entry.
type InsertPayload struct {
	Table   string        `json:"table"`
	Columns []string      `json:"columns"`
	Values  []interface{} `json:"values"`
}

// UpdatePayload carries the table, assignments, and key predicate for an
// Update entry.
type UpdatePayload struct {
	Table      string                 `json:"table"`
	Set        map[string]interface{} `json:"set"`
	KeyColumns []string               `json:"key_columns"`
	KeyValues  []interface{}          `json:"key_values"`
}

// DeletePayload carries the table and key predicate for a Delete entry.
type DeletePayload struct {
	Table      string        `json:"table"`
	KeyColumns []string      `json:"key_columns"`
	KeyValues  []interface{} `json:"key_values"`
}

// DDLPayload carries a DDL statement executed verbatim.
type DDLPayload struct {
	Statement string `json:"statement"`
}

// RawSQLPayload carries a statement executed verbatim with no row-level
// decomposition (used when the proxy cannot classify a statement into
// Insert/Update/Delete but still knows it mutates state).
type RawSQLPayload struct {
	Statement string        `json:"statement"`
	Args      []interface{} `json:"args,omitempty"`
}

// NodeRole is the role a peer currently holds.
type NodeRole string

const (
	RoleLeader   NodeRole = "leader"
	RoleFollower NodeRole = "follower"
)

// NodeStatus is the finite set of states a node passes through, per the
// membership state machine.
type NodeStatus string

const (
	StatusJoining        NodeStatus = "joining"
	StatusSyncing        NodeStatus = "syncing"
	StatusActive         NodeStatus = "active"
	StatusLagging        NodeStatus = "lagging"
	StatusDropped        NodeStatus = "dropped"
	StatusNeedsMigration NodeStatus = "needs_migration"
	StatusOffline        NodeStatus = "offline"
)

// NodeIdentity is the stable description of a node, known to itself and
// advertised to peers.
type NodeIdentity struct {
	ID              string `yaml:"id" json:"id"`
	AdvertiseAddr   string `yaml:"advertise_address" json:"advertise_address"`
	BindAddr        string `yaml:"bind_address" json:"bind_address"`
	ClusterName     string `yaml:"cluster_name" json:"cluster_name"`
}

// PeerInfo is the membership table's record of one peer (including self).
type PeerInfo struct {
	ID              string     `json:"id"`
	AdvertiseAddr   string     `json:"advertise_address"`
	Status          NodeStatus `json:"status"`
	Role            NodeRole   `json:"role"`
	Term            uint64     `json:"term"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	LastAppliedLSN  uint64     `json:"last_applied_lsn"`
	HeadLSN         uint64     `json:"head_lsn,omitempty"`
	Connected       bool       `json:"connected"`
}

// Lag returns how far this peer trails the given head LSN. Zero means
// caught up.
func (p PeerInfo) Lag(headLSN uint64) uint64 {
	if headLSN <= p.LastAppliedLSN {
		return 0
	}
	return headLSN - p.LastAppliedLSN
}

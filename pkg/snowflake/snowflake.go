// Package snowflake allocates monotonically increasing 64-bit IDs (in this
// module, request IDs for admin-API writes), combining a millisecond timestamp, the
// allocating node's ID, and a per-millisecond sequence so that IDs minted on
// different nodes never collide.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

// Epoch is the reference point IDs are measured from (2024-01-01T00:00:00Z),
// matching the component contract's 41/10/12-bit layout.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// ErrClockRegression is returned by NextID when the system clock has moved
// backwards relative to the last allocation.
var ErrClockRegression = errors.New("snowflake: clock moved backwards")

// ErrNodeOutOfRange is returned by New when nodeID does not fit in 10 bits.
var ErrNodeOutOfRange = errors.New("snowflake: node id out of range")

// Node allocates IDs on behalf of one cluster node.
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	lastMS   int64
	sequence int64
}

// New constructs a Node for the given 0..1023 node ID.
func New(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, ErrNodeOutOfRange
	}
	return &Node{nodeID: nodeID}, nil
}

// NextID returns the next monotonically increasing ID minted by this node.
// Within the same millisecond it increments a 12-bit sequence; on overflow
// it busy-waits for the next millisecond tick.
func (n *Node) NextID() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < n.lastMS {
		return 0, ErrClockRegression
	}

	if now == n.lastMS {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			for now <= n.lastMS {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.sequence = 0
	}
	n.lastMS = now

	id := ((now - Epoch) << timeShift) | (n.nodeID << nodeShift) | n.sequence
	return id, nil
}

// Decompose splits an ID back into its timestamp, node, and sequence parts,
// primarily for debugging and the admin API.
func Decompose(id int64) (timestampMS int64, nodeID int64, sequence int64) {
	sequence = id & maxSequence
	nodeID = (id >> nodeShift) & maxNode
	timestampMS = (id >> timeShift) + Epoch
	return timestampMS, nodeID, sequence
}

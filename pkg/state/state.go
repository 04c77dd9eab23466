// Package state persists the small per-node cursor that survives restarts:
// the last-applied LSN, the last term this node observed, the last known
// leader, and a vestigial vote record reserved for tie-break auditing. It is
// the exclusive owner of data_dir/state's key-value file, following the
// teacher's bbolt-backed storage pattern.
package state

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketCursor = []byte("cursor")

const (
	keyLastAppliedLSN  = "last_applied_lsn"
	keyLastSeenTerm    = "last_seen_term"
	keyLastKnownLeader = "last_known_leader_id"
	keyVotedForTerm    = "voted_for_term"
)

// Cursor is the durable snapshot of one node's replication position.
type Cursor struct {
	LastAppliedLSN  uint64
	LastSeenTerm    uint64
	LastKnownLeader string
	VotedForTerm    uint64
}

// Tracker is the exclusive owner of the cursor file under data_dir/state.
type Tracker struct {
	db *bolt.DB
}

// Open creates (or reopens) the cursor file under dataDir/state.
func Open(dataDir string) (*Tracker, error) {
	path := filepath.Join(dataDir, "state", "cursor.db")
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCursor)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create bucket: %w", err)
	}

	return &Tracker{db: db}, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0750)
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Load reads the current cursor. A fresh Tracker with no prior writes
// returns a zero-valued Cursor, not an error.
func (t *Tracker) Load() (Cursor, error) {
	var c Cursor
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCursor)
		c.LastAppliedLSN = getUint64(b, keyLastAppliedLSN)
		c.LastSeenTerm = getUint64(b, keyLastSeenTerm)
		c.VotedForTerm = getUint64(b, keyVotedForTerm)
		if v := b.Get([]byte(keyLastKnownLeader)); v != nil {
			c.LastKnownLeader = string(v)
		}
		return nil
	})
	return c, err
}

// SetLastApplied advances the applied-LSN cursor. Per the invariant in §3,
// callers must only call this after the corresponding DB mutation commits
// locally.
func (t *Tracker) SetLastApplied(lsn uint64) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return putUint64(tx.Bucket(bucketCursor), keyLastAppliedLSN, lsn)
	})
}

// SetLastSeenTerm records the highest term this node has observed, whether
// or not it holds leadership at that term.
func (t *Tracker) SetLastSeenTerm(term uint64) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return putUint64(tx.Bucket(bucketCursor), keyLastSeenTerm, term)
	})
}

// SetLastKnownLeader records the ID of the peer most recently observed
// holding the Leader role.
func (t *Tracker) SetLastKnownLeader(nodeID string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursor).Put([]byte(keyLastKnownLeader), []byte(nodeID))
	})
}

// SetVotedForTerm records the term this node last claimed leadership at, for
// tie-break auditing. The deterministic election rule does not consult this
// value; it exists only for diagnostics.
func (t *Tracker) SetVotedForTerm(term uint64) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return putUint64(tx.Bucket(bucketCursor), keyVotedForTerm, term)
	})
}

func getUint64(b *bolt.Bucket, key string) uint64 {
	v := b.Get([]byte(key))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key string, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Put([]byte(key), buf)
}

// Package wal implements WolfScale's durable, segmented, compressed
// write-ahead log: the single source of truth for every mutation applied
// anywhere in the cluster.
//
// A Store owns one open tail segment and zero or more sealed segments under
// data_dir/wal. Entries are grouped into batches, optionally LZ4-compressed,
// checksummed with xxhash64, and flushed whenever the batch-size threshold,
// the flush-interval timer, or an explicit Sync fires first. Readers see a
// consistent, gap-free LSN stream; segment rolls are atomic from their
// perspective.
package wal

import (
	"errors"
	"time"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

// Errors returned by Store, matching the taxonomy in the component contract.
var (
	// ErrFull is returned when a segment roll fails during Append.
	ErrFull = errors.New("wal: segment full and roll failed")
	// ErrFsync is returned when durable flush is required and the OS
	// reports an fsync error.
	ErrFsync = errors.New("wal: fsync failed")
	// ErrTruncated is returned by Read when from_lsn is at or below the
	// retention floor.
	ErrTruncated = errors.New("wal: requested lsn below retention floor")
	// ErrClosed is returned by any operation on a closed Store.
	ErrClosed = errors.New("wal: store is closed")
)

// CorruptError is returned by Read when a checksum mismatch is detected.
// It halts replication to the affected follower per the failure semantics
// in the component contract.
type CorruptError struct {
	Segment string
	Offset  int64
}

func (e *CorruptError) Error() string {
	return "wal: corrupt block in segment " + e.Segment
}

// Entry is an immutable record in the write-ahead log.
type Entry struct {
	LSN         uint64          `json:"lsn"`
	Term        uint64          `json:"term"`
	TimestampMS int64           `json:"timestamp_ms"`
	Kind        types.EntryKind `json:"kind"`
	Payload     []byte          `json:"payload"`
	Checksum    uint64          `json:"checksum"`
}

// PendingEntry is an entry awaiting LSN assignment by Append.
type PendingEntry struct {
	Kind    types.EntryKind
	Payload []byte
}

// Config controls WAL policy, mirroring the `wal` section of the node
// configuration document (§6).
type Config struct {
	DataDir        string
	BatchSize      int
	FlushInterval  time.Duration
	Compression    bool
	SegmentSizeMB  int
	RetentionHours int
	Fsync          bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		BatchSize:      1000,
		FlushInterval:  100 * time.Millisecond,
		Compression:    true,
		SegmentSizeMB:  64,
		RetentionHours: 168,
		Fsync:          true,
	}
}

// Stats is a point-in-time snapshot of store state, surfaced on the admin
// /status endpoint.
type Stats struct {
	FloorLSN      uint64
	HeadLSN       uint64
	SegmentCount  int
	SealedBytes   int64
	OpenTailBytes int64
}

package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
)

// Store is the durable, append-only log backing one WolfScale node. All
// exported methods are safe for concurrent use.
type Store struct {
	cfg Config

	mu        sync.Mutex
	closed    bool
	tailFile  *os.File
	tailMeta  *segmentMeta
	sealed    []*segmentMeta
	term      uint64
	floorLSN  uint64
	headLSN   uint64
	pending   []Entry
	lastFlush time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	safeLSNFn func() uint64
}

// NewStore opens (or creates) the WAL under cfg.DataDir/wal, recovering
// segment metadata and the current head LSN from whatever is already on
// disk.
func NewStore(cfg Config) (*Store, error) {
	walDir := filepath.Join(cfg.DataDir, "wal")
	if err := os.MkdirAll(walDir, 0750); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", walDir, err)
	}

	s := &Store{
		cfg:       cfg,
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
	}

	if err := s.recover(walDir); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.flushLoop()
	go s.retentionLoop()

	return s, nil
}

// recover scans existing segment files, classifies each as sealed or the
// open tail, and reopens (or creates) the tail for appending.
func (s *Store) recover(walDir string) error {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return fmt.Errorf("wal: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".seg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(walDir, name)
		startLSN, perr := parseSegmentName(name)
		if perr != nil {
			return fmt.Errorf("wal: bad segment filename %s: %w", name, perr)
		}

		isLast := i == len(names)-1
		f, ferr := os.OpenFile(path, os.O_RDWR, 0600)
		if ferr != nil {
			return fmt.Errorf("wal: open segment %s: %w", name, ferr)
		}
		info, serr := f.Stat()
		if serr != nil {
			f.Close()
			return fmt.Errorf("wal: stat segment %s: %w", name, serr)
		}

		endLSN, lastTS, ferr2 := readSealFooter(f, info.Size())
		sealed := ferr2 == nil

		if !sealed && !isLast {
			f.Close()
			return fmt.Errorf("wal: segment %s is unsealed but not the tail", name)
		}

		if sealed {
			s.sealed = append(s.sealed, &segmentMeta{
				Path: path, StartLSN: startLSN, EndLSN: endLSN,
				LastTimestampMS: lastTS, Sealed: true, Size: info.Size(),
			})
			if endLSN > s.headLSN {
				s.headLSN = endLSN
			}
			f.Close()
			continue
		}

		// Unsealed tail: replay its blocks to find the true head LSN, since
		// a crash may have left a partially-written final block.
		if _, err := f.Seek(int64(segFileHeaderLen), 0); err != nil {
			f.Close()
			return fmt.Errorf("wal: seek segment %s: %w", name, err)
		}
		head := startLSN - 1
		var lastTSReplayed int64
		for {
			blockEntries, _, rerr := readBlock(f)
			if rerr != nil {
				break // EOF or a torn final block; stop at last good block
			}
			if len(blockEntries) == 0 {
				break
			}
			head = blockEntries[len(blockEntries)-1].LSN
			lastTSReplayed = blockEntries[len(blockEntries)-1].TimestampMS
		}
		if _, err := f.Seek(0, 2); err != nil {
			f.Close()
			return fmt.Errorf("wal: seek end segment %s: %w", name, err)
		}
		s.tailFile = f
		s.tailMeta = &segmentMeta{Path: path, StartLSN: startLSN, Size: info.Size()}
		if head > s.headLSN {
			s.headLSN = head
		}
		_ = lastTSReplayed
	}

	if s.tailFile == nil {
		f, meta, cerr := createSegment(s.cfg.DataDir, s.headLSN+1)
		if cerr != nil {
			return cerr
		}
		s.tailFile = f
		s.tailMeta = meta
	}

	if len(s.sealed) > 0 {
		s.floorLSN = s.sealed[0].StartLSN - 1
	}

	return nil
}

func parseSegmentName(name string) (uint64, error) {
	base := strings.TrimSuffix(name, ".seg")
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Append assigns contiguous LSNs to the given entries, at the store's
// current term, and buffers them for flush. It returns the inclusive
// [startLSN, endLSN] range assigned.
func (s *Store) Append(batch []PendingEntry) (startLSN, endLSN uint64, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, ErrClosed
	}

	startLSN = s.headLSN + 1
	now := time.Now().UnixMilli()
	for _, pe := range batch {
		s.headLSN++
		e := Entry{
			LSN:         s.headLSN,
			Term:        s.term,
			TimestampMS: now,
			Kind:        pe.Kind,
			Payload:     pe.Payload,
		}
		e.Checksum = computeChecksum(e)
		s.pending = append(s.pending, e)
	}
	endLSN = s.headLSN

	if len(s.pending) >= s.cfg.BatchSize {
		if ferr := s.flushLocked(); ferr != nil {
			return startLSN, endLSN, ferr
		}
	}

	return startLSN, endLSN, nil
}

// Sync forces any buffered entries to disk, fsyncing if configured to.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

// flushLocked writes buffered entries as one block and rolls the segment if
// it has grown past SegmentSizeMB. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	if len(s.pending) == 0 {
		s.lastFlush = time.Now()
		return nil
	}

	n, err := writeBlock(s.tailFile, s.pending, s.cfg.Compression)
	if err != nil {
		return err
	}
	s.tailMeta.Size += n
	s.tailMeta.EndLSN = s.pending[len(s.pending)-1].LSN
	s.tailMeta.LastTimestampMS = s.pending[len(s.pending)-1].TimestampMS

	if s.cfg.Fsync {
		if err := s.tailFile.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrFsync, err)
		}
	}

	s.pending = s.pending[:0]
	s.lastFlush = time.Now()

	limitBytes := int64(s.cfg.SegmentSizeMB) * 1024 * 1024
	if limitBytes > 0 && s.tailMeta.Size >= limitBytes {
		if err := s.rollSegmentLocked(); err != nil {
			return fmt.Errorf("%w: %v", ErrFull, err)
		}
	}
	return nil
}

// rollSegmentLocked seals the current tail and opens a fresh one starting
// at headLSN+1. Caller must hold s.mu.
func (s *Store) rollSegmentLocked() error {
	if err := sealSegment(s.tailFile, s.tailMeta.EndLSN, s.tailMeta.LastTimestampMS); err != nil {
		return err
	}
	s.tailMeta.Sealed = true
	if err := s.tailFile.Close(); err != nil {
		return fmt.Errorf("wal: close sealed segment: %w", err)
	}
	s.sealed = append(s.sealed, s.tailMeta)

	f, meta, err := createSegment(s.cfg.DataDir, s.headLSN+1)
	if err != nil {
		return err
	}
	s.tailFile = f
	s.tailMeta = meta
	return nil
}

// SetTerm updates the term stamped on subsequently appended entries, on a
// leadership change.
func (s *Store) SetTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
}

// SetSafeLSNProvider registers the function the retention sweep consults for
// its deletion floor: the minimum last_applied_lsn across all known,
// non-dropped peers (§4.1). Until one is set, retention falls back to
// HeadLSN(), which only bounds retention by RetentionHours and ignores
// follower ack position entirely — safe for a single-node deployment, unsafe
// for a replicated one, so pkg/node always registers a real provider.
func (s *Store) SetSafeLSNProvider(fn func() uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeLSNFn = fn
}

func (s *Store) safeLSN() uint64 {
	s.mu.Lock()
	fn := s.safeLSNFn
	head := s.headLSN
	s.mu.Unlock()
	if fn == nil {
		return head
	}
	return fn()
}

// Term returns the term currently stamped on new entries.
func (s *Store) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// FloorLSN returns the highest LSN already reclaimed by retention (0 if
// none); Read serves only LSNs above it.
func (s *Store) FloorLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floorLSN
}

// HeadLSN returns the LSN of the most recently appended entry.
func (s *Store) HeadLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headLSN
}

// Stats returns a point-in-time snapshot for the admin /status endpoint.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealedBytes int64
	for _, seg := range s.sealed {
		sealedBytes += seg.Size
	}
	return Stats{
		FloorLSN:      s.floorLSN,
		HeadLSN:       s.headLSN,
		SegmentCount:  len(s.sealed) + 1,
		SealedBytes:   sealedBytes,
		OpenTailBytes: s.tailMeta.Size,
	}
}

// TruncateBefore deletes sealed segments whose entire LSN range lies at or
// below safeLSN and whose last entry is older than RetentionHours. Segments
// are only ever deleted in order, so floorLSN always advances monotonically.
func (s *Store) TruncateBefore(safeLSN uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour).UnixMilli()

	kept := s.sealed[:0:0]
	for _, seg := range s.sealed {
		if seg.EndLSN <= safeLSN && seg.LastTimestampMS <= cutoff {
			if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: remove segment %s: %w", seg.Path, err)
			}
			s.floorLSN = seg.EndLSN
			continue
		}
		kept = append(kept, seg)
	}
	s.sealed = kept
	return nil
}

// Read returns an iterator over entries starting at fromLSN (inclusive).
// It returns ErrTruncated if fromLSN is at or below the retention floor.
func (s *Store) Read(fromLSN uint64) (*EntryIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromLSN != 0 && fromLSN <= s.floorLSN {
		return nil, ErrTruncated
	}

	var segs []*segmentMeta
	for _, seg := range s.sealed {
		if seg.EndLSN >= fromLSN {
			segs = append(segs, seg)
		}
	}
	segs = append(segs, &segmentMeta{
		Path: s.tailMeta.Path, StartLSN: s.tailMeta.StartLSN, Sealed: false,
	})

	return &EntryIterator{
		fromLSN:  fromLSN,
		segments: segs,
	}, nil
}

// Close stops background loops and closes the open tail segment.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.flushLocked()
	err := s.tailFile.Close()
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return err
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sync(); err != nil {
				log.WithComponent("wal").Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.TruncateBefore(s.safeLSN()); err != nil {
				log.WithComponent("wal").Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

package wal

import (
	"fmt"
	"io"
	"os"
)

// EntryIterator is a forward-only, lazy cursor over WAL entries starting at
// a given LSN. Call Next until it returns false, then check Err.
type EntryIterator struct {
	fromLSN  uint64
	segments []*segmentMeta
	segIdx   int

	f       *os.File
	buf     []Entry
	bufIdx  int
	started bool
	err     error
	closed  bool
}

// Next advances to the following entry, returning false once the stream is
// exhausted or an error occurred (inspect Err in that case).
func (it *EntryIterator) Next() (Entry, bool) {
	if it.err != nil || it.closed {
		return Entry{}, false
	}

	for {
		if it.bufIdx < len(it.buf) {
			e := it.buf[it.bufIdx]
			it.bufIdx++
			if e.LSN < it.fromLSN {
				continue
			}
			return e, true
		}

		if !it.fillBuffer() {
			return Entry{}, false
		}
	}
}

// fillBuffer loads the next non-empty block into it.buf, opening subsequent
// segment files as needed. Returns false when there is nothing left to read.
func (it *EntryIterator) fillBuffer() bool {
	for {
		if it.f == nil {
			if it.segIdx >= len(it.segments) {
				return false
			}
			seg := it.segments[it.segIdx]
			f, err := os.Open(seg.Path)
			if err != nil {
				it.err = fmt.Errorf("wal: open segment %s: %w", seg.Path, err)
				return false
			}
			if _, err := f.Seek(int64(segFileHeaderLen), io.SeekStart); err != nil {
				it.err = fmt.Errorf("wal: seek segment %s: %w", seg.Path, err)
				f.Close()
				return false
			}
			it.f = f
		}

		entries, _, err := readBlock(it.f)
		if err == io.EOF {
			it.f.Close()
			it.f = nil
			it.segIdx++
			continue
		}
		if err != nil {
			it.err = err
			it.f.Close()
			it.f = nil
			return false
		}
		if len(entries) == 0 {
			continue
		}
		it.buf = entries
		it.bufIdx = 0
		return true
	}
}

// Err returns the error, if any, that stopped iteration early. A clean
// end-of-stream is not an error.
func (it *EntryIterator) Err() error {
	return it.err
}

// Close releases the iterator's open file handle, if any.
func (it *EntryIterator) Close() error {
	it.closed = true
	if it.f != nil {
		err := it.f.Close()
		it.f = nil
		return err
	}
	return nil
}

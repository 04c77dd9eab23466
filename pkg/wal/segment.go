package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

const (
	segFileMagic   uint32 = 0x574f4c46 // "WOLF"
	segFileVersion uint8  = 1
	segSealMagic   uint32 = 0x5345414c // "SEAL"

	segFileHeaderLen  = 4 + 1 + 8     // magic, version, startLSN
	blockHeaderLen    = 8 + 4 + 4 + 4 + 8 // startLSN, count, uncompressedLen, compressedLen, checksum
	segSealFooterLen  = 4 + 8 + 8 + 8     // magic, endLSN, lastTimestampMS, checksum
)

// segmentMeta describes one segment on disk, sealed or (if !Sealed) the open tail.
type segmentMeta struct {
	Path            string
	StartLSN        uint64
	EndLSN          uint64 // inclusive; 0 if empty
	LastTimestampMS int64
	Sealed          bool
	Size            int64
}

func segmentPath(dataDir string, startLSN uint64) string {
	return filepath.Join(dataDir, "wal", fmt.Sprintf("%020d.seg", startLSN))
}

// createSegment creates a brand-new segment file with just the file header
// written, positioned as the open tail.
func createSegment(dataDir string, startLSN uint64) (*os.File, *segmentMeta, error) {
	path := segmentPath(dataDir, startLSN)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: create segment: %w", err)
	}

	hdr := make([]byte, segFileHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], segFileMagic)
	hdr[4] = segFileVersion
	binary.BigEndian.PutUint64(hdr[5:13], startLSN)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wal: write segment header: %w", err)
	}

	return f, &segmentMeta{Path: path, StartLSN: startLSN, Size: int64(segFileHeaderLen)}, nil
}

// openSegmentHeader reads and validates the file header of an existing
// segment, returning the declared start LSN.
func openSegmentHeader(f *os.File) (uint64, error) {
	hdr := make([]byte, segFileHeaderLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, fmt.Errorf("wal: read segment header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != segFileMagic {
		return 0, &CorruptError{Segment: f.Name(), Offset: 0}
	}
	return binary.BigEndian.Uint64(hdr[5:13]), nil
}

// encodeEntry serializes one entry (without framing) for inclusion in a
// block: lsn, term, timestamp, kind, payload length+bytes, checksum.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 8+8+8+1+4+len(e.Payload)+8)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], e.LSN)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.Term)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.TimestampMS))
	off += 8
	buf[off] = byte(e.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.Payload)
	off += len(e.Payload)
	binary.BigEndian.PutUint64(buf[off:], e.Checksum)
	return buf
}

// decodeEntries parses the concatenated, uncompressed entry stream produced
// by encodeEntry, verifying each entry's checksum.
func decodeEntries(raw []byte, count uint32) ([]Entry, error) {
	entries := make([]Entry, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+8+8+8+1+4 > len(raw) {
			return nil, fmt.Errorf("wal: truncated entry header")
		}
		var e Entry
		e.LSN = binary.BigEndian.Uint64(raw[off:])
		off += 8
		e.Term = binary.BigEndian.Uint64(raw[off:])
		off += 8
		e.TimestampMS = int64(binary.BigEndian.Uint64(raw[off:]))
		off += 8
		e.Kind = types.EntryKind(raw[off])
		off++
		plen := int(binary.BigEndian.Uint32(raw[off:]))
		off += 4
		if off+plen+8 > len(raw) {
			return nil, fmt.Errorf("wal: truncated entry payload")
		}
		e.Payload = append([]byte(nil), raw[off:off+plen]...)
		off += plen
		e.Checksum = binary.BigEndian.Uint64(raw[off:])
		off += 8

		if computeChecksum(e) != e.Checksum {
			return nil, fmt.Errorf("wal: checksum mismatch at lsn %d", e.LSN)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// computeChecksum hashes the fields preceding the checksum itself.
func computeChecksum(e Entry) uint64 {
	h := xxhash.New()
	var scratch [25]byte
	binary.BigEndian.PutUint64(scratch[0:8], e.LSN)
	binary.BigEndian.PutUint64(scratch[8:16], e.Term)
	binary.BigEndian.PutUint64(scratch[16:24], uint64(e.TimestampMS))
	scratch[24] = byte(e.Kind)
	h.Write(scratch[:])
	h.Write(e.Payload)
	return h.Sum64()
}

// writeBlock compresses (if enabled) and appends one block of entries to
// the open tail file, returning the number of bytes written.
func writeBlock(f *os.File, entries []Entry, compress bool) (int64, error) {
	var raw bytes.Buffer
	for _, e := range entries {
		raw.Write(encodeEntry(e))
	}
	uncompressed := raw.Bytes()

	var payload []byte
	compressedLen := len(uncompressed)
	if compress {
		dst := make([]byte, lz4.CompressBlockBound(len(uncompressed)))
		var c lz4.Compressor
		n, err := c.CompressBlock(uncompressed, dst)
		if err != nil {
			return 0, fmt.Errorf("wal: lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible (or tiny) input: lz4 signals this by writing
			// zero bytes. Store uncompressed and mark via compressedLen.
			payload = uncompressed
			compressedLen = 0
		} else {
			payload = dst[:n]
			compressedLen = n
		}
	} else {
		payload = uncompressed
		compressedLen = 0
	}

	hdr := make([]byte, blockHeaderLen)
	binary.BigEndian.PutUint64(hdr[0:8], entries[0].LSN)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(uncompressed)))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(compressedLen))
	binary.BigEndian.PutUint64(hdr[20:28], xxhash.Sum64(payload))

	n1, err := f.Write(hdr)
	if err != nil {
		return int64(n1), fmt.Errorf("wal: write block header: %w", err)
	}
	n2, err := f.Write(payload)
	if err != nil {
		return int64(n1 + n2), fmt.Errorf("wal: write block payload: %w", err)
	}
	return int64(n1 + n2), nil
}

// readBlock reads one block starting at the file's current offset.
// compressedLen == 0 in the header means the payload was stored raw.
func readBlock(f *os.File) (entries []Entry, n int64, err error) {
	hdr := make([]byte, blockHeaderLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("wal: read block header: %w", err)
	}
	count := binary.BigEndian.Uint32(hdr[8:12])
	uncompressedLen := binary.BigEndian.Uint32(hdr[12:16])
	compressedLen := binary.BigEndian.Uint32(hdr[16:20])
	checksum := binary.BigEndian.Uint64(hdr[20:28])

	readLen := compressedLen
	if readLen == 0 {
		readLen = uncompressedLen
	}
	payload := make([]byte, readLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, 0, fmt.Errorf("wal: read block payload: %w", err)
	}
	if xxhash.Sum64(payload) != checksum {
		return nil, 0, &CorruptError{Segment: f.Name()}
	}

	var raw []byte
	if compressedLen == 0 {
		raw = payload
	} else {
		raw = make([]byte, uncompressedLen)
		written, derr := lz4.UncompressBlock(payload, raw)
		if derr != nil {
			return nil, 0, fmt.Errorf("wal: lz4 decompress: %w", derr)
		}
		raw = raw[:written]
	}

	entries, err = decodeEntries(raw, count)
	if err != nil {
		return nil, 0, &CorruptError{Segment: f.Name()}
	}
	return entries, int64(blockHeaderLen) + int64(len(payload)), nil
}

// sealSegment writes the seal footer, fixing endLSN and the last entry's
// timestamp for retention accounting.
func sealSegment(f *os.File, endLSN uint64, lastTimestampMS int64) error {
	footer := make([]byte, segSealFooterLen)
	binary.BigEndian.PutUint32(footer[0:4], segSealMagic)
	binary.BigEndian.PutUint64(footer[4:12], endLSN)
	binary.BigEndian.PutUint64(footer[12:20], uint64(lastTimestampMS))
	binary.BigEndian.PutUint64(footer[20:28], xxhash.Sum64(footer[:20]))
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("wal: write seal footer: %w", err)
	}
	return f.Sync()
}

// readSealFooter reads the trailing seal footer of a sealed segment file,
// given its total size.
func readSealFooter(f *os.File, size int64) (endLSN uint64, lastTimestampMS int64, err error) {
	if size < segSealFooterLen {
		return 0, 0, fmt.Errorf("wal: segment too small for seal footer")
	}
	footer := make([]byte, segSealFooterLen)
	if _, err := f.ReadAt(footer, size-segSealFooterLen); err != nil {
		return 0, 0, fmt.Errorf("wal: read seal footer: %w", err)
	}
	if binary.BigEndian.Uint32(footer[0:4]) != segSealMagic {
		return 0, 0, fmt.Errorf("wal: missing seal footer")
	}
	checksum := binary.BigEndian.Uint64(footer[20:28])
	if xxhash.Sum64(footer[:20]) != checksum {
		return 0, 0, &CorruptError{Segment: f.Name()}
	}
	endLSN = binary.BigEndian.Uint64(footer[4:12])
	lastTimestampMS = int64(binary.BigEndian.Uint64(footer[12:20]))
	return endLSN, lastTimestampMS, nil
}

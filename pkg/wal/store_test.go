package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.BatchSize = 4
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.SegmentSizeMB = 1
	return cfg
}

func TestStoreAppendAssignsContiguousLSNs(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	start, end, err := s.Append([]PendingEntry{
		{Kind: types.EntryInsert, Payload: []byte("a")},
		{Kind: types.EntryInsert, Payload: []byte("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), start)
	assert.Equal(t, uint64(2), end)

	start2, end2, err := s.Append([]PendingEntry{{Kind: types.EntryUpdate, Payload: []byte("c")}})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), start2)
	assert.Equal(t, uint64(3), end2)

	assert.Equal(t, uint64(3), s.HeadLSN())
}

func TestStoreReadRoundTrip(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	var want []Entry
	_, _, err = s.Append([]PendingEntry{
		{Kind: types.EntryInsert, Payload: []byte("row-1")},
		{Kind: types.EntryInsert, Payload: []byte("row-2")},
		{Kind: types.EntryDDL, Payload: []byte("alter table x add y int")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	it, err := s.Read(1)
	require.NoError(t, err)
	defer it.Close()

	var got []Entry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 3)

	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.LSN)
		assert.Equal(t, computeChecksum(e), e.Checksum)
	}
	_ = want
}

func TestStoreReadFromMidStream(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 6; i++ {
		_, _, err := s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte{byte(i)}}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Sync())

	it, err := s.Read(4)
	require.NoError(t, err)
	defer it.Close()

	var lsns []uint64
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		lsns = append(lsns, e.LSN)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{4, 5, 6}, lsns)
}

func TestStoreAutoFlushOnBatchSize(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	batch := make([]PendingEntry, cfg.BatchSize)
	for i := range batch {
		batch[i] = PendingEntry{Kind: types.EntryInsert, Payload: []byte("x")}
	}
	_, _, err = s.Append(batch)
	require.NoError(t, err)

	it, err := s.Read(1)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, cfg.BatchSize, count)
}

func TestStoreTruncateBeforeAdvancesFloor(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		_, _, err := s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte{byte(i)}}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Sync())

	// Force a roll so there is at least one sealed segment to reclaim.
	s.mu.Lock()
	s.tailMeta.Size = int64(s.cfg.SegmentSizeMB) * 1024 * 1024
	rollErr := s.rollSegmentLocked()
	s.mu.Unlock()
	require.NoError(t, rollErr)

	// Backdate the sealed segment so it clears the retention window.
	s.mu.Lock()
	for _, seg := range s.sealed {
		seg.LastTimestampMS = time.Now().Add(-1000 * time.Hour).UnixMilli()
	}
	s.mu.Unlock()

	require.NoError(t, s.TruncateBefore(s.HeadLSN()))
	assert.Equal(t, s.HeadLSN(), s.FloorLSN())

	_, err = s.Read(1)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestStoreSafeLSNDefaultsToHeadLSN(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte("a")}})
	require.NoError(t, err)

	assert.Equal(t, s.HeadLSN(), s.safeLSN())
}

func TestStoreSafeLSNUsesRegisteredProvider(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte("a")}})
	require.NoError(t, err)
	_, _, err = s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte("b")}})
	require.NoError(t, err)

	s.SetSafeLSNProvider(func() uint64 { return 1 })
	assert.Equal(t, uint64(1), s.safeLSN())
	assert.NotEqual(t, s.HeadLSN(), s.safeLSN())
}

func TestStoreRecoversFromDisk(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewStore(cfg)
	require.NoError(t, err)

	_, _, err = s.Append([]PendingEntry{
		{Kind: types.EntryInsert, Payload: []byte("persisted-1")},
		{Kind: types.EntryInsert, Payload: []byte("persisted-2")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewStore(cfg)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint64(2), s2.HeadLSN())

	it, err := s2.Read(1)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 2, count)
}

func TestStoreSetTermStampsSubsequentEntries(t *testing.T) {
	s, err := NewStore(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	s.SetTerm(5)
	_, _, err = s.Append([]PendingEntry{{Kind: types.EntryInsert, Payload: []byte("x")}})
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	it, err := s.Read(1)
	require.NoError(t, err)
	defer it.Close()

	e, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.Term)
}

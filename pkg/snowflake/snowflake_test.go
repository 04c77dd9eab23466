package snowflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOutOfRangeNode(t *testing.T) {
	_, err := New(maxNode + 1)
	assert.ErrorIs(t, err, ErrNodeOutOfRange)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrNodeOutOfRange)
}

func TestNextIDMonotonic(t *testing.T) {
	n, err := New(7)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5000; i++ {
		id, err := n.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestNextIDUnique(t *testing.T) {
	n, err := New(1)
	require.NoError(t, err)

	seen := make(map[int64]bool, 10000)
	for i := 0; i < 10000; i++ {
		id, err := n.NextID()
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestDecomposeRoundTrip(t *testing.T) {
	n, err := New(42)
	require.NoError(t, err)

	id, err := n.NextID()
	require.NoError(t, err)

	_, nodeID, _ := Decompose(id)
	assert.Equal(t, int64(42), nodeID)
}

func TestDifferentNodesNeverCollide(t *testing.T) {
	nodeA, err := New(1)
	require.NoError(t, err)
	nodeB, err := New(2)
	require.NoError(t, err)

	idA, err := nodeA.NextID()
	require.NoError(t, err)
	idB, err := nodeB.NextID()
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)

	_, nodeIDA, _ := Decompose(idA)
	_, nodeIDB, _ := Decompose(idB)
	assert.Equal(t, int64(1), nodeIDA)
	assert.Equal(t, int64(2), nodeIDB)
}

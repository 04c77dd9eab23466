package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerIDFromNodeIDIsStableAndBounded(t *testing.T) {
	a := workerIDFromNodeID("node-1")
	b := workerIDFromNodeID("node-1")
	c := workerIDFromNodeID("node-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, int64(0))
	assert.LessOrEqual(t, a, int64(0x3FF))
}

func TestDiscoveryAddrsDerivesSamePort(t *testing.T) {
	broadcast, listen, err := discoveryAddrs(":7946")
	assert.NoError(t, err)
	assert.Equal(t, "255.255.255.255:7946", broadcast)
	assert.Equal(t, ":7946", listen)
}

func TestDiscoveryAddrsRejectsMalformedBindAddress(t *testing.T) {
	_, _, err := discoveryAddrs("not-an-address")
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresNodeFields(t *testing.T) {
	cfg := Default()
	cfg.Cluster.ClusterName = "prod"
	assert.Error(t, cfg.Validate())

	cfg.Node.ID = "n1"
	assert.Error(t, cfg.Validate())

	cfg.Node.AdvertiseAddress = "10.0.0.1:7946"
	assert.Error(t, cfg.Validate())

	cfg.Node.DataDir = "/var/lib/wolfscale"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresClusterNameWhenAutoDiscoveryEnabled(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "n1"
	cfg.Node.AdvertiseAddress = "10.0.0.1:7946"
	cfg.Node.DataDir = "/var/lib/wolfscale"

	assert.Error(t, cfg.Validate())

	cfg.Cluster.ClusterName = "prod"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesDefaultsWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wolfscale.yaml")
	doc := `
node:
  id: n1
  advertise_address: 10.0.0.1:7946
  data_dir: /var/lib/wolfscale
cluster:
  cluster_name: prod
  bootstrap: true
wal:
  segment_size_mb: 128
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.Node.ID)
	assert.True(t, cfg.Cluster.Bootstrap)
	assert.Equal(t, 128, cfg.WAL.SegmentSizeMB)
	// Defaults not present in the file should survive the merge.
	assert.Equal(t, 1000, cfg.WAL.BatchSize)
	assert.Equal(t, 500, cfg.Cluster.HeartbeatIntervalMS)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(1500), cfg.Cluster.LagTimeout().Milliseconds())
	assert.Equal(t, int64(100), cfg.WAL.FlushInterval().Milliseconds())
}

// Package config defines WolfScale's node configuration document: the
// declarative YAML tree every other component is built from, plus its
// defaults and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for one WolfScale node.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Database DatabaseConfig `yaml:"database"`
	WAL      WALConfig      `yaml:"wal"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	API      APIConfig      `yaml:"api"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

// NodeConfig identifies this node and where it keeps its on-disk state.
type NodeConfig struct {
	ID               string `yaml:"id"`
	BindAddress      string `yaml:"bind_address"`
	AdvertiseAddress string `yaml:"advertise_address"`
	DataDir          string `yaml:"data_dir"`
}

// DatabaseConfig describes the local MariaDB/MySQL instance this node
// co-locates with.
type DatabaseConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	PoolSize      int    `yaml:"pool_size"`
	IngestionMode string `yaml:"ingestion_mode"` // "direct" (default) or "binlog"
	ServerID      uint32 `yaml:"server_id"`       // replication server-id, binlog mode only
}

// WALConfig mirrors pkg/wal's policy knobs.
type WALConfig struct {
	BatchSize       int  `yaml:"batch_size"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
	Compression     bool `yaml:"compression"`
	SegmentSizeMB   int  `yaml:"segment_size_mb"`
	RetentionHours  int  `yaml:"retention_hours"`
	Fsync           bool `yaml:"fsync"`
}

// ClusterConfig controls membership, discovery, and timing.
type ClusterConfig struct {
	Bootstrap           bool     `yaml:"bootstrap"`
	Peers               []string `yaml:"peers"` // static seeds, "node-id@host:port", dialed at startup
	AutoDiscovery       bool     `yaml:"auto_discovery"`
	ClusterName         string   `yaml:"cluster_name"`
	HeartbeatIntervalMS int      `yaml:"heartbeat_interval_ms"`
	ElectionTimeoutMS   int      `yaml:"election_timeout_ms"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
}

// ProxyConfig controls the MySQL-protocol proxy listener.
type ProxyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
}

// Default returns a configuration populated with every documented default,
// id/addresses left blank for the caller to fill in.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Port:          3306,
			PoolSize:      10,
			IngestionMode: "direct",
		},
		WAL: WALConfig{
			BatchSize:       1000,
			FlushIntervalMS: 100,
			Compression:     true,
			SegmentSizeMB:   64,
			RetentionHours:  168,
			Fsync:           true,
		},
		Cluster: ClusterConfig{
			AutoDiscovery:       true,
			HeartbeatIntervalMS: 500,
			ElectionTimeoutMS:   2000,
		},
		API: APIConfig{
			Enabled:     true,
			BindAddress: ":7070",
		},
		Proxy: ProxyConfig{
			Enabled:     true,
			BindAddress: ":3307",
		},
	}
}

// Load reads and parses a YAML configuration document, applying defaults
// for anything left unset before validating it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and internally-consistent ranges. It does
// not check reachability of any address.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.AdvertiseAddress == "" {
		return fmt.Errorf("config: node.advertise_address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("config: node.data_dir is required")
	}
	if c.WAL.BatchSize <= 0 {
		return fmt.Errorf("config: wal.batch_size must be positive")
	}
	if c.WAL.SegmentSizeMB <= 0 {
		return fmt.Errorf("config: wal.segment_size_mb must be positive")
	}
	if c.Cluster.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("config: cluster.heartbeat_interval_ms must be positive")
	}
	if c.Cluster.AutoDiscovery && c.Cluster.ClusterName == "" {
		return fmt.Errorf("config: cluster.cluster_name is required when auto_discovery is enabled")
	}
	return nil
}

// FlushInterval returns the WAL flush interval as a time.Duration.
func (c WALConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the cluster heartbeat interval as a
// time.Duration.
func (c ClusterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ElectionTimeout returns the cluster election timeout as a time.Duration.
func (c ClusterConfig) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutMS) * time.Millisecond
}

// LagTimeout is 3x the heartbeat interval: the threshold at which a peer is
// marked Lagging for want of a heartbeat.
func (c ClusterConfig) LagTimeout() time.Duration {
	return 3 * c.HeartbeatInterval()
}

// DroppedTimeout is the fixed 30s threshold at which a peer with no
// heartbeat is removed from membership.
func (c ClusterConfig) DroppedTimeout() time.Duration {
	return 30 * time.Second
}

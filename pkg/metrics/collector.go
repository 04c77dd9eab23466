package metrics

import (
	"time"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

// Source is the subset of pkg/node.Node that Collector polls. It is defined
// here, rather than importing pkg/node directly, so pkg/node can in turn
// import pkg/metrics without a cycle.
type Source interface {
	Peers() []types.PeerInfo
	Self() types.PeerInfo
	Term() uint64
	WALStats() wal.Stats
}

// Collector periodically samples a running node and publishes the result as
// Prometheus gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a collector bound to the given node.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins the sampling loop on a 15s cadence, sampling once
// immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWAL()
	c.collectMembership()
}

func (c *Collector) collectWAL() {
	stats := c.source.WALStats()
	WALHeadLSN.Set(float64(stats.HeadLSN))
	WALFloorLSN.Set(float64(stats.FloorLSN))
	WALSegmentsTotal.Set(float64(stats.SegmentCount))
}

func (c *Collector) collectMembership() {
	self := c.source.Self()
	if self.Role == types.RoleLeader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
	CurrentTerm.Set(float64(c.source.Term()))

	counts := make(map[string]map[string]int)
	for _, p := range c.source.Peers() {
		role, status := string(p.Role), string(p.Status)
		if counts[role] == nil {
			counts[role] = make(map[string]int)
		}
		counts[role][status]++
	}
	for role, statuses := range counts {
		for status, n := range statuses {
			PeersTotal.WithLabelValues(role, status).Set(float64(n))
		}
	}

	headLSN := c.source.WALStats().HeadLSN
	for _, p := range c.source.Peers() {
		ReplicationLagEntries.WithLabelValues(p.ID).Set(float64(p.Lag(headLSN)))
	}
}

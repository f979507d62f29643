package metrics

import "time"

// RaftStatsSource is the minimal view a Collector needs of the replicated
// force-application node (pkg/cluster.Node implements this without metrics
// importing that package, keeping the dependency one-directional).
type RaftStatsSource interface {
	IsLeader() bool
	RaftStats() map[string]interface{}
}

// Collector periodically samples a node's Raft state into the package's
// gauges, the way a log-shipping sidecar would poll /metrics itself but
// cheaper: one in-process ticker instead of an HTTP round trip.
type Collector struct {
	source RaftStatsSource
	stopCh chan struct{}
}

// NewCollector creates a collector sampling source every 15 seconds.
func NewCollector(source RaftStatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.source.RaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeers.Set(float64(peers))
	}
}

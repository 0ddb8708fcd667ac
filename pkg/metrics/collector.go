package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/raftkv/pkg/consensus"
)

// Collector periodically samples a Node's observable state into the
// package-level Raft and peer gauges. It does not touch the queue,
// command or snapshot metrics, and no other code updates them either.
type Collector struct {
	node   *consensus.Node
	stopCh chan struct{}
}

// NewCollector creates a collector over node.
func NewCollector(node *consensus.Node) *Collector {
	return &Collector{
		node:   node,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting on a fixed interval until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
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
	info := c.node.Info()

	if info.State == "Leader" {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftPeersTotal.Set(float64(info.NumPeers))
	RaftLogIndex.Set(float64(info.LastLogIndex))
	RaftAppliedIndex.Set(float64(info.AppliedIndex))
	RaftTerm.Set(float64(info.Term))

	for _, p := range info.Peers {
		PeerState.WithLabelValues(strconv.FormatUint(uint64(p.ID), 10)).Set(float64(p.State))
	}
}

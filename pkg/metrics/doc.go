/*
Package metrics provides Prometheus metrics collection and exposition
for raftkv.

Metrics are registered at package init time and exposed via Handler for
scraping. The Collector samples Raft/peer state from a consensus.Node
on a fixed interval. The request-queue, command and snapshot metrics
are registered and exported, but no code path in this module updates
them, so they stay at zero.

Categories:

  - Raft state: leader flag, term, log index, applied index, peer count
    (set by the Collector)
  - Peer connections: per-peer connection state gauge (set by the
    Collector)
  - Request queue: current depth (not updated)
  - Commands: apply latency histogram, per-verb outcome counter (not
    updated)
  - Snapshots: duration histogram, outcome counter, compaction counter
    (not updated)

health.go additionally exposes a small component-registry-backed
health/readiness/liveness HTTP handler set, independent of Prometheus.
*/
package metrics

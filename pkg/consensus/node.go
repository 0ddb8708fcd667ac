// Package consensus is the single-threaded event loop owning the Raft
// protocol instance: it drains the request queue, lets hashicorp/raft
// service its own election/heartbeat tick, applies committed entries
// through FSM, checks peer and snapshot state once per tick, and
// triggers a new snapshot when the log crosses its configured
// threshold.
package consensus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/cuemby/raftkv/pkg/dataset"
	"github.com/cuemby/raftkv/pkg/peer"
	"github.com/cuemby/raftkv/pkg/queue"
	"github.com/cuemby/raftkv/pkg/raftlog"
	"github.com/cuemby/raftkv/pkg/snapshot"
	"github.com/cuemby/raftkv/pkg/types"
)

// Config holds the tuning knobs from the control-surface configuration
// options: id, addr, data directory (the log lives at raft.log inside
// it), raft-interval, request-timeout, election-timeout,
// reconnect-interval, max-log-entries, compact-delay.
type Config struct {
	ID       types.NodeID
	Addr     types.NodeAddr
	DataDir  string

	RaftInterval     time.Duration
	RequestTimeout   time.Duration
	ElectionTimeout  time.Duration
	ReconnectInterval time.Duration
	MaxLogEntries    uint64
	CompactDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RaftInterval == 0 {
		c.RaftInterval = 100 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 250 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 100 * time.Millisecond
	}
	if c.MaxLogEntries == 0 {
		c.MaxLogEntries = 10000
	}
	return c
}

// Node owns every consensus-side component: the Raft engine, the log,
// the snapshot store, the peer registry, the dataset, and the request
// queue bridging the foreground command context to this goroutine.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu           sync.RWMutex
	clusterState types.ClusterState
	dbid         [32]byte

	rlog      *raftlog.Log
	raftStore *raftlog.Store
	snapStore *snapshot.Store
	stream    *peer.StreamLayer
	registry  *peer.Registry
	transport *raft.NetworkTransport

	dataset *dataset.Dataset
	fsm     *FSM
	raft    *raft.Raft

	queue   *queue.Queue
	pending sync.Map // correlation id -> chan queue.Response

	configChangeInFlight atomic.Bool
	snapshotInProgress   atomic.Bool

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New builds a Node in the Uninitialized state. Callers must still call
// either ClusterInit or ClusterJoin (or Recover, if data-dir already
// holds a log) before the node does useful work.
func New(cfg Config, log zerolog.Logger) (*Node, error) {
	cfg = cfg.withDefaults()
	nodeLog := log.With().Uint64("node_id", uint64(cfg.ID)).Logger()

	ds, err := dataset.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry := peer.NewRegistry(nodeLog)
	stream, err := peer.NewStreamLayer(cfg.Addr.String(), registry, cfg.RequestTimeout, nodeLog)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("consensus: binding transport: %w", err)
	}

	snapDir := cfg.DataDir + "/snapshots"
	snapStore, err := snapshot.NewStore(snapDir, nodeLog)
	if err != nil {
		ds.Close()
		stream.Close()
		return nil, err
	}

	n := &Node{
		cfg:          cfg,
		log:          nodeLog,
		clusterState: types.ClusterUninitialized,
		dataset:      ds,
		registry:     registry,
		stream:       stream,
		snapStore:    snapStore,
		queue:        queue.New(),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	n.fsm = newFSM(ds, &n.pending)
	return n, nil
}

// Queue exposes the request queue for the control surface to push onto.
func (n *Node) Queue() *queue.Queue { return n.queue }

// ID returns this node's configured id.
func (n *Node) ID() types.NodeID { return n.cfg.ID }

// Addr returns this node's configured bind address.
func (n *Node) Addr() types.NodeAddr { return n.cfg.Addr }

// RegisterPeer seeds the peer registry with a known cluster member so
// RAFT.INFO and the reconnect timer can track it before any traffic has
// been exchanged.
func (n *Node) RegisterPeer(id types.NodeID, addr types.NodeAddr) {
	n.registry.Add(id, addr)
}

// DBID returns the 32-byte cluster identifier, valid once the node has
// left the Uninitialized state.
func (n *Node) DBID() [32]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dbid
}

func (n *Node) State() types.ClusterState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.clusterState
}

func (n *Node) setState(s types.ClusterState) {
	n.mu.Lock()
	n.clusterState = s
	n.mu.Unlock()
}

// buildRaft constructs the raft.Raft instance over the already-created
// log store and starts the reactor goroutine. It does not bootstrap or
// join — callers do that immediately afterward.
func (n *Node) buildRaft(logFile *raftlog.Log) error {
	n.rlog = logFile
	n.raftStore = raftlog.NewStore(logFile)
	n.raftStore.SetFatalHandler(func(err error) {
		n.log.Fatal().Err(err).Msg("log I/O failure, stepping down and terminating")
	})

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(fmt.Sprintf("%d", n.cfg.ID))
	raftConfig.HeartbeatTimeout = n.cfg.ElectionTimeout / 2
	raftConfig.ElectionTimeout = n.cfg.ElectionTimeout
	raftConfig.CommitTimeout = n.cfg.RaftInterval / 2
	raftConfig.LeaderLeaseTimeout = n.cfg.ElectionTimeout / 2
	raftConfig.SnapshotInterval = 365 * 24 * time.Hour
	raftConfig.SnapshotThreshold = 1 << 62

	n.transport = raft.NewNetworkTransport(n.stream, 3, n.cfg.RequestTimeout, io.Discard)

	r, err := raft.NewRaft(raftConfig, n.fsm, n.raftStore, n.raftStore, n.snapStore, n.transport)
	if err != nil {
		return fmt.Errorf("consensus: starting raft: %w", err)
	}
	n.raft = r

	go n.run()
	return nil
}

// ClusterInit creates a new single-node cluster with a fresh dbid.
func (n *Node) ClusterInit() error {
	if n.State() != types.ClusterUninitialized {
		return &types.CommandError{Kind: types.ErrState, Message: "cluster already initialized"}
	}
	dbid, err := newDBID()
	if err != nil {
		return err
	}
	logFile, err := raftlog.Create(n.logPath(), dbid, 0, 0, n.log)
	if err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	n.dbid = dbid
	if err := n.buildRaft(logFile); err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}

	configuration := raft.Configuration{Servers: []raft.Server{
		{Suffrage: raft.Voter, ID: raft.ServerID(fmt.Sprintf("%d", n.cfg.ID)), Address: raft.ServerAddress(n.cfg.Addr.String())},
	}}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	n.setState(types.ClusterUp)
	n.log.Info().Str("dbid", hex.EncodeToString(n.dbid[:16])).Msg("cluster initialized")
	return nil
}

// ClusterJoin starts this node as a fresh, unbootstrapped Raft member
// with the given dbid (learned from whichever seed in the address list
// answered, per the control surface's redirect-following client). It
// returns as soon as the Raft instance is running and marks the cluster
// state Up at that point; it does not wait for the leader to add this
// node to the configuration. It does not itself contact any peer:
// resolving the address list and issuing the remote RAFT.NODE ADD
// belongs to the control client, since only it can follow a MOVED
// redirect before a Node exists to own a queue.
func (n *Node) ClusterJoin(dbid [32]byte) error {
	if n.State() != types.ClusterUninitialized {
		return &types.CommandError{Kind: types.ErrState, Message: "cluster already initialized"}
	}
	n.setState(types.ClusterJoining)
	logFile, err := raftlog.Create(n.logPath(), dbid, 0, 0, n.log)
	if err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	n.dbid = dbid
	if err := n.buildRaft(logFile); err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	// No BootstrapCluster call: this node starts with an empty
	// configuration and becomes a voter only once the leader's AddVoter
	// call replicates a configuration entry naming it.
	n.setState(types.ClusterUp)
	return nil
}

// Recover opens an existing log file on disk and resumes, used on
// startup when data-dir already holds state from a previous run.
func (n *Node) Recover() error {
	n.setState(types.ClusterLoading)
	logFile, recovered, err := raftlog.Open(n.logPath(), n.log)
	if err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	if recovered {
		n.log.Warn().Msg("recovered log had a truncated trailing entry, discarded")
	}
	if err := n.buildRaft(logFile); err != nil {
		return &types.CommandError{Kind: types.ErrFatal, Message: err.Error()}
	}
	n.setState(types.ClusterUp)
	return nil
}

// LogExists reports whether data-dir already holds a log file from a
// prior run, used by the control surface / cmd entrypoint to decide
// between Recover and waiting for an explicit INIT/JOIN. A stat is
// enough here: Recover itself does the full header parse and replay
// once the caller decides to proceed.
func (n *Node) LogExists() bool {
	_, err := os.Stat(n.logPath())
	return err == nil
}

func (n *Node) logPath() string {
	return n.cfg.DataDir + "/raft.log"
}

func newDBID() ([32]byte, error) {
	var id [32]byte
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return id, fmt.Errorf("consensus: generating dbid: %w", err)
	}
	copy(id[:], hex.EncodeToString(raw))
	return id, nil
}

// Shutdown stops accepting new requests, drains the queue, fails
// pending replies, syncs the log, and stops the Raft instance.
func (n *Node) Shutdown() error {
	close(n.shutdownCh)
	<-n.doneCh

	n.queue.Shutdown()

	n.pending.Range(func(key, value any) bool {
		value.(chan queue.Response) <- queue.Response{Err: fmt.Errorf("consensus: node shutting down")}
		n.pending.Delete(key)
		return true
	})

	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			n.log.Warn().Err(err).Msg("raft shutdown returned an error")
		}
	}
	if n.rlog != nil {
		if err := n.rlog.Sync(); err != nil {
			n.log.Error().Err(err).Msg("syncing raft log")
		}
		if err := n.rlog.Close(); err != nil {
			n.log.Error().Err(err).Msg("closing raft log")
		}
	}
	if n.stream != nil {
		n.stream.Close()
	}
	return n.dataset.Close()
}

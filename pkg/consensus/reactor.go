package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cuemby/raftkv/pkg/peer"
	"github.com/cuemby/raftkv/pkg/queue"
	"github.com/cuemby/raftkv/pkg/types"
)

// run is the single-threaded reactor: drain the request queue, let the
// embedded raft.Raft instance service its own tick on its own
// goroutines, poll for completed snapshots, and check whether a new
// snapshot or peer reconnect is due. It owns every field on Node except
// the ones raft.Raft and FSM.Apply touch on their own goroutines.
func (n *Node) run() {
	defer close(n.doneCh)

	ticker := time.NewTicker(n.cfg.RaftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return

		case <-n.queue.Wake():
			for _, req := range n.queue.Drain() {
				n.dispatch(req)
			}

		case <-ticker.C:
			n.pollSnapshotStatus()
			n.registry.HandleNodeStates(n.reconnectPeer, n.cfg.ReconnectInterval)
			n.maybeSnapshot()
		}
	}
}

func (n *Node) dispatch(req *queue.Request) {
	switch req.Kind {
	case types.RequestClusterJoin:
		n.doClusterJoin(req)
	case types.RequestAddNode:
		n.doAddNode(req)
	case types.RequestRemoveNode:
		n.doRemoveNode(req)
	case types.RequestClientCommand:
		n.doClientCommand(req)
	case types.RequestInfo:
		n.doInfo(req)
	case types.RequestLoadSnapshot:
		n.doLoadSnapshot(req)
	case types.RequestCompact:
		n.doCompact(req)
	default:
		// RequestClusterInit is handled synchronously by Node.ClusterInit
		// before the reactor starts. RequestAppendEntriesRPC/RequestVoteRPC
		// never reach the queue: raft.NetworkTransport's own Accept loop,
		// driven through the StreamLayer, services that traffic directly.
		n.reply(req, queue.Response{}, fmt.Errorf("consensus: unexpected request kind %s on queue", req.Kind))
	}
}

func (n *Node) reply(req *queue.Request, resp queue.Response, err error) {
	if req.Reply == nil {
		return
	}
	if err != nil {
		resp.Err = err
	}
	req.Reply <- resp
}

func (n *Node) notLeaderError() error {
	leaderAddr := n.raft.Leader()
	if leaderAddr == "" {
		return &types.CommandError{Kind: types.ErrTransient, Message: "no leader known"}
	}
	addr, err := parseServerAddress(leaderAddr)
	if err != nil {
		return &types.CommandError{Kind: types.ErrTransient, Message: "no leader known"}
	}
	return &types.CommandError{Kind: types.ErrNotLeader, Message: "not leader", Leader: &addr}
}

func parseServerAddress(addr raft.ServerAddress) (types.NodeAddr, error) {
	var host string
	var port int
	if _, err := fmt.Sscanf(string(addr), "%[^:]:%d", &host, &port); err != nil {
		return types.NodeAddr{}, err
	}
	return types.NodeAddr{Host: host, Port: port}, nil
}

// doClientCommand applies one client command through Raft. It registers
// the correlation id in the pending map before calling Apply so
// FSM.Apply (running on raft's own apply goroutine) can deliver the
// reply the moment the entry commits; if Apply itself returns an error
// (not leader, timeout) this goroutine removes its own registration
// before replying, so the two paths never both try to send on Reply.
func (n *Node) doClientCommand(req *queue.Request) {
	if n.raft.State() != raft.Leader {
		n.reply(req, queue.Response{}, n.notLeaderError())
		return
	}

	correlationID := fmt.Sprintf("%d-%d", n.cfg.ID, time.Now().UnixNano())
	n.pending.Store(correlationID, req.Reply)

	payload, err := encodeCommand(Command{CorrelationID: correlationID, Argv: req.Argv})
	if err != nil {
		n.pending.Delete(correlationID)
		n.reply(req, queue.Response{}, err)
		return
	}

	future := n.raft.Apply(payload, n.cfg.RequestTimeout)
	go func() {
		if err := future.Error(); err != nil {
			if ch, ok := n.pending.LoadAndDelete(correlationID); ok {
				ch.(chan queue.Response) <- queue.Response{Err: fmt.Errorf("consensus: apply failed: %w", err)}
			}
		}
	}()
}

func (n *Node) doAddNode(req *queue.Request) {
	if n.raft.State() != raft.Leader {
		n.reply(req, queue.Response{}, n.notLeaderError())
		return
	}
	if !n.configChangeInFlight.CompareAndSwap(false, true) {
		n.reply(req, queue.Response{}, &types.CommandError{Kind: types.ErrBusy, Message: "a membership change is already in progress"})
		return
	}
	defer n.configChangeInFlight.Store(false)

	serverID := raft.ServerID(fmt.Sprintf("%d", req.NodeID))
	serverAddr := raft.ServerAddress(req.NodeAddr.String())
	future := n.raft.AddVoter(serverID, serverAddr, 0, n.cfg.RequestTimeout)
	if err := future.Error(); err != nil {
		n.reply(req, queue.Response{}, fmt.Errorf("consensus: add node: %w", err))
		return
	}
	n.registry.Add(req.NodeID, req.NodeAddr)
	n.reply(req, queue.Response{Value: "OK"}, nil)
}

func (n *Node) doRemoveNode(req *queue.Request) {
	if n.raft.State() != raft.Leader {
		n.reply(req, queue.Response{}, n.notLeaderError())
		return
	}
	if !n.configChangeInFlight.CompareAndSwap(false, true) {
		n.reply(req, queue.Response{}, &types.CommandError{Kind: types.ErrBusy, Message: "a membership change is already in progress"})
		return
	}
	defer n.configChangeInFlight.Store(false)

	serverID := raft.ServerID(fmt.Sprintf("%d", req.NodeID))
	future := n.raft.RemoveServer(serverID, 0, n.cfg.RequestTimeout)
	if err := future.Error(); err != nil {
		n.reply(req, queue.Response{}, fmt.Errorf("consensus: remove node: %w", err))
		return
	}
	n.registry.Remove(req.NodeID)
	n.reply(req, queue.Response{Value: "OK"}, nil)
}

// doClusterJoin rejects a queued join request with an error and leaves
// the cluster state unchanged: joining runs through Node.ClusterJoin and
// the control client's redirect-following loop (see pkg/control), both
// of which finish before the reactor starts draining the queue.
func (n *Node) doClusterJoin(req *queue.Request) {
	n.reply(req, queue.Response{}, fmt.Errorf("consensus: cluster join must be driven through the control surface"))
}

func (n *Node) doLoadSnapshot(req *queue.Request) {
	meta := raft.SnapshotMeta{Term: req.Term, Index: req.Index}
	if err := n.fsm.Restore(newByteReadCloser(req.SnapshotBlob)); err != nil {
		n.reply(req, queue.Response{}, fmt.Errorf("consensus: loading snapshot: %w", err))
		return
	}
	n.log.Info().Uint64("term", meta.Term).Uint64("index", meta.Index).Msg("loaded external snapshot")
	n.reply(req, queue.Response{Value: "OK"}, nil)
}

func (n *Node) doCompact(req *queue.Request) {
	if err := n.triggerSnapshot(); err != nil {
		n.reply(req, queue.Response{}, err)
		return
	}
	n.reply(req, queue.Response{Value: "OK"}, nil)
}

// maybeSnapshot triggers a snapshot once the applied index is at least
// max-log-entries entries beyond the last snapshot boundary.
func (n *Node) maybeSnapshot() {
	if n.snapshotInProgress.Load() {
		return
	}
	_, snapIndex := n.rlog.SnapshotBoundary()
	applied := n.raft.AppliedIndex()
	if applied <= snapIndex || applied-snapIndex < n.cfg.MaxLogEntries {
		return
	}
	if err := n.triggerSnapshot(); err != nil {
		n.log.Warn().Err(err).Msg("failed to trigger snapshot")
	}
}

func (n *Node) triggerSnapshot() error {
	if !n.snapshotInProgress.CompareAndSwap(false, true) {
		return &types.CommandError{Kind: types.ErrBusy, Message: "a snapshot is already in progress"}
	}
	future := n.raft.Snapshot()
	go func() {
		defer n.snapshotInProgress.Store(false)
		if err := future.Error(); err != nil {
			n.log.Warn().Err(err).Msg("snapshot failed")
		}
	}()
	return nil
}

// pollSnapshotStatus drains any completed snapshot results without
// blocking the reactor, logging the outcome and compacting the log up
// to the snapshot boundary on success.
func (n *Node) pollSnapshotStatus() {
	for {
		select {
		case res := <-n.snapStore.Results():
			if !res.Success {
				n.log.Warn().Str("error", res.Err).Msg("snapshot attempt failed")
				continue
			}
			n.log.Info().
				Uint64("term", res.SnapshotTerm).
				Uint64("index", res.SnapshotIndex).
				Uint64("entries", res.NumEntries).
				Msg("snapshot completed")
			if err := n.rlog.RemoveHead(res.SnapshotTerm, res.SnapshotIndex); err != nil {
				n.log.Error().Err(err).Msg("compacting log after snapshot")
			}
		default:
			return
		}
	}
}

func (n *Node) reconnectPeer(p *peer.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()
	p.Reconnect(ctx, n.cfg.RequestTimeout)
}

package consensus

import (
	"strconv"

	"github.com/cuemby/raftkv/pkg/peer"
	"github.com/cuemby/raftkv/pkg/queue"
)

// Info is the structured reply to RAFT.INFO: cluster and log state plus
// a per-peer connection snapshot, mirroring the INFO fields described
// for the control surface.
type Info struct {
	DBID          string
	ClusterState  string
	State         string // raft.RaftState stringified: Leader, Follower, Candidate
	Term          uint64
	LastLogIndex  uint64
	AppliedIndex  uint64
	SnapshotTerm  uint64
	SnapshotIndex uint64
	NumPeers      int
	Peers         []peer.Info
}

func (n *Node) doInfo(req *queue.Request) {
	info := n.buildInfo()
	n.reply(req, queue.Response{Values: infoToValues(info)}, nil)
}

// Info returns the current cluster/log/peer snapshot, used directly by
// the metrics collector rather than going through the request queue.
func (n *Node) Info() Info {
	return n.buildInfo()
}

func (n *Node) buildInfo() Info {
	snapTerm, snapIndex := n.rlog.SnapshotBoundary()
	peers := n.registry.All()
	peerInfos := make([]peer.Info, 0, len(peers))
	for _, p := range peers {
		peerInfos = append(peerInfos, p.Info())
	}
	return Info{
		DBID:          string(n.dbid[:]),
		ClusterState:  n.State().String(),
		State:         n.raft.State().String(),
		Term:          n.currentTerm(),
		LastLogIndex:  n.rlog.LastIndex(),
		AppliedIndex:  n.raft.AppliedIndex(),
		SnapshotTerm:  snapTerm,
		SnapshotIndex: snapIndex,
		NumPeers:      len(peerInfos),
		Peers:         peerInfos,
	}
}

func (n *Node) currentTerm() uint64 {
	v, ok := n.rlog.GetVote("CurrentTerm")
	if !ok || len(v) != 8 {
		return 0
	}
	var term uint64
	for _, b := range v {
		term = term<<8 | uint64(b)
	}
	return term
}

// infoToValues flattens Info into the string map queue.Response already
// carries, since the control surface renders RAFT.INFO as a flat
// key/value listing.
func infoToValues(info Info) map[string]string {
	values := map[string]string{
		"dbid":           info.DBID,
		"cluster_state":  info.ClusterState,
		"state":          info.State,
		"term":           strconv.FormatUint(info.Term, 10),
		"last_log_index": strconv.FormatUint(info.LastLogIndex, 10),
		"applied_index":  strconv.FormatUint(info.AppliedIndex, 10),
		"snapshot_term":  strconv.FormatUint(info.SnapshotTerm, 10),
		"snapshot_index": strconv.FormatUint(info.SnapshotIndex, 10),
		"num_peers":      strconv.Itoa(info.NumPeers),
	}
	for _, p := range info.Peers {
		prefix := "peer." + p.Addr.String() + "."
		values[prefix+"id"] = strconv.FormatUint(uint64(p.ID), 10)
		values[prefix+"state"] = p.State.String()
	}
	return values
}

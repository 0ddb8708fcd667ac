// Package types holds the shared value types used across raftkv: node
// addresses, the request variant handed to the consensus core, and the
// small set of enums describing peer and cluster state.
package types

import "fmt"

// NodeAddr is a (host, port) pair identifying a cluster member. Host is
// expected to be at most 255 bytes, matching the wire limit carried over
// from the original C implementation this module is modeled on.
type NodeAddr struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (a NodeAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// NodeID is a cluster-unique integer identifier for a peer.
type NodeID uint64

// ClusterState is the lifecycle state of a node's view of the cluster.
type ClusterState int

const (
	ClusterUninitialized ClusterState = iota
	ClusterLoading
	ClusterJoining
	ClusterUp
)

func (s ClusterState) String() string {
	switch s {
	case ClusterUninitialized:
		return "uninitialized"
	case ClusterLoading:
		return "loading"
	case ClusterJoining:
		return "joining"
	case ClusterUp:
		return "up"
	default:
		return "unknown"
	}
}

// PeerState is the connection-manager state machine described in the
// peer package. It lives here, rather than in pkg/peer, so that
// consensus and control-surface code can report it without importing
// the peer package's connection machinery.
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerResolving
	PeerConnecting
	PeerConnected
	PeerConnectError
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerResolving:
		return "resolving"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// EntryType distinguishes the kind of payload carried by a log entry.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfigChange
	EntryNoOp
)

// RequestKind enumerates the tagged variants the foreground context can
// push onto the request queue for the consensus core to handle.
type RequestKind int

const (
	RequestClusterInit RequestKind = iota
	RequestClusterJoin
	RequestAddNode
	RequestRemoveNode
	RequestAppendEntriesRPC
	RequestRequestVoteRPC
	RequestClientCommand
	RequestInfo
	RequestLoadSnapshot
	RequestCompact
)

func (k RequestKind) String() string {
	switch k {
	case RequestClusterInit:
		return "cluster_init"
	case RequestClusterJoin:
		return "cluster_join"
	case RequestAddNode:
		return "add_node"
	case RequestRemoveNode:
		return "remove_node"
	case RequestAppendEntriesRPC:
		return "append_entries"
	case RequestRequestVoteRPC:
		return "request_vote"
	case RequestClientCommand:
		return "client_command"
	case RequestInfo:
		return "info"
	case RequestLoadSnapshot:
		return "load_snapshot"
	case RequestCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// ErrorKind classifies an error surfaced from the consensus core to a
// client, matching the error-handling design's kind taxonomy.
type ErrorKind int

const (
	ErrTransient ErrorKind = iota
	ErrConfig
	ErrNotLeader
	ErrBusy
	ErrState
	ErrFatal
)

// CommandError carries a classified error back to the issuing client,
// including a MOVED-style redirect address when ErrNotLeader applies.
type CommandError struct {
	Kind    ErrorKind
	Message string
	Leader  *NodeAddr
}

func (e *CommandError) Error() string {
	if e.Kind == ErrNotLeader && e.Leader != nil {
		return fmt.Sprintf("MOVED %s: %s", e.Leader, e.Message)
	}
	return e.Message
}

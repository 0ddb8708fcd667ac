// Package peer implements the per-remote connection lifecycle: resolve
// address, dial, stream RPCs, and reconnect on failure. A Peer
// implements raft.StreamLayer so hashicorp/raft's own NetworkTransport
// drives the actual AppendEntries/RequestVote/InstallSnapshot wire
// protocol through it; this package owns only the connection state
// machine and the DNS resolution + dial sequence in front of it.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/raftkv/pkg/types"
)

// State is the connection-manager state machine:
//
//	Disconnected --connect()--> Resolving --resolved--> Connecting --ok--> Connected
//	     ^                          | fail                  | fail
//	     |                          v                       v
//	     +--------------------- ConnectError <--------------+
type State = types.PeerState

const (
	Disconnected = types.PeerDisconnected
	Resolving    = types.PeerResolving
	Connecting   = types.PeerConnecting
	Connected    = types.PeerConnected
	ConnectError = types.PeerConnectError
)

// Peer tracks one remote cluster member's connection lifecycle. State
// transitions happen on whichever goroutine runs a resolve+dial
// attempt: the per-peer reconnect goroutine HandleNodeStates starts, or
// the transport goroutine calling StreamLayer.Dial. Every field read or
// write goes through p.mu.
type Peer struct {
	ID   types.NodeID
	Addr types.NodeAddr

	mu           sync.Mutex
	state        State
	terminating  bool
	lastAttempt  time.Time
	lastError    error
	conn         net.Conn

	snapshotInFlight    bool
	lastSnapshotAttempt time.Time

	log zerolog.Logger
}

// New creates a Peer in the Disconnected state.
func New(id types.NodeID, addr types.NodeAddr, log zerolog.Logger) *Peer {
	return &Peer{
		ID:    id,
		Addr:  addr,
		state: Disconnected,
		log:   log.With().Uint64("peer_id", uint64(id)).Logger(),
	}
}

// State returns the current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetTerminating marks the peer for removal; the reconnect timer skips
// terminating peers and they are freed once idle.
func (p *Peer) SetTerminating() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminating = true
}

func (p *Peer) IsTerminating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminating
}

// SnapshotInFlight reports whether a snapshot transmission to this peer
// is already in progress, enforcing the at-most-one-per-peer invariant.
func (p *Peer) SnapshotInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotInFlight
}

func (p *Peer) SetSnapshotInFlight(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotInFlight = v
	if v {
		p.lastSnapshotAttempt = time.Now()
	}
}

// resolveAndDial performs the Resolving -> Connecting -> Connected walk
// (or fails into ConnectError), returning the established connection.
// DNS resolution runs through net.DefaultResolver on its own goroutine
// path via DialContext so it never blocks the reconnect timer for
// other peers.
func (p *Peer) resolveAndDial(ctx context.Context, dialTimeout time.Duration) (net.Conn, error) {
	p.setState(Resolving)

	dialer := &net.Dialer{Timeout: dialTimeout, Resolver: net.DefaultResolver}
	p.setState(Connecting)
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr.String())
	if err != nil {
		p.mu.Lock()
		p.state = ConnectError
		p.lastError = err
		p.lastAttempt = time.Now()
		p.mu.Unlock()
		return nil, fmt.Errorf("peer %d: dial %s: %w", p.ID, p.Addr, err)
	}

	p.mu.Lock()
	p.state = Connected
	p.conn = conn
	p.lastAttempt = time.Now()
	p.lastError = nil
	p.mu.Unlock()
	return conn, nil
}

// Reconnect drives one resolve+dial attempt for a peer currently
// Disconnected or ConnectError (see ShouldReconnect), settling it into
// Connected before raft.NetworkTransport ever needs to dial it for real
// RPC traffic. The probe connection itself is closed since it is never
// reused, but the state is left Connected: StreamLayer.Dial's own
// dial (driven by DialForTransport) is what flips it back to
// ConnectError if the peer turns out to be unreachable after all.
func (p *Peer) Reconnect(ctx context.Context, dialTimeout time.Duration) {
	conn, err := p.resolveAndDial(ctx, dialTimeout)
	if err != nil {
		p.log.Debug().Err(err).Msg("reconnect probe failed")
		return
	}
	conn.Close()
}

// DialForTransport performs the resolve+dial raft.NetworkTransport
// needs to issue RPC traffic to this peer, driving the connection
// state machine through the attempt. StreamLayer.Dial hands the
// returned net.Conn straight to the transport, so this is the dial
// outbound AppendEntries/RequestVote/InstallSnapshot RPCs are actually
// issued over — not a decorative probe.
func (p *Peer) DialForTransport(ctx context.Context, dialTimeout time.Duration) (net.Conn, error) {
	return p.resolveAndDial(ctx, dialTimeout)
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ShouldReconnect reports whether the background reconnect timer should
// attempt this peer: it must be Disconnected or ConnectError and not
// terminating.
func (p *Peer) ShouldReconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminating {
		return false
	}
	return p.state == Disconnected || p.state == ConnectError
}

// Info is the RAFT.INFO-facing snapshot of a peer's observable state.
type Info struct {
	ID                  types.NodeID
	Addr                types.NodeAddr
	State               State
	Terminating         bool
	LastError           string
	SnapshotInFlight    bool
	LastSnapshotAttempt time.Time
}

func (p *Peer) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	lastErr := ""
	if p.lastError != nil {
		lastErr = p.lastError.Error()
	}
	return Info{
		ID:                  p.ID,
		Addr:                p.Addr,
		State:               p.state,
		Terminating:         p.terminating,
		LastError:           lastErr,
		SnapshotInFlight:    p.snapshotInFlight,
		LastSnapshotAttempt: p.lastSnapshotAttempt,
	}
}

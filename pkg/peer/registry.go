package peer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/raftkv/pkg/types"
)

// Registry is the arena of peers indexed by node id, realizing the
// design note that cyclic references between Peer and Consensus Core
// should be modeled as an id-indexed arena rather than raw back-pointers.
type Registry struct {
	mu    sync.RWMutex
	peers map[types.NodeID]*Peer
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		peers: make(map[types.NodeID]*Peer),
		log:   log.With().Str("component", "peer_registry").Logger(),
	}
}

// Add registers a peer, or returns the existing one if id is already
// known (addresses can change via a later AddNode with an updated addr).
func (r *Registry) Add(id types.NodeID, addr types.NodeAddr) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.mu.Lock()
		p.Addr = addr
		p.mu.Unlock()
		return p
	}
	p := New(id, addr, r.log)
	r.peers[id] = p
	return p
}

// Get returns the peer for id, if known.
func (r *Registry) Get(id types.NodeID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// ByAddress returns the peer currently registered at addr, if any.
// StreamLayer.Dial uses this to find the peer a raft.ServerAddress
// dial target belongs to, since raft addresses servers by address
// rather than node id.
func (r *Registry) ByAddress(addr string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.Addr.String() == addr {
			return p, true
		}
	}
	return nil, false
}

// Remove marks a peer terminating and drops it from the registry once
// it is no longer connected.
func (r *Registry) Remove(id types.NodeID) {
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.SetTerminating()
	if p.State() == Disconnected || p.State() == ConnectError {
		r.mu.Lock()
		delete(r.peers, id)
		r.mu.Unlock()
	}
}

// All returns a snapshot slice of every known peer.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// HandleNodeStates is called once per consensus tick. For every peer in
// Disconnected or ConnectError that is not terminating, it kicks off an
// async resolve+dial attempt (reconnectFn), respecting
// reconnectInterval between attempts per peer. Terminating peers are
// passed to Remove instead, which drops them once they are idle.
func (r *Registry) HandleNodeStates(reconnectFn func(*Peer), reconnectInterval time.Duration) {
	now := time.Now()
	for _, p := range r.All() {
		p.mu.Lock()
		due := now.Sub(p.lastAttempt) >= reconnectInterval
		terminating := p.terminating
		p.mu.Unlock()
		if terminating {
			r.Remove(p.ID)
			continue
		}
		if due && p.ShouldReconnect() {
			go reconnectFn(p)
		}
	}
}

package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// StreamLayer implements raft.StreamLayer. Dial looks up the named
// peer by address and drives its connection state machine through the
// resolve-then-connect sequence, returning the dialed connection only
// once it settles into Connected; a terminating peer is rejected
// outright. Any other failure leaves the peer in ConnectError and
// fails the dial, leaving the Raft library's own retry-on-next-
// heartbeat to try again — outbound RPCs are issued over the same dial
// the connection state machine observes, not a separate decorative one.
type StreamLayer struct {
	listener net.Listener
	registry *Registry
	dialTO   time.Duration
	log      zerolog.Logger
}

// NewStreamLayer binds listenAddr and returns a StreamLayer backed by
// registry for outbound dial bookkeeping.
func NewStreamLayer(listenAddr string, registry *Registry, dialTimeout time.Duration, log zerolog.Logger) (*StreamLayer, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &StreamLayer{
		listener: ln,
		registry: registry,
		dialTO:   dialTimeout,
		log:      log.With().Str("component", "peer_transport").Logger(),
	}, nil
}

// Dial connects to address within timeout. raft.NetworkTransport calls
// this directly, addressed by raft.ServerAddress rather than node id,
// so the peer is looked up by address in the registry. An address with
// no known peer (e.g. a bootstrap dial before AddNode has registered
// the remote) is dialed directly with no state to drive.
func (s *StreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	p, ok := s.registry.ByAddress(address)
	if !ok {
		dialer := &net.Dialer{Timeout: timeout, Resolver: net.DefaultResolver}
		return dialer.Dial("tcp", address)
	}
	if p.IsTerminating() {
		return nil, fmt.Errorf("peer: %s is terminating, dial refused", address)
	}
	if timeout <= 0 {
		timeout = s.dialTO
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.DialForTransport(ctx, timeout)
}

// Accept waits for an inbound connection from a peer.
func (s *StreamLayer) Accept() (net.Conn, error) {
	return s.listener.Accept()
}

// Close closes the listener.
func (s *StreamLayer) Close() error {
	return s.listener.Close()
}

// Addr returns the bound listen address.
func (s *StreamLayer) Addr() net.Addr {
	return s.listener.Addr()
}

package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/types"
)

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	addr := types.NodeAddr{Host: "a", Port: 1}
	p := r.Add(1, addr)
	require.Equal(t, addr, p.Addr)

	got, ok := r.Get(1)
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestRegistryAddUpdatesAddr(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Add(1, types.NodeAddr{Host: "a", Port: 1})
	p2 := r.Add(1, types.NodeAddr{Host: "b", Port: 2})
	require.Equal(t, types.NodeAddr{Host: "b", Port: 2}, p2.Addr)
	require.Len(t, r.All(), 1)
}

func TestRegistryRemoveDisconnectedDropsImmediately(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Add(1, types.NodeAddr{Host: "a", Port: 1})
	r.Remove(1)
	_, ok := r.Get(1)
	require.False(t, ok)
}

func TestRegistryByAddress(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	p := r.Add(1, types.NodeAddr{Host: "127.0.0.1", Port: 7000})

	got, ok := r.ByAddress("127.0.0.1:7000")
	require.True(t, ok)
	require.Same(t, p, got)

	_, ok = r.ByAddress("127.0.0.1:9999")
	require.False(t, ok)
}

func TestRegistryAllSnapshot(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Add(1, types.NodeAddr{Host: "a", Port: 1})
	r.Add(2, types.NodeAddr{Host: "b", Port: 2})
	require.Len(t, r.All(), 2)
}

func TestRegistryHandleNodeStatesCallsReconnectForDue(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Add(1, types.NodeAddr{Host: "a", Port: 1})

	var mu sync.Mutex
	called := 0
	r.HandleNodeStates(func(p *Peer) {
		mu.Lock()
		called++
		mu.Unlock()
	}, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryHandleNodeStatesRemovesTerminating(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	p := r.Add(1, types.NodeAddr{Host: "a", Port: 1})
	p.SetTerminating()

	r.HandleNodeStates(func(*Peer) {}, time.Millisecond)

	_, ok := r.Get(1)
	require.False(t, ok)
}

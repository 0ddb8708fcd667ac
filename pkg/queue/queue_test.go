package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/types"
)

func TestPushDrainFIFO(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		q.Push(&Request{Kind: types.RequestInfo, NodeID: types.NodeID(i)})
	}

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal")
	}

	got := q.Drain()
	require.Len(t, got, 3)
	for i, req := range got {
		require.Equal(t, types.NodeID(i), req.NodeID)
	}
	require.Empty(t, q.Drain())
}

func TestShutdownFailsPending(t *testing.T) {
	q := New()
	reply := make(chan Response, 1)
	q.Push(&Request{Kind: types.RequestClientCommand, Reply: reply})

	q.Shutdown()

	resp := <-reply
	require.Error(t, resp.Err)

	reply2 := make(chan Response, 1)
	q.Push(&Request{Kind: types.RequestClientCommand, Reply: reply2})
	resp2 := <-reply2
	require.Error(t, resp2.Err)
}

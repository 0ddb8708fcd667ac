package consensus

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/queue"
	"github.com/cuemby/raftkv/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newBootstrappedNode(t *testing.T) *Node {
	t.Helper()
	cfg := Config{
		ID:      1,
		Addr:    types.NodeAddr{Host: "127.0.0.1", Port: freePort(t)},
		DataDir: t.TempDir(),
	}
	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.ClusterInit())
	t.Cleanup(func() { n.Shutdown() })

	require.Eventually(t, func() bool {
		return n.State() == types.ClusterUp
	}, 2*time.Second, 10*time.Millisecond)
	return n
}

func pushAndWait(t *testing.T, n *Node, req *queue.Request) queue.Response {
	t.Helper()
	req.Reply = make(chan queue.Response, 1)
	n.Queue().Push(req)
	select {
	case resp := <-req.Reply:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return queue.Response{}
	}
}

func TestClusterInitTwiceFails(t *testing.T) {
	n := newBootstrappedNode(t)
	require.Error(t, n.ClusterInit())
}

func TestLogExistsReflectsDataDir(t *testing.T) {
	cfg := Config{
		ID:      1,
		Addr:    types.NodeAddr{Host: "127.0.0.1", Port: freePort(t)},
		DataDir: t.TempDir(),
	}
	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, n.LogExists())

	require.NoError(t, n.ClusterInit())
	t.Cleanup(func() { n.Shutdown() })
	require.True(t, n.LogExists())
}

func TestClientCommandAppliesThroughRaft(t *testing.T) {
	n := newBootstrappedNode(t)

	resp := pushAndWait(t, n, &queue.Request{
		Kind: types.RequestClientCommand,
		Argv: [][]byte{[]byte("SET"), []byte("k"), []byte("v")},
	})
	require.NoError(t, resp.Err)
	require.Equal(t, "OK", resp.Value)

	resp = pushAndWait(t, n, &queue.Request{
		Kind: types.RequestClientCommand,
		Argv: [][]byte{[]byte("GET"), []byte("k")},
	})
	require.NoError(t, resp.Err)
	require.Equal(t, "v", resp.Value)
}

func TestInfoRequest(t *testing.T) {
	n := newBootstrappedNode(t)
	resp := pushAndWait(t, n, &queue.Request{Kind: types.RequestInfo})
	require.NoError(t, resp.Err)
	require.Equal(t, "Leader", resp.Values["state"])
	require.Equal(t, "0", resp.Values["num_peers"])
}

func TestCompactRequest(t *testing.T) {
	n := newBootstrappedNode(t)
	pushAndWait(t, n, &queue.Request{
		Kind: types.RequestClientCommand,
		Argv: [][]byte{[]byte("SET"), []byte("k"), []byte("v")},
	})
	resp := pushAndWait(t, n, &queue.Request{Kind: types.RequestCompact})
	require.NoError(t, resp.Err)
}

func TestUnexpectedQueueKindErrors(t *testing.T) {
	n := newBootstrappedNode(t)
	resp := pushAndWait(t, n, &queue.Request{Kind: types.RequestAppendEntriesRPC})
	require.Error(t, resp.Err)
}

func TestRegisterPeerVisibleInInfo(t *testing.T) {
	n := newBootstrappedNode(t)
	n.RegisterPeer(2, types.NodeAddr{Host: "127.0.0.1", Port: 9999})

	resp := pushAndWait(t, n, &queue.Request{Kind: types.RequestInfo})
	require.NoError(t, resp.Err)
	require.Equal(t, "1", resp.Values["num_peers"])
}

func TestShutdownFailsQueuedRequests(t *testing.T) {
	cfg := Config{
		ID:      1,
		Addr:    types.NodeAddr{Host: "127.0.0.1", Port: freePort(t)},
		DataDir: t.TempDir(),
	}
	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.ClusterInit())
	require.Eventually(t, func() bool { return n.State() == types.ClusterUp }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Shutdown())

	reply := make(chan queue.Response, 1)
	n.Queue().Push(&queue.Request{Kind: types.RequestInfo, Reply: reply})
	resp := <-reply
	require.Error(t, resp.Err)
}

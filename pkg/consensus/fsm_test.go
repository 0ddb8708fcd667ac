package consensus

import (
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/dataset"
	"github.com/cuemby/raftkv/pkg/queue"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	ds, err := dataset.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return newFSM(ds, &sync.Map{})
}

func applyCommand(t *testing.T, f *FSM, index uint64, argv ...string) queue.Response {
	t.Helper()
	bargv := make([][]byte, len(argv))
	for i, a := range argv {
		bargv[i] = []byte(a)
	}
	data, err := encodeCommand(Command{CorrelationID: "", Argv: bargv})
	require.NoError(t, err)
	out := f.Apply(&raft.Log{Type: raft.LogCommand, Index: index, Data: data})
	resp, ok := out.(queue.Response)
	require.True(t, ok, "Apply must return a queue.Response")
	return resp
}

func TestFSMSetGet(t *testing.T) {
	f := newTestFSM(t)

	resp := applyCommand(t, f, 1, "SET", "k", "v")
	require.NoError(t, resp.Err)
	require.Equal(t, "OK", resp.Value)

	resp = applyCommand(t, f, 2, "GET", "k")
	require.NoError(t, resp.Err)
	require.Equal(t, "v", resp.Value)
}

func TestFSMGetMissing(t *testing.T) {
	f := newTestFSM(t)
	resp := applyCommand(t, f, 1, "GET", "missing")
	require.Error(t, resp.Err)
}

func TestFSMDel(t *testing.T) {
	f := newTestFSM(t)
	applyCommand(t, f, 1, "SET", "k", "v")
	resp := applyCommand(t, f, 2, "DEL", "k")
	require.NoError(t, resp.Err)

	resp = applyCommand(t, f, 3, "GET", "k")
	require.Error(t, resp.Err)
}

func TestFSMIncr(t *testing.T) {
	f := newTestFSM(t)

	resp := applyCommand(t, f, 1, "INCR", "counter")
	require.NoError(t, resp.Err)
	require.Equal(t, "1", resp.Value)

	resp = applyCommand(t, f, 2, "INCR", "counter", "5")
	require.NoError(t, resp.Err)
	require.Equal(t, "6", resp.Value)
}

func TestFSMIncrNonInteger(t *testing.T) {
	f := newTestFSM(t)
	applyCommand(t, f, 1, "SET", "k", "notanumber")
	resp := applyCommand(t, f, 2, "INCR", "k")
	require.Error(t, resp.Err)
}

func TestFSMUnknownVerb(t *testing.T) {
	f := newTestFSM(t)
	resp := applyCommand(t, f, 1, "FLUSHALL")
	require.Error(t, resp.Err)
}

func TestFSMApplyDeliversPendingReply(t *testing.T) {
	ds, err := dataset.Open(t.TempDir())
	require.NoError(t, err)
	defer ds.Close()

	pending := &sync.Map{}
	f := newFSM(ds, pending)

	ch := make(chan queue.Response, 1)
	pending.Store("corr-1", ch)

	data, err := encodeCommand(Command{CorrelationID: "corr-1", Argv: [][]byte{[]byte("SET"), []byte("k"), []byte("v")}})
	require.NoError(t, err)
	f.Apply(&raft.Log{Type: raft.LogCommand, Index: 1, Data: data})

	select {
	case resp := <-ch:
		require.NoError(t, resp.Err)
		require.Equal(t, "OK", resp.Value)
	default:
		t.Fatal("expected a reply to be delivered to the pending channel")
	}

	_, stillPending := pending.Load("corr-1")
	require.False(t, stillPending, "Apply must remove the correlation id once delivered")
}

func TestFSMSnapshotAndRestore(t *testing.T) {
	f := newTestFSM(t)
	applyCommand(t, f, 1, "SET", "a", "1")
	applyCommand(t, f, 2, "SET", "b", "2")

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := newFakeSnapshotSink()
	require.NoError(t, snap.Persist(sink))

	f2 := newTestFSM(t)
	require.NoError(t, f2.Restore(sink.toReadCloser()))

	resp := applyCommand(t, f2, 1, "GET", "a")
	require.NoError(t, resp.Err)
	require.Equal(t, "1", resp.Value)

	resp = applyCommand(t, f2, 2, "GET", "b")
	require.NoError(t, resp.Err)
	require.Equal(t, "2", resp.Value)
}

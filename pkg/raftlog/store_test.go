package raftlog

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *Log) {
	t.Helper()
	dir := t.TempDir()
	l, err := Create(filepath.Join(dir, "raft.log"), testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return NewStore(l), l
}

func TestStoreStoreLogsAndGetLog(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte("a")}))

	var got raft.Log
	require.NoError(t, s.GetLog(1, &got))
	require.Equal(t, []byte("a"), got.Data)

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}

func TestStoreSetGetUint64(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetUint64([]byte("CurrentTerm"), 9))
	v, err := s.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)
}

func TestStoreDeleteRangeCompactsHeadAndUpdatesBoundary(t *testing.T) {
	s, l := newTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.StoreLog(&raft.Log{Index: i, Term: 2}))
	}
	require.NoError(t, s.DeleteRange(1, 3))

	term, idx := l.SnapshotBoundary()
	require.Equal(t, uint64(2), term)
	require.Equal(t, uint64(3), idx)

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(4), first)
}

func TestStoreFatalHandlerFiresOnPersistFailure(t *testing.T) {
	s, l := newTestStore(t)
	var gotErr error
	s.SetFatalHandler(func(err error) { gotErr = err })

	require.NoError(t, l.Close())

	err := s.StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte("a")})
	require.Error(t, err)
	require.Equal(t, err, gotErr)
}

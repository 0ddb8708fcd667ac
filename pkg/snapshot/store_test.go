package snapshot

import (
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestCreatePersistListOpen(t *testing.T) {
	s := newTestStore(t)

	sink, err := s.Create(raft.SnapshotVersionMax, 5, 2, raft.Configuration{}, 0, nil)
	require.NoError(t, err)

	n, err := sink.Write([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, sink.Close())

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, uint64(5), metas[0].Index)
	require.Equal(t, uint64(2), metas[0].Term)
	require.EqualValues(t, 7, metas[0].Size)

	meta, rc, err := s.Open(metas[0].ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.Equal(t, uint64(5), meta.Index)
}

func TestCreatePublishesResult(t *testing.T) {
	s := newTestStore(t)
	sink, err := s.Create(raft.SnapshotVersionMax, 1, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	_, err = sink.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	select {
	case res := <-s.Results():
		require.True(t, res.Success)
		require.Equal(t, uint64(1), res.SnapshotIndex)
		require.Equal(t, uint64(1), res.SnapshotTerm)
	case <-time.After(time.Second):
		t.Fatal("expected a result on the Results channel")
	}
}

func TestCancelRemovesStaging(t *testing.T) {
	s := newTestStore(t)
	sink, err := s.Create(raft.SnapshotVersionMax, 1, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Cancel())

	select {
	case res := <-s.Results():
		require.False(t, res.Success)
		require.NotEmpty(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("expected a failure result after Cancel")
	}

	metas, err := s.List()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestListOrdersByTermThenIndexDescending(t *testing.T) {
	s := newTestStore(t)
	mk := func(term, index uint64) {
		sink, err := s.Create(raft.SnapshotVersionMax, index, term, raft.Configuration{}, 0, nil)
		require.NoError(t, err)
		_, err = sink.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, sink.Close())
		<-s.Results()
	}
	mk(1, 5)
	mk(2, 1)
	mk(1, 9)

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 3)
	require.Equal(t, uint64(2), metas[0].Term)
	require.Equal(t, uint64(1), metas[1].Term)
	require.Equal(t, uint64(9), metas[1].Index)
	require.Equal(t, uint64(5), metas[2].Index)
}

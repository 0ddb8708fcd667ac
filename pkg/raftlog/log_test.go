package raftlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testDBID() [dbidLen]byte {
	var d [dbidLen]byte
	copy(d[:], "00000000000000000000000000000001")
	return d
}

func TestCreateAppendReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := Create(path, testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(Entry{Term: 1, Index: i, Payload: []byte("v")}))
	}
	require.NoError(t, l.Sync())
	require.Equal(t, uint64(5), l.LastIndex())
	require.NoError(t, l.Close())

	l2, recovered, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, recovered)
	require.Equal(t, uint64(5), l2.LastIndex())
	require.Equal(t, uint64(1), l2.FirstIndex())

	e, ok := l2.entry(3)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Term)
	require.Equal(t, []byte("v"), e.Payload)
}

func TestSetVoteAndTermSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := Create(path, testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.SetTerm(7))
	require.NoError(t, l.SetVote("LastVoteCand", []byte("node-2")))
	require.NoError(t, l.Close())

	l2, _, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	term, ok := l2.GetVote("CurrentTerm")
	require.True(t, ok)
	require.Equal(t, uint64(7), decodeBE(term))

	cand, ok := l2.GetVote("LastVoteCand")
	require.True(t, ok)
	require.Equal(t, "node-2", string(cand))
}

func decodeBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func TestOpenDiscardsTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := Create(path, testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Append(Entry{Term: 1, Index: 1, Payload: []byte("ok")}))
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: tack on a partial frame.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 50, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, recovered, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, uint64(1), l2.LastIndex())
}

func TestRemoveHeadAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := Create(path, testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, l.Append(Entry{Term: 1, Index: i, Payload: []byte("x")}))
	}
	require.NoError(t, l.Sync())

	require.NoError(t, l.RemoveTail(8))
	require.Equal(t, uint64(7), l.LastIndex())

	require.NoError(t, l.RemoveHead(1, 3))
	require.Equal(t, uint64(4), l.FirstIndex())

	term, idx := l.SnapshotBoundary()
	require.Equal(t, uint64(1), term)
	require.Equal(t, uint64(3), idx)

	_, ok := l.entry(2)
	require.False(t, ok)
	_, ok = l.entry(9)
	require.False(t, ok)
	_, ok = l.entry(5)
	require.True(t, ok)
}

func TestSnapshotBoundarySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := Create(path, testDBID(), 0, 0, zerolog.Nop())
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(Entry{Term: 2, Index: i, Payload: []byte("x")}))
	}
	require.NoError(t, l.Sync())
	require.NoError(t, l.RemoveHead(2, 3))
	require.NoError(t, l.Close())

	l2, _, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	term, idx := l2.SnapshotBoundary()
	require.Equal(t, uint64(2), term)
	require.Equal(t, uint64(3), idx)
	require.Equal(t, uint64(4), l2.FirstIndex())
}

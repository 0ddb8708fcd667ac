package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Set("k", "v"))
	v, err := d.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.NoError(t, d.Del("k"))
	_, err = d.Get("k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIncr(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	n, err := d.Incr("counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	n, err = d.Incr("counter", 3)
	require.NoError(t, err)
	require.Equal(t, int64(8), n)
}

func TestSnapshotRoundTrip(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set("a", "1"))
	require.NoError(t, d.Set("b", "2"))

	blob, err := MarshalSnapshot(d.Snapshot())
	require.NoError(t, err)

	values, err := UnmarshalSnapshot(blob)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, values)
}

func TestRestore(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set("stale", "x"))
	require.NoError(t, d.Restore(map[string]string{"fresh": "y"}))

	_, err = d.Get("stale")
	require.ErrorIs(t, err, ErrNotFound)
	v, err := d.Get("fresh")
	require.NoError(t, err)
	require.Equal(t, "y", v)
}

package control

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// freePort asks the OS for an ephemeral port and immediately releases
// it, so a Raft bind address can be picked before the node that will
// listen on it exists.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

package control

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrReply(t *testing.T) {
	require.NoError(t, errReply("+OK"))
	require.Error(t, errReply("-ERR something broke"))
}

func TestDecodeBlob(t *testing.T) {
	data, err := decodeBlob("aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = decodeBlob("not base64!!")
	require.Error(t, err)
}

// fakeReplyServer accepts one connection and replies with a fixed line
// to every command it reads, for exercising Client.Do/Join without a
// real consensus.Node.
func fakeReplyServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					if _, err := conn.Write([]byte(reply + "\n")); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// fakeReplyServerFunc is fakeReplyServer generalized to compute the
// reply per request, used to wire two servers into a redirect cycle
// where each reply needs the other server's address.
func fakeReplyServerFunc(t *testing.T, reply func() string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					if _, err := conn.Write([]byte(reply() + "\n")); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestClientDo(t *testing.T) {
	addr := fakeReplyServer(t, "+OK")
	client := NewClient(addr, time.Second)
	reply, err := client.Do("RAFT.INFO")
	require.NoError(t, err)
	require.Equal(t, "+OK", reply)
}

func TestJoinSucceedsOnFirstReachableAddress(t *testing.T) {
	addr := fakeReplyServer(t, "+OK")
	err := Join([]string{addr}, 5, "127.0.0.1:9000", time.Second)
	require.NoError(t, err)
}

func TestJoinAdvancesPastErrorReply(t *testing.T) {
	bad := fakeReplyServer(t, "-ERR not leader")
	good := fakeReplyServer(t, "+OK")
	err := Join([]string{bad, good}, 5, "127.0.0.1:9000", time.Second)
	require.NoError(t, err)
}

func TestJoinFailsAfterExhaustingAddresses(t *testing.T) {
	err := Join([]string{"127.0.0.1:1", "127.0.0.1:2"}, 5, "127.0.0.1:9000", 200*time.Millisecond)
	require.Error(t, err)
}

func TestJoinFailsWithNoAddresses(t *testing.T) {
	err := Join(nil, 5, "127.0.0.1:9000", time.Second)
	require.Error(t, err)
}

func TestParseMovedTarget(t *testing.T) {
	target, ok := parseMovedTarget("-ERR MOVED 127.0.0.1:8001: not leader")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:8001", target)

	_, ok = parseMovedTarget("-ERR not leader")
	require.False(t, ok)

	_, ok = parseMovedTarget("+OK")
	require.False(t, ok)
}

func TestJoinFollowsMovedRedirect(t *testing.T) {
	leader := fakeReplyServer(t, "+OK")
	follower := fakeReplyServer(t, "-ERR MOVED "+leader+": not leader")

	err := Join([]string{follower}, 5, "127.0.0.1:9000", time.Second)
	require.NoError(t, err)
}

func TestJoinStopsOnRedirectCycle(t *testing.T) {
	var addrA, addrB string
	addrA = fakeReplyServerFunc(t, func() string { return "-ERR MOVED " + addrB + ": not leader" })
	addrB = fakeReplyServerFunc(t, func() string { return "-ERR MOVED " + addrA + ": not leader" })

	err := Join([]string{addrA}, 5, "127.0.0.1:9000", time.Second)
	require.Error(t, err)
}

// Package control implements the external command surface described by
// the RAFT.* commands: a line-oriented TCP listener that decodes a
// command into a queue.Request, pushes it onto the owning Node's
// queue, and waits for the reply. It stands in for the embedding
// key-value server's command dispatcher, which is out of scope here —
// any text-based or binary protocol that turns a client command into a
// queued request and waits on its reply would serve identically.
package control

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/raftkv/pkg/consensus"
	"github.com/cuemby/raftkv/pkg/queue"
	"github.com/cuemby/raftkv/pkg/types"
)

// Server accepts connections and translates each line into a request
// against a Node's queue.
type Server struct {
	node     *consensus.Node
	listener net.Listener
	log      zerolog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewServer binds addr and returns a Server ready to Serve.
func NewServer(node *consensus.Node, addr string, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: binding %s: %w", addr, err)
	}
	return &Server{
		node:     node,
		listener: ln,
		log:      log.With().Str("component", "control").Logger(),
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called, handling each on its
// own goroutine. It blocks and should be run from its own goroutine by
// the caller.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	close(s.shutdown)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

// dispatch parses one command line and renders its result as the reply
// line sent back to the client.
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errLine("empty command")
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "RAFT.CLUSTER":
		return s.handleCluster(args)
	case "RAFT.NODE":
		return s.handleNode(args)
	case "RAFT.INFO":
		return s.handleInfo()
	case "RAFT.DEBUG":
		return s.handleDebug(args)
	case "RAFT.LOADSNAPSHOT":
		return s.handleLoadSnapshot(args)
	case "RAFT":
		return s.handleClientCommand(args)
	default:
		return errLine("unknown command " + verb)
	}
}

func (s *Server) handleCluster(args []string) string {
	if len(args) == 0 {
		return errLine("RAFT.CLUSTER requires a subcommand")
	}
	switch strings.ToUpper(args[0]) {
	case "INIT":
		if err := s.node.ClusterInit(); err != nil {
			return errLine(err.Error())
		}
		return "+OK"
	case "JOIN":
		// Address-list resolution and redirect-following happen in the
		// client before ever reaching a node's queue; by the time a
		// server process receives CLUSTER JOIN it already knows its
		// dbid from the first responsive seed.
		return errLine("RAFT.CLUSTER JOIN must be issued via the join client, not directly against a node")
	default:
		return errLine("unknown RAFT.CLUSTER subcommand")
	}
}

func (s *Server) handleNode(args []string) string {
	if len(args) < 2 {
		return errLine("RAFT.NODE requires a subcommand and node id")
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return errLine("invalid node id")
	}

	switch strings.ToUpper(args[0]) {
	case "ADD":
		if len(args) != 3 {
			return errLine("RAFT.NODE ADD requires id and addr")
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return errLine(err.Error())
		}
		resp := s.send(&queue.Request{Kind: types.RequestAddNode, NodeID: types.NodeID(id), NodeAddr: addr})
		return replyLine(resp)
	case "REMOVE":
		resp := s.send(&queue.Request{Kind: types.RequestRemoveNode, NodeID: types.NodeID(id)})
		return replyLine(resp)
	default:
		return errLine("unknown RAFT.NODE subcommand")
	}
}

func (s *Server) handleInfo() string {
	resp := s.send(&queue.Request{Kind: types.RequestInfo})
	if resp.Err != nil {
		return errLine(resp.Err.Error())
	}
	var b strings.Builder
	for k, v := range resp.Values {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(v)
		b.WriteString(" ")
	}
	return "+" + strings.TrimSpace(b.String())
}

func (s *Server) handleDebug(args []string) string {
	if len(args) != 1 || strings.ToUpper(args[0]) != "COMPACT" {
		return errLine("unknown RAFT.DEBUG subcommand")
	}
	resp := s.send(&queue.Request{Kind: types.RequestCompact})
	return replyLine(resp)
}

func (s *Server) handleLoadSnapshot(args []string) string {
	if len(args) != 3 {
		return errLine("RAFT.LOADSNAPSHOT requires term, index, and a base64 payload")
	}
	term, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return errLine("invalid term")
	}
	index, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return errLine("invalid index")
	}
	blob, err := decodeBlob(args[2])
	if err != nil {
		return errLine(err.Error())
	}
	resp := s.send(&queue.Request{Kind: types.RequestLoadSnapshot, Term: term, Index: index, SnapshotBlob: blob})
	return replyLine(resp)
}

func (s *Server) handleClientCommand(args []string) string {
	if len(args) == 0 {
		return errLine("RAFT requires a command name")
	}
	argv := make([][]byte, len(args))
	for i, a := range args {
		argv[i] = []byte(a)
	}
	resp := s.send(&queue.Request{Kind: types.RequestClientCommand, Argv: argv})
	return replyLine(resp)
}

func (s *Server) send(req *queue.Request) queue.Response {
	req.Reply = make(chan queue.Response, 1)
	s.node.Queue().Push(req)
	return <-req.Reply
}

func replyLine(resp queue.Response) string {
	if resp.Err != nil {
		return errLine(resp.Err.Error())
	}
	if resp.Value != "" {
		return "+" + resp.Value
	}
	return "+OK"
}

func errLine(msg string) string {
	return "-ERR " + msg
}

func parseAddr(s string) (types.NodeAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return types.NodeAddr{}, fmt.Errorf("control: invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.NodeAddr{}, fmt.Errorf("control: invalid port in %q", s)
	}
	return types.NodeAddr{Host: host, Port: port}, nil
}

// Package queue implements the thread-safe handoff between the
// foreground command-handling context (any number of goroutines) and
// the single consensus goroutine: a mutex-protected FIFO paired with a
// buffered wake channel.
package queue

import (
	"container/list"
	"sync"

	"github.com/cuemby/raftkv/pkg/types"
)

// Request is the tagged variant pushed onto the queue. Exactly one of
// the payload fields is meaningful, selected by Kind.
type Request struct {
	Kind types.RequestKind

	Addrs       []types.NodeAddr // ClusterJoin
	NodeID      types.NodeID     // AddNode, RemoveNode
	NodeAddr    types.NodeAddr   // AddNode
	SrcID       types.NodeID     // AppendEntriesRPC, RequestVoteRPC
	RPCPayload  []byte           // AppendEntriesRPC, RequestVoteRPC
	Argv        [][]byte         // ClientCommand
	Term        uint64           // LoadSnapshot
	Index       uint64           // LoadSnapshot
	SnapshotBlob []byte          // LoadSnapshot

	// Reply receives at most one Response once the request has been
	// handled; it is never closed, so callers should allocate it with a
	// buffer of one and receive a single value from it. It is nil
	// for requests with no blocked client waiting on a direct reply,
	// e.g. inbound RPCs the peer transport already owns end-to-end.
	Reply chan Response
}

// Response is the payload delivered back through Request.Reply.
type Response struct {
	Err    error
	Value  string
	Values map[string]string
}

// Queue is the FIFO described above. Push is wait-free beyond the
// mutex; the queue is unbounded, so backpressure is expected to come
// from the foreground refusing new commands when cluster state != Up.
type Queue struct {
	mu     sync.Mutex
	items  *list.List
	wakeCh chan struct{}
	closed bool
}

// New creates an empty queue with a buffered, coalescing wake channel.
func New() *Queue {
	return &Queue{
		items:  list.New(),
		wakeCh: make(chan struct{}, 1),
	}
}

// Push enqueues req and signals the consensus goroutine. It never
// blocks the caller beyond the mutex.
func (q *Queue) Push(req *Request) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if req.Reply != nil {
			req.Reply <- Response{Err: errClosed}
		}
		return
	}
	q.items.PushBack(req)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Wake returns the channel the consensus goroutine selects on to learn
// there is work to drain.
func (q *Queue) Wake() <-chan struct{} {
	return q.wakeCh
}

// Drain removes and returns every request currently queued, in FIFO
// order. Called once per wake-up by the consensus goroutine.
func (q *Queue) Drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Queue) drainLocked() []*Request {
	if q.items.Len() == 0 {
		return nil
	}
	out := make([]*Request, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Request))
	}
	q.items.Init()
	return out
}

// Shutdown marks the queue closed and fails every still-queued request
// with a shutdown error, per the shutdown sequence: stop accepting new
// requests, drain the queue, fail pending replies.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	pending := q.drainLocked()
	q.mu.Unlock()
	for _, req := range pending {
		if req.Reply != nil {
			req.Reply <- Response{Err: errShuttingDown}
		}
	}
}

var errClosed = queueError("queue: closed")
var errShuttingDown = queueError("queue: shutting down")

type queueError string

func (e queueError) Error() string { return string(e) }

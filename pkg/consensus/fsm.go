package consensus

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/raftkv/pkg/dataset"
	"github.com/cuemby/raftkv/pkg/queue"
)

// FSM adapts the dataset to raft.FSM. Apply is invoked by the Raft
// library's own apply goroutine as entries commit — not by the
// consensus reactor directly — so pending lookups go through a
// sync.Map rather than a reactor-owned plain map.
type FSM struct {
	ds      *dataset.Dataset
	pending *sync.Map // correlation id -> chan queue.Response
}

func newFSM(ds *dataset.Dataset, pending *sync.Map) *FSM {
	return &FSM{ds: ds, pending: pending}
}

// Apply executes one committed command entry against the dataset and,
// if a client is waiting on its correlation id, delivers the result.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}
	cmd, err := decodeCommand(log.Data)
	if err != nil {
		return fmt.Errorf("consensus: decoding log entry %d: %w", log.Index, err)
	}

	resp := f.exec(cmd.Argv)

	if ch, ok := f.pending.LoadAndDelete(cmd.CorrelationID); ok {
		ch.(chan queue.Response) <- resp
	}
	return resp
}

func (f *FSM) exec(argv [][]byte) queue.Response {
	if len(argv) == 0 {
		return queue.Response{Err: fmt.Errorf("consensus: empty command")}
	}
	verb := strings.ToUpper(string(argv[0]))
	switch verb {
	case "SET":
		if len(argv) != 3 {
			return queue.Response{Err: fmt.Errorf("consensus: SET requires key and value")}
		}
		if err := f.ds.Set(string(argv[1]), string(argv[2])); err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: "OK"}

	case "GET":
		if len(argv) != 2 {
			return queue.Response{Err: fmt.Errorf("consensus: GET requires a key")}
		}
		v, err := f.ds.Get(string(argv[1]))
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: v}

	case "DEL":
		if len(argv) != 2 {
			return queue.Response{Err: fmt.Errorf("consensus: DEL requires a key")}
		}
		if err := f.ds.Del(string(argv[1])); err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: "OK"}

	case "INCR":
		delta := int64(1)
		if len(argv) == 3 {
			parsed, err := strconv.ParseInt(string(argv[2]), 10, 64)
			if err != nil {
				return queue.Response{Err: fmt.Errorf("consensus: INCR delta must be an integer")}
			}
			delta = parsed
		} else if len(argv) != 2 {
			return queue.Response{Err: fmt.Errorf("consensus: INCR requires a key")}
		}
		n, err := f.ds.Incr(string(argv[1]), delta)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: strconv.FormatInt(n, 10)}

	default:
		return queue.Response{Err: fmt.Errorf("consensus: unknown command %q", verb)}
	}
}

// Snapshot returns a point-in-time FSMSnapshot over the dataset.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{values: f.ds.Snapshot()}, nil
}

// Restore replaces the dataset wholesale from a delivered snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("consensus: reading snapshot: %w", err)
	}
	values, err := dataset.UnmarshalSnapshot(data)
	if err != nil {
		return fmt.Errorf("consensus: decoding snapshot: %w", err)
	}
	return f.ds.Restore(values)
}

type fsmSnapshot struct {
	values map[string]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := dataset.MarshalSnapshot(s.values)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

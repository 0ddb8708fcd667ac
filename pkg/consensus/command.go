package consensus

import (
	"bytes"
	"encoding/json"
	"io"
)

// Command is the payload carried by a normal (non-config-change) Raft
// log entry: a client command argv plus the correlation id the
// originating Node uses to route the eventual result back to the
// blocked client, via the pending-reply map registered before Apply.
type Command struct {
	CorrelationID string   `json:"id"`
	Argv          [][]byte `json:"argv"`
}

func encodeCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCommand(data []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(data, &c)
	return c, err
}

// newByteReadCloser adapts an in-memory blob to io.ReadCloser for
// FSM.Restore, used by RAFT.LOADSNAPSHOT to apply an externally
// supplied snapshot image without going through raft.SnapshotStore.
func newByteReadCloser(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}

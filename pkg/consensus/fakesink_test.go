package consensus

import (
	"bytes"
	"io"
)

// fakeSnapshotSink is a minimal in-memory raft.SnapshotSink for
// exercising FSMSnapshot.Persist without a real snapshot.Store.
type fakeSnapshotSink struct {
	buf       bytes.Buffer
	cancelled bool
}

func newFakeSnapshotSink() *fakeSnapshotSink {
	return &fakeSnapshotSink{}
}

func (s *fakeSnapshotSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSnapshotSink) Close() error                { return nil }
func (s *fakeSnapshotSink) ID() string                  { return "fake" }
func (s *fakeSnapshotSink) Cancel() error               { s.cancelled = true; return nil }

func (s *fakeSnapshotSink) toReadCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}

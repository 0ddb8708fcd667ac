package raftlog

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/raft"
)

// Store adapts Log to hashicorp/raft's LogStore and StableStore
// interfaces. raft.Raft calls these directly from its own internal
// goroutines, not from the consensus reactor goroutine; Log's own
// mutex serializes them with the reactor's calls.
type Store struct {
	log     *Log
	onFatal func(error)
}

// NewStore wraps an already-open Log.
func NewStore(log *Log) *Store {
	return &Store{log: log}
}

// SetFatalHandler installs the callback invoked whenever a write to the
// underlying log fails. hashicorp/raft calls StoreLogs/Set/SetUint64/
// DeleteRange from its own internal goroutines with no other way for
// the node to observe a failure, but an I/O error from the log is
// fatal to the node per its failure semantics: it must step down
// rather than risk silently losing committed entries, so Store reports
// it here in addition to returning the error up to raft.
func (s *Store) SetFatalHandler(fn func(error)) {
	s.onFatal = fn
}

func (s *Store) fail(err error) error {
	if err != nil && s.onFatal != nil {
		s.onFatal(err)
	}
	return err
}

var _ raft.LogStore = (*Store)(nil)
var _ raft.StableStore = (*Store)(nil)

// FirstIndex returns the first index written, 0 for no entries.
func (s *Store) FirstIndex() (uint64, error) {
	fi := s.log.FirstIndex()
	if fi > s.log.LastIndex() {
		return 0, nil
	}
	return fi, nil
}

// LastIndex returns the last index written, 0 for no entries.
func (s *Store) LastIndex() (uint64, error) {
	return s.log.LastIndex(), nil
}

// cachedEntry is not referenced anywhere. GetLog reads from Log's own
// in-memory entry map instead, keyed by index, so it doesn't need a
// file scan per call; Append, StoreLog(s) and the replay in Open
// populate that map.
type cachedEntry struct {
	term    uint64
	typ     raft.LogType
	data    []byte
	appendI uint64
}

// GetLog loads the entry at index into log.
func (s *Store) GetLog(index uint64, log *raft.Log) error {
	e, ok := s.log.entry(index)
	if !ok {
		return raft.ErrLogNotFound
	}
	log.Index = index
	log.Term = e.Term
	log.Type = raft.LogType(e.Type)
	log.Data = e.Payload
	return nil
}

// StoreLog stores a single log entry.
func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores a set of log entries and fsyncs once at the end,
// matching the log's batched-durability contract.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	for _, log := range logs {
		if err := s.log.Append(Entry{
			Term:    log.Term,
			Index:   log.Index,
			Type:    uint8(log.Type),
			Payload: log.Data,
		}); err != nil {
			return s.fail(fmt.Errorf("raftlog: store log %d: %w", log.Index, err))
		}
		s.log.cacheEntry(log.Index, Entry{Term: log.Term, Index: log.Index, Type: uint8(log.Type), Payload: log.Data})
	}
	return s.fail(s.log.Sync())
}

// DeleteRange deletes entries in the range [min, max], inclusive. Raft
// calls this both for log compaction (min at the floor) and for
// conflicting-suffix truncation (max at the ceiling); dispatch on which
// boundary matches the current log bounds.
func (s *Store) DeleteRange(min, max uint64) error {
	first := s.log.FirstIndex()
	last := s.log.LastIndex()
	switch {
	case min <= first && max < last:
		term, _ := s.log.SnapshotBoundary()
		if e, ok := s.log.entry(max); ok {
			term = e.Term
		}
		return s.fail(s.log.RemoveHead(term, max))
	case max >= last:
		return s.fail(s.log.RemoveTail(min))
	default:
		return s.fail(s.log.RemoveTail(min))
	}
}

// Set stores a sidecar key/value pair, fsyncing before returning —
// raft.StableStore.Set is used for vote bookkeeping, which must be
// durable before a vote is acknowledged.
func (s *Store) Set(key []byte, val []byte) error {
	return s.fail(s.log.SetVote(string(key), val))
}

// Get reads a sidecar value.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, ok := s.log.GetVote(string(key))
	if !ok {
		return nil, fmt.Errorf("raftlog: key not found: %s", key)
	}
	return v, nil
}

// SetUint64 stores an 8-byte big-endian sidecar value, used by Raft for
// CurrentTerm.
func (s *Store) SetUint64(key []byte, val uint64) error {
	if string(key) == "CurrentTerm" {
		return s.fail(s.log.SetTerm(val))
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.fail(s.log.SetVote(string(key), buf))
}

// GetUint64 reads an 8-byte big-endian sidecar value.
func (s *Store) GetUint64(key []byte) (uint64, error) {
	v, ok := s.log.GetVote(string(key))
	if !ok {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("raftlog: malformed uint64 sidecar value for %s", key)
	}
	return binary.BigEndian.Uint64(v), nil
}

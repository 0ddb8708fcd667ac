// Package raftlog implements the persistent, append-only Raft log file
// described for this module: a single flat file holding a header
// (format version, cluster dbid, snapshot boundary), a stream of
// length-prefixed entries and sidecar (term/vote) records, and crash
// recovery that discards a torn trailing write.
//
// Store, in store.go, adapts Log to hashicorp/raft's LogStore and
// StableStore interfaces so raft.Raft can drive it directly.
package raftlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// errTruncated marks a torn trailing record discovered during replay.
// It is swallowed by Open/LoadEntries, never returned to callers.
var errTruncated = errors.New("raftlog: truncated trailing record")

// ReplayAction tells a LoadEntries callback what happened to a record
// read from the log during recovery.
type ReplayAction int

const (
	ReplayAppend ReplayAction = iota
	ReplayRemoveHead
	ReplayRemoveTail
)

// Entry is the in-memory form of one Raft log entry.
type Entry struct {
	Term    uint64
	Index   uint64
	Type    uint8
	Payload []byte
}

// Log is a single-writer, append-only file implementing the log
// contract. Its methods are called both by hashicorp/raft's own
// goroutines (through Store) and by the consensus reactor (RemoveHead,
// SnapshotBoundary); every exported method takes l.mu, except LoadEntries,
// which only runs during Open before the Log is shared.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer

	header header

	firstIndex uint64
	lastIndex  uint64
	lastTerm   uint64

	sidecar map[string][]byte
	entries map[uint64]Entry

	truncatedTail bool
	sawAnyEntry   bool
	validEnd      int64

	log zerolog.Logger
}

// entry returns the cached entry at index, if still present. Entries
// fall out of the cache once RemoveHead advances past them; a reader
// that needs an entry covered by a snapshot should be going through the
// snapshot path instead, matching the invariant snapshot_last_idx ≤
// last_applied_idx ≤ last_log_idx.
func (l *Log) entry(index uint64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	return e, ok
}

func (l *Log) cacheEntry(index uint64, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[uint64]Entry)
	}
	l.entries[index] = e
}

// Create creates a new log file at path with the given dbid and initial
// snapshot boundary, then fsyncs it.
func Create(path string, dbid [dbidLen]byte, snapshotTerm, snapshotIndex uint64, log zerolog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raftlog: create %s: %w", path, err)
	}
	h := header{
		Version:           formatVersion,
		DBID:              dbid,
		SnapshotLastTerm:  snapshotTerm,
		SnapshotLastIndex: snapshotIndex,
	}
	if err := writeHeader(f, h); err != nil {
		f.Close()
		return nil, fmt.Errorf("raftlog: writing header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("raftlog: fsync header: %w", err)
	}
	l := &Log{
		path:       path,
		file:       f,
		w:          bufio.NewWriter(f),
		header:     h,
		firstIndex: snapshotIndex + 1,
		lastIndex:  snapshotIndex,
		lastTerm:   snapshotTerm,
		sidecar:    make(map[string][]byte),
		entries:    make(map[uint64]Entry),
		log:        log.With().Str("component", "raftlog").Logger(),
	}
	return l, nil
}

// Open opens an existing log file, replaying its body to recover the
// current sidecar state and index bounds. A torn trailing record is
// discarded and reported via the returned recovered flag.
func Open(path string, log zerolog.Logger) (l *Log, recovered bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("raftlog: open %s: %w", path, err)
	}
	h, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, false, err
	}

	l = &Log{
		path:       path,
		file:       f,
		header:     h,
		firstIndex: h.SnapshotLastIndex + 1,
		lastIndex:  h.SnapshotLastIndex,
		lastTerm:   h.SnapshotLastTerm,
		sidecar:    make(map[string][]byte),
		entries:    make(map[uint64]Entry),
		log:        log.With().Str("component", "raftlog").Logger(),
	}

	validEnd := int64(headerSize)
	err = l.LoadEntries(func(action ReplayAction, e Entry) {
		switch action {
		case ReplayAppend:
			l.lastIndex = e.Index
			l.lastTerm = e.Term
			l.entries[e.Index] = e
		case ReplayRemoveHead:
			l.firstIndex = e.Index + 1
			for idx := range l.entries {
				if idx <= e.Index {
					delete(l.entries, idx)
				}
			}
		case ReplayRemoveTail:
			l.lastIndex = e.Index - 1
			for idx := range l.entries {
				if idx >= e.Index {
					delete(l.entries, idx)
				}
			}
		}
	})
	if err != nil {
		f.Close()
		return nil, false, err
	}
	validEnd = l.validEnd
	if l.truncatedTail {
		recovered = true
		if terr := f.Truncate(validEnd); terr != nil {
			f.Close()
			return nil, false, fmt.Errorf("raftlog: truncating torn tail: %w", terr)
		}
		l.log.Warn().Str("path", path).Msg("discarded truncated trailing log record")
	}

	if _, serr := f.Seek(0, io.SeekEnd); serr != nil {
		f.Close()
		return nil, false, serr
	}
	l.w = bufio.NewWriter(f)
	return l, recovered, nil
}

// LoadEntries drives a streaming scan of the log body, invoking fn for
// every record in file order. A torn trailing record is discarded
// silently (recorded on l.truncatedTail) rather than returned as an
// error, matching the "recoverable condition" the log format promises.
func (l *Log) LoadEntries(fn func(action ReplayAction, e Entry)) error {
	if _, err := l.file.Seek(int64(headerSize), io.SeekStart); err != nil {
		return err
	}
	l.validEnd = int64(headerSize)
	cr := &countingReader{r: l.file}
	r := bufio.NewReader(cr)
	for {
		rec, err := readFramed(r)
		if err == io.EOF {
			return nil
		}
		if err == errTruncated {
			l.truncatedTail = true
			return nil
		}
		if err != nil {
			return err
		}
		l.validEnd = int64(headerSize) + cr.n - int64(r.Buffered())
		switch rec.kind {
		case recordEntry:
			e, derr := decodeEntryBody(rec.body)
			if derr != nil {
				l.truncatedTail = true
				return nil
			}
			entry := Entry{Term: e.Term, Index: e.Index, Type: e.Type, Payload: e.Payload}
			fn(ReplayAppend, entry)
			l.sawAnyEntry = true
		case recordTerm:
			term, derr := decodeTermBody(rec.body)
			if derr != nil {
				l.truncatedTail = true
				return nil
			}
			l.sidecar["CurrentTerm"] = encodeUint64(term)
		case recordVote:
			key, value, derr := decodeVoteBody(rec.body)
			if derr != nil {
				l.truncatedTail = true
				return nil
			}
			cp := make([]byte, len(value))
			copy(cp, value)
			l.sidecar[key] = cp
		case recordHeadRemoval:
			idx, derr := decodeTermBody(rec.body)
			if derr != nil {
				l.truncatedTail = true
				return nil
			}
			fn(ReplayRemoveHead, Entry{Index: idx})
		case recordTailRemoval:
			idx, derr := decodeTermBody(rec.body)
			if derr != nil {
				l.truncatedTail = true
				return nil
			}
			fn(ReplayRemoveTail, Entry{Index: idx})
		default:
			l.truncatedTail = true
			return nil
		}
	}
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// Append writes entry to the log, caches it for entry lookups, and
// advances the in-memory last index.
// It does not fsync: callers must call Sync before treating the entry
// as durable, matching the batched-durability contract.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeEntryRecord(l.w, entryRecord{Term: e.Term, Index: e.Index, Type: e.Type, Payload: e.Payload}); err != nil {
		return err
	}
	l.entries[e.Index] = e
	l.lastIndex = e.Index
	l.lastTerm = e.Term
	return nil
}

// Sync flushes buffered writes and fsyncs the file. Any error here is
// fatal to the node per the log's failure semantics.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("raftlog: flush: %w", err)
	}
	return l.file.Sync()
}

// RemoveHead drops every entry up to and including upToIndex, called
// once a snapshot covering that range has been durably written.
// Besides recording the new floor for LoadEntries to reconstruct on a
// later Open, it rewrites the fixed-size header in place so
// SnapshotBoundary reflects the new boundary immediately: callers
// (maybeSnapshot, RAFT.INFO) would otherwise keep comparing against
// the snapshot boundary the log was created with.
func (l *Log) RemoveHead(term, upToIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeFramed(l.w, append([]byte{byte(recordHeadRemoval)}, encodeUint64(upToIndex)...)); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("raftlog: flushing head removal record: %w", err)
	}
	if err := l.persistSnapshotBoundary(term, upToIndex); err != nil {
		return err
	}
	l.firstIndex = upToIndex + 1
	for idx := range l.entries {
		if idx <= upToIndex {
			delete(l.entries, idx)
		}
	}
	return nil
}

// persistSnapshotBoundary rewrites the header's snapshot boundary
// fields in place at their fixed offset via WriteAt, which does not
// disturb the file's current write position (the one l.w's buffered
// sequential appends assume is parked at EOF). Must be called with
// l.mu held.
func (l *Log) persistSnapshotBoundary(term, index uint64) error {
	l.header.SnapshotLastTerm = term
	l.header.SnapshotLastIndex = index
	var buf bytes.Buffer
	if err := writeHeader(&buf, l.header); err != nil {
		return fmt.Errorf("raftlog: encoding header: %w", err)
	}
	if _, err := l.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("raftlog: rewriting header: %w", err)
	}
	return l.file.Sync()
}

// RemoveTail drops every entry with index >= fromIndex, used when the
// Raft library orders a conflicting suffix truncated away.
func (l *Log) RemoveTail(fromIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeFramed(l.w, append([]byte{byte(recordTailRemoval)}, encodeUint64(fromIndex)...)); err != nil {
		return err
	}
	if fromIndex <= l.lastIndex {
		l.lastIndex = fromIndex - 1
	}
	for idx := range l.entries {
		if idx >= fromIndex {
			delete(l.entries, idx)
		}
	}
	return nil
}

// SetTerm persists the current term to the sidecar and fsyncs.
func (l *Log) SetTerm(term uint64) error {
	l.mu.Lock()
	if err := writeTermRecord(l.w, term); err != nil {
		l.mu.Unlock()
		return err
	}
	l.sidecar["CurrentTerm"] = encodeUint64(term)
	l.mu.Unlock()
	return l.Sync()
}

// SetVote persists a sidecar key/value pair (e.g. LastVoteTerm,
// LastVoteCand) and fsyncs before returning, since a vote must be
// durable before it is acknowledged.
func (l *Log) SetVote(key string, value []byte) error {
	l.mu.Lock()
	if err := writeVoteRecord(l.w, key, value); err != nil {
		l.mu.Unlock()
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	l.sidecar[key] = cp
	l.mu.Unlock()
	return l.Sync()
}

// GetVote reads a sidecar key without touching disk.
func (l *Log) GetVote(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.sidecar[key]
	return v, ok
}

// FirstIndex, LastIndex, LastTerm report the current log bounds.
func (l *Log) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstIndex
}

func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex
}

func (l *Log) SnapshotBoundary() (term, idx uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header.SnapshotLastTerm, l.header.SnapshotLastIndex
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

const (
	recordHeadRemoval recordKind = 4
	recordTailRemoval recordKind = 5
)

// countingReader tracks how many bytes have been pulled from the
// underlying file, so LoadEntries can compute the true end offset of
// the last successfully parsed frame even though bufio.Reader reads
// ahead in chunks larger than any single frame.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

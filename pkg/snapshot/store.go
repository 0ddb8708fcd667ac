// Package snapshot implements the background snapshot subsystem: it
// adapts to hashicorp/raft's SnapshotStore/SnapshotSink contract while
// preserving the write-temp-then-atomic-rename procedure and the
// SnapshotResult-style completion record the log/snapshot file format
// this module is modeled on specifies.
//
// Dataset serialization runs in FSMSnapshot.Persist on hashicorp/raft's
// snapshot goroutine, the same goroutine that calls Create, sink.Write
// and sink.Close, and not on the apply loop — Go's stand-in for "fork a
// child worker" per the design note that any point-in-time-image
// mechanism suffices, provided the apply loop isn't blocked longer than
// one tick.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Store implements raft.SnapshotStore over a directory of
// one-subdirectory-per-snapshot images.
type Store struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	results chan Result
}

// NewStore creates (if needed) dir and returns a Store rooted there.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		log:     log.With().Str("component", "snapshot").Logger(),
		results: make(chan Result, 8),
	}, nil
}

// Results returns the channel Consensus Core polls once per tick
// (pollSnapshotStatus) to learn of completed snapshot attempts.
func (s *Store) Results() <-chan Result {
	return s.results
}

type snapshotMetaFile struct {
	Version            raft.SnapshotVersion
	ID                 string
	Index              uint64
	Term               uint64
	Configuration      raft.Configuration
	ConfigurationIndex uint64
	Size               int64
}

// Create begins a new snapshot, returning a sink that Raft's FSM
// snapshotting goroutine writes the dataset image into.
func (s *Store) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, _ raft.Transport) (raft.SnapshotSink, error) {
	id := fmt.Sprintf("%d-%d-%s", term, index, uuid.NewString())
	tmpDir := filepath.Join(s.dir, id+".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating staging dir: %w", err)
	}
	dataPath := filepath.Join(tmpDir, "state.bin")
	f, err := os.Create(dataPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("snapshot: creating state file: %w", err)
	}
	return &sink{
		store: s,
		id:    id,
		meta: snapshotMetaFile{
			Version:            version,
			ID:                 id,
			Index:              index,
			Term:               term,
			Configuration:      configuration,
			ConfigurationIndex: configurationIndex,
		},
		tmpDir: tmpDir,
		file:   f,
	}, nil
}

// List returns known snapshots, most recent first.
func (s *Store) List() ([]*raft.SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing %s: %w", s.dir, err)
	}
	var metas []*raft.SnapshotMeta
	for _, e := range entries {
		if !e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		m, err := readMeta(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("snapshot", e.Name()).Msg("skipping unreadable snapshot metadata")
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Term != metas[j].Term {
			return metas[i].Term > metas[j].Term
		}
		return metas[i].Index > metas[j].Index
	})
	return metas, nil
}

// Open returns the dataset image for the named snapshot.
func (s *Store) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	dir := filepath.Join(s.dir, id)
	meta, err := readMeta(dir)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dir, "state.bin"))
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: opening state file for %s: %w", id, err)
	}
	return meta, f, nil
}

func readMeta(dir string) (*raft.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading meta: %w", err)
	}
	var mf snapshotMetaFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("snapshot: decoding meta: %w", err)
	}
	info, err := os.Stat(filepath.Join(dir, "state.bin"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat state file: %w", err)
	}
	return &raft.SnapshotMeta{
		Version:            mf.Version,
		ID:                 mf.ID,
		Index:              mf.Index,
		Term:               mf.Term,
		Configuration:      mf.Configuration,
		ConfigurationIndex: mf.ConfigurationIndex,
		Size:               info.Size(),
	}, nil
}

// sink implements raft.SnapshotSink. Write is called synchronously by
// the FSM's Persist; Close runs the fsync and rename inline and hands
// only the delivery of the completion result to a goroutine.
type sink struct {
	store  *Store
	id     string
	meta   snapshotMetaFile
	tmpDir string
	file   *os.File

	mu       sync.Mutex
	written  int64
	canceled bool
}

func (s *sink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.mu.Lock()
	s.written += int64(n)
	s.mu.Unlock()
	return n, err
}

func (s *sink) ID() string { return s.id }

// Close finalizes the snapshot: fsync, write metadata, atomically
// rename the staging directory into place, and publish a Result onto
// the store's results channel for pollSnapshotStatus to observe. The
// rename itself runs inline (Close is expected to block briefly) but
// the completion-record bookkeeping — mirroring the child worker
// reporting back over the pipe — runs on its own goroutine so Close
// doesn't wait on a potentially slow consensus-side consumer to drain
// the channel.
func (s *sink) Close() error {
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.abort(err)
		return fmt.Errorf("snapshot: fsync state file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		s.abort(err)
		return fmt.Errorf("snapshot: closing state file: %w", err)
	}

	s.meta.Size = s.written
	metaData, err := json.Marshal(s.meta)
	if err != nil {
		s.abort(err)
		return fmt.Errorf("snapshot: encoding meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.tmpDir, "meta.json"), metaData, 0o644); err != nil {
		s.abort(err)
		return fmt.Errorf("snapshot: writing meta: %w", err)
	}

	finalDir := filepath.Join(s.store.dir, s.id)
	if err := os.Rename(s.tmpDir, finalDir); err != nil {
		s.abort(err)
		return fmt.Errorf("snapshot: renaming into place: %w", err)
	}

	go func() {
		s.store.results <- newResult(filepath.Join(finalDir, "state.bin"), "", uint64(s.written), s.meta.Term, s.meta.Index)
	}()
	return nil
}

// Cancel aborts an in-progress snapshot, removing the staging directory.
func (s *sink) Cancel() error {
	s.file.Close()
	s.abort(fmt.Errorf("snapshot: canceled"))
	return nil
}

func (s *sink) abort(cause error) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.mu.Unlock()
	os.RemoveAll(s.tmpDir)
	go func() {
		s.store.results <- failedResult(cause)
	}()
}

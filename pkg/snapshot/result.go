package snapshot

// resultMagic mirrors the wire-level SnapshotResult record's magic
// number from the log/snapshot format this module is modeled on
// (0x70616e73, ASCII "snap"). Kept as a field on Result, rather than
// actually framed onto an OS pipe, since the worker here is a goroutine
// in the same process rather than a forked child — see the Design
// Notes on snapshot forking.
const resultMagic uint32 = 0x70616e73

// Result is delivered by the background snapshot worker when a
// snapshot attempt finishes, successfully or not. Consensus Core polls
// for these (pollSnapshotStatus) once per tick.
type Result struct {
	Magic       uint32
	Success     bool
	NumEntries  uint64
	RDBFilename string
	LogFilename string
	Err         string

	SnapshotTerm  uint64
	SnapshotIndex uint64
}

func newResult(rdbPath, logPath string, numEntries, term, index uint64) Result {
	return Result{
		Magic:         resultMagic,
		Success:       true,
		NumEntries:    numEntries,
		RDBFilename:   rdbPath,
		LogFilename:   logPath,
		SnapshotTerm:  term,
		SnapshotIndex: index,
	}
}

func failedResult(err error) Result {
	return Result{Magic: resultMagic, Success: false, Err: err.Error()}
}

package raftlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// magic identifies a raftkv log file. Kept distinct from the snapshot
// pipe record magic in pkg/snapshot.
const magic = "RKLG"

const formatVersion = 1

// dbidLen matches the 32-character cluster identifier carried in the
// original C header this format is modeled on.
const dbidLen = 32

// header is the fixed-size block written once by Create and rewritten
// in place whenever the snapshot boundary advances.
type header struct {
	Version           uint32
	DBID              [dbidLen]byte
	SnapshotLastTerm  uint64
	SnapshotLastIndex uint64
}

const headerSize = 4 /*magic*/ + 4 /*version*/ + dbidLen + 8 + 8

func writeHeader(w io.Writer, h header) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}
	buf := make([]byte, 4+dbidLen+8+8)
	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	copy(buf[4:4+dbidLen], h.DBID[:])
	binary.BigEndian.PutUint64(buf[4+dbidLen:4+dbidLen+8], h.SnapshotLastTerm)
	binary.BigEndian.PutUint64(buf[4+dbidLen+8:], h.SnapshotLastIndex)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (header, error) {
	var h header
	magicBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return h, fmt.Errorf("raftlog: reading magic: %w", err)
	}
	if string(magicBuf) != magic {
		return h, fmt.Errorf("raftlog: bad magic %q", magicBuf)
	}
	buf := make([]byte, 4+dbidLen+8+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("raftlog: reading header: %w", err)
	}
	h.Version = binary.BigEndian.Uint32(buf[0:4])
	copy(h.DBID[:], buf[4:4+dbidLen])
	h.SnapshotLastTerm = binary.BigEndian.Uint64(buf[4+dbidLen : 4+dbidLen+8])
	h.SnapshotLastIndex = binary.BigEndian.Uint64(buf[4+dbidLen+8:])
	return h, nil
}

// recordKind tags each appended record in the body of the log file.
// Entry records are ordinary Raft log entries; term/vote records are
// the sidecar state, interspersed into the append stream rather than
// kept as a separate trailer so that SetTerm/SetVote share the same
// append-and-fsync durability path as Append.
type recordKind uint8

const (
	recordEntry recordKind = 1
	recordTerm  recordKind = 2
	recordVote  recordKind = 3
)

// entryRecord is the on-disk shape of one Raft log entry.
type entryRecord struct {
	Term    uint64
	Index   uint64
	Type    uint8
	Payload []byte
}

// writeEntryRecord appends one length-prefixed, CRC-checked entry record.
func writeEntryRecord(w io.Writer, e entryRecord) error {
	body := make([]byte, 1+8+8+1+4+len(e.Payload))
	body[0] = byte(recordEntry)
	binary.BigEndian.PutUint64(body[1:9], e.Term)
	binary.BigEndian.PutUint64(body[9:17], e.Index)
	body[17] = e.Type
	binary.BigEndian.PutUint32(body[18:22], uint32(len(e.Payload)))
	copy(body[22:], e.Payload)

	return writeFramed(w, body)
}

func writeTermRecord(w io.Writer, term uint64) error {
	body := make([]byte, 1+8)
	body[0] = byte(recordTerm)
	binary.BigEndian.PutUint64(body[1:], term)
	return writeFramed(w, body)
}

func writeVoteRecord(w io.Writer, key string, value []byte) error {
	keyBytes := []byte(key)
	body := make([]byte, 1+2+len(keyBytes)+4+len(value))
	body[0] = byte(recordVote)
	binary.BigEndian.PutUint16(body[1:3], uint16(len(keyBytes)))
	copy(body[3:3+len(keyBytes)], keyBytes)
	off := 3 + len(keyBytes)
	binary.BigEndian.PutUint32(body[off:off+4], uint32(len(value)))
	copy(body[off+4:], value)
	return writeFramed(w, body)
}

// writeFramed writes a length-prefixed, CRC32-checked record: the frame
// is [u32 len][body][u32 crc32(body)]. The trailing CRC lets LoadEntries
// detect and discard a torn write at the tail of the file after a crash.
func writeFramed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(body))
	_, err := w.Write(crcBuf[:])
	return err
}

// rawRecord is a parsed, CRC-verified frame not yet decoded into its
// specific kind.
type rawRecord struct {
	kind recordKind
	body []byte
}

// readFramed reads one frame from r. It returns io.EOF only on a clean
// end of stream (no bytes read at all). A partial frame at EOF — the
// torn-write case after a crash mid-Append — is reported via
// errTruncated so callers can discard it and stop replay there.
func readFramed(r *bufio.Reader) (rawRecord, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return rawRecord{}, io.EOF
		}
		return rawRecord{}, errTruncated
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n == 0 || n > maxRecordSize {
		return rawRecord{}, errTruncated
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return rawRecord{}, errTruncated
	}
	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return rawRecord{}, errTruncated
	}
	if binary.BigEndian.Uint32(crcBuf) != crc32.ChecksumIEEE(body) {
		return rawRecord{}, errTruncated
	}
	if len(body) < 1 {
		return rawRecord{}, errTruncated
	}
	return rawRecord{kind: recordKind(body[0]), body: body[1:]}, nil
}

// maxRecordSize bounds a single record so a corrupted length prefix
// cannot cause an unbounded allocation during replay.
const maxRecordSize = 64 << 20

func decodeEntryBody(body []byte) (entryRecord, error) {
	if len(body) < 8+8+1+4 {
		return entryRecord{}, errTruncated
	}
	var e entryRecord
	e.Term = binary.BigEndian.Uint64(body[0:8])
	e.Index = binary.BigEndian.Uint64(body[8:16])
	e.Type = body[16]
	plen := binary.BigEndian.Uint32(body[17:21])
	if uint32(len(body)-21) != plen {
		return entryRecord{}, errTruncated
	}
	e.Payload = body[21:]
	return e, nil
}

func decodeTermBody(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, errTruncated
	}
	return binary.BigEndian.Uint64(body), nil
}

func decodeVoteBody(body []byte) (key string, value []byte, err error) {
	if len(body) < 2 {
		return "", nil, errTruncated
	}
	klen := binary.BigEndian.Uint16(body[0:2])
	if len(body) < int(2+klen+4) {
		return "", nil, errTruncated
	}
	key = string(body[2 : 2+klen])
	off := 2 + int(klen)
	vlen := binary.BigEndian.Uint32(body[off : off+4])
	if uint32(len(body)-off-4) != vlen {
		return "", nil, errTruncated
	}
	value = body[off+4:]
	return key, value, nil
}

// Package walog implements the write-ahead log: an append-only journal of
// log entries written into slotted pages inside a dedicated log file
// (file_id = meta.LogRelID), plus checkpoint creation and confirmation.
// Grounded in original_source/src/log/log_entry.rs and op_type.rs for the
// entry/header shape, and the donor's internal/storage/pager/wal.go for
// the append-and-roll-to-next-page loop and CRC-checked record framing —
// generalized here from the donor's "full page image" WAL entries to the
// spec's logical InsertTuple/Checkpoint/PendingCheckpoint entries stored
// directly as slots of ordinary slotted pages (the log file IS a relation
// of slotted pages, not a separate physical format).
package walog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// OpType identifies the kind of mutation a log entry describes.
type OpType uint8

const (
	// InsertTuple records a tuple insertion into a Data page.
	InsertTuple OpType = 1
	// Checkpoint marks a confirmed checkpoint.
	Checkpoint OpType = 2
	// PendingCheckpoint marks a checkpoint awaiting confirmation (all
	// dirty pages as of its LSN flushed) before being promoted to
	// Checkpoint.
	PendingCheckpoint OpType = 3
)

func (op OpType) String() string {
	switch op {
	case InsertTuple:
		return "InsertTuple"
	case Checkpoint:
		return "Checkpoint"
	case PendingCheckpoint:
		return "PendingCheckpoint"
	default:
		return "Unknown"
	}
}

// Header is the fixed-size prefix of every log entry.
type Header struct {
	LSN    uint32
	Target storepage.ID // zero value for Checkpoint/PendingCheckpoint entries
	Op     OpType
}

// Entry is a full log entry: header plus an opaque body.
type Entry struct {
	Header Header
	Body   []byte
}

// headerSize is the encoded size of Header: op(1) + lsn(4) + fileID(4) +
// offset(8) + kind(1) + bodyLen(2).
const headerSize = 1 + 4 + 4 + 8 + 1 + 2

// crcSize is the width of the trailing record checksum, matching the
// donor's wal.go RecordCRC field: a CRC32 (Castagnoli) over header + body,
// guarding the one place spec.md's Corrupted kind needs a concrete trigger
// beyond header/slot-directory invariant checks.
const crcSize = 4

// Encode serializes e into a byte slice suitable for a page slot: header,
// then body, then a trailing CRC32C of both.
func Encode(e Entry) []byte {
	buf := make([]byte, headerSize+len(e.Body)+crcSize)
	buf[0] = byte(e.Header.Op)
	binary.LittleEndian.PutUint32(buf[1:5], e.Header.LSN)
	binary.LittleEndian.PutUint32(buf[5:9], e.Header.Target.FileID)
	binary.LittleEndian.PutUint64(buf[9:17], e.Header.Target.Offset)
	buf[17] = byte(e.Header.Target.Kind)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(e.Body)))
	copy(buf[headerSize:], e.Body)
	crc := crc32.Checksum(buf[:headerSize+len(e.Body)], crcTable)
	binary.LittleEndian.PutUint32(buf[headerSize+len(e.Body):], crc)
	return buf
}

// Decode parses a log entry previously produced by Encode, verifying its
// trailing checksum.
func Decode(raw []byte) (Entry, error) {
	if len(raw) < headerSize+crcSize {
		return Entry{}, errs.CorruptedErr("log entry shorter than header")
	}
	hdr := Header{
		Op:  OpType(raw[0]),
		LSN: binary.LittleEndian.Uint32(raw[1:5]),
		Target: storepage.ID{
			FileID: binary.LittleEndian.Uint32(raw[5:9]),
			Offset: binary.LittleEndian.Uint64(raw[9:17]),
			Kind:   storepage.Kind(raw[17]),
		},
	}
	bodyLen := int(binary.LittleEndian.Uint16(raw[18:20]))
	if len(raw) != headerSize+bodyLen+crcSize {
		return Entry{}, errs.CorruptedErr("log entry length mismatch")
	}
	wantCRC := binary.LittleEndian.Uint32(raw[headerSize+bodyLen:])
	gotCRC := crc32.Checksum(raw[:headerSize+bodyLen], crcTable)
	if gotCRC != wantCRC {
		return Entry{}, errs.CorruptedErr("log entry checksum mismatch")
	}
	body := append([]byte(nil), raw[headerSize:headerSize+bodyLen]...)
	return Entry{Header: hdr, Body: body}, nil
}

// EncodeInsertTupleBody builds the body of an InsertTuple entry per
// spec.md §6: {target_page: PageId, tuple_bytes: length-prefixed}.
func EncodeInsertTupleBody(target storepage.ID, tupleBytes []byte) []byte {
	buf := make([]byte, 4+8+1+2+len(tupleBytes))
	binary.LittleEndian.PutUint32(buf[0:4], target.FileID)
	binary.LittleEndian.PutUint64(buf[4:12], target.Offset)
	buf[12] = byte(target.Kind)
	binary.LittleEndian.PutUint16(buf[13:15], uint16(len(tupleBytes)))
	copy(buf[15:], tupleBytes)
	return buf
}

// DecodeInsertTupleBody parses a body built by EncodeInsertTupleBody.
func DecodeInsertTupleBody(body []byte) (target storepage.ID, tupleBytes []byte, err error) {
	if len(body) < 15 {
		return storepage.ID{}, nil, errs.CorruptedErr("insert-tuple body too short")
	}
	target = storepage.ID{
		FileID: binary.LittleEndian.Uint32(body[0:4]),
		Offset: binary.LittleEndian.Uint64(body[4:12]),
		Kind:   storepage.Kind(body[12]),
	}
	n := int(binary.LittleEndian.Uint16(body[13:15]))
	if len(body) != 15+n {
		return storepage.ID{}, nil, errs.CorruptedErr("insert-tuple body length mismatch")
	}
	tupleBytes = append([]byte(nil), body[15:]...)
	return target, tupleBytes, nil
}

// Package relation implements the tuple-level API over a file of slotted
// pages: a meta page (page 0) holding the tuple descriptor, and data pages
// (1..N) holding tuples. Grounded in original_source/src/meta.rs for the
// table-catalog bootstrap (rel_id=1) and the donor's
// internal/storage/pager/catalog.go for the "system catalog as a relation"
// idiom, generalized to spec.md's slotted-page / per-relation-meta-lock
// design instead of the donor's B+Tree-backed catalog.
package relation

import (
	"encoding/binary"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
)

// ColType is the type code of a tuple-descriptor column (spec.md §6).
type ColType byte

const (
	Char    ColType = 0x00
	I32     ColType = 0x01
	I64     ColType = 0x02
	U32     ColType = 0x03
	U64     ColType = 0x04
	Bool    ColType = 0x05
	VarChar ColType = 0x06
)

// Column is one entry of a TupleDesc: a type code and a name.
type Column struct {
	Name string
	Type ColType
}

// TupleDesc is a relation's column descriptor.
type TupleDesc []Column

// Encode serializes a TupleDesc as a length-prefixed sequence of
// (type_code, name) pairs.
func (d TupleDesc) Encode() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(d)))
	for _, c := range d {
		nameBytes := []byte(c.Name)
		entry := make([]byte, 1+2+len(nameBytes))
		entry[0] = byte(c.Type)
		binary.LittleEndian.PutUint16(entry[1:3], uint16(len(nameBytes)))
		copy(entry[3:], nameBytes)
		buf = append(buf, entry...)
	}
	return buf
}

// DecodeTupleDesc parses bytes produced by TupleDesc.Encode.
func DecodeTupleDesc(raw []byte) (TupleDesc, error) {
	if len(raw) < 2 {
		return nil, errs.CorruptedErr("tuple descriptor truncated")
	}
	count := int(binary.LittleEndian.Uint16(raw[0:2]))
	pos := 2
	desc := make(TupleDesc, 0, count)
	for i := 0; i < count; i++ {
		if pos+3 > len(raw) {
			return nil, errs.CorruptedErr("tuple descriptor column header truncated")
		}
		typ := ColType(raw[pos])
		nameLen := int(binary.LittleEndian.Uint16(raw[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > len(raw) {
			return nil, errs.CorruptedErr("tuple descriptor column name truncated")
		}
		name := string(raw[pos : pos+nameLen])
		pos += nameLen
		desc = append(desc, Column{Name: name, Type: typ})
	}
	return desc, nil
}

// Value is a tagged column value. Exactly one field is meaningful,
// selected by Type.
type Value struct {
	Type ColType
	Char byte
	I32  int32
	I64  int64
	U32  uint32
	U64  uint64
	Bool bool
	Str  string // used for VarChar
}

// Row is one tuple's decoded values, in descriptor-column order.
type Row []Value

// EncodeRow serializes row per desc: fixed types as native LE bytes,
// VarChar as a u16 LE length followed by UTF-8 bytes.
func EncodeRow(desc TupleDesc, row Row) ([]byte, error) {
	if len(row) != len(desc) {
		return nil, errs.SerdeErr("row/descriptor column count mismatch", nil)
	}
	var out []byte
	for i, col := range desc {
		v := row[i]
		if v.Type != col.Type {
			return nil, errs.SerdeErr("row value type does not match descriptor", nil)
		}
		out = append(out, encodeValue(v)...)
	}
	return out, nil
}

func encodeValue(v Value) []byte {
	switch v.Type {
	case Char:
		return []byte{v.Char}
	case I32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v.I32))
		return b[:]
	case I64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.I64))
		return b[:]
	case U32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v.U32)
		return b[:]
	case U64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v.U64)
		return b[:]
	case Bool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case VarChar:
		s := []byte(v.Str)
		b := make([]byte, 2+len(s))
		binary.LittleEndian.PutUint16(b[0:2], uint16(len(s)))
		copy(b[2:], s)
		return b
	default:
		return nil
	}
}

// DecodeRow parses a tuple body per desc.
func DecodeRow(desc TupleDesc, body []byte) (Row, error) {
	row := make(Row, 0, len(desc))
	pos := 0
	for _, col := range desc {
		v, n, err := decodeValue(col.Type, body[pos:])
		if err != nil {
			return nil, err
		}
		row = append(row, v)
		pos += n
	}
	return row, nil
}

func decodeValue(t ColType, buf []byte) (Value, int, error) {
	switch t {
	case Char:
		if len(buf) < 1 {
			return Value{}, 0, errs.CorruptedErr("char value truncated")
		}
		return Value{Type: Char, Char: buf[0]}, 1, nil
	case I32:
		if len(buf) < 4 {
			return Value{}, 0, errs.CorruptedErr("i32 value truncated")
		}
		return Value{Type: I32, I32: int32(binary.LittleEndian.Uint32(buf))}, 4, nil
	case I64:
		if len(buf) < 8 {
			return Value{}, 0, errs.CorruptedErr("i64 value truncated")
		}
		return Value{Type: I64, I64: int64(binary.LittleEndian.Uint64(buf))}, 8, nil
	case U32:
		if len(buf) < 4 {
			return Value{}, 0, errs.CorruptedErr("u32 value truncated")
		}
		return Value{Type: U32, U32: binary.LittleEndian.Uint32(buf)}, 4, nil
	case U64:
		if len(buf) < 8 {
			return Value{}, 0, errs.CorruptedErr("u64 value truncated")
		}
		return Value{Type: U64, U64: binary.LittleEndian.Uint64(buf)}, 8, nil
	case Bool:
		if len(buf) < 1 {
			return Value{}, 0, errs.CorruptedErr("bool value truncated")
		}
		return Value{Type: Bool, Bool: buf[0] != 0}, 1, nil
	case VarChar:
		if len(buf) < 2 {
			return Value{}, 0, errs.CorruptedErr("varchar length truncated")
		}
		n := int(binary.LittleEndian.Uint16(buf[0:2]))
		if len(buf) < 2+n {
			return Value{}, 0, errs.CorruptedErr("varchar value truncated")
		}
		return Value{Type: VarChar, Str: string(buf[2 : 2+n])}, 2 + n, nil
	default:
		return Value{}, 0, errs.CorruptedErr("unknown column type")
	}
}

// KeyBytes concatenates the serialized bytes of the given column indices,
// for use as a hash-index key (spec.md §4.4: "key_bytes is the
// concatenation of the indexed columns' serialized bytes").
func KeyBytes(desc TupleDesc, row Row, keyColumns []int) ([]byte, error) {
	var out []byte
	for _, ci := range keyColumns {
		if ci < 0 || ci >= len(row) || ci >= len(desc) {
			return nil, errs.BadKeyErr("key column index out of range")
		}
		out = append(out, encodeValue(row[ci])...)
	}
	return out, nil
}

// ProjectDesc returns the TupleDesc restricted to the given column
// indices, used as an index's key_desc.
func ProjectDesc(desc TupleDesc, keyColumns []int) (TupleDesc, error) {
	out := make(TupleDesc, 0, len(keyColumns))
	for _, ci := range keyColumns {
		if ci < 0 || ci >= len(desc) {
			return nil, errs.BadKeyErr("key column index out of range")
		}
		out = append(out, desc[ci])
	}
	return out, nil
}

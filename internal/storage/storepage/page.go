// Package storepage implements the fixed-size slotted page: a byte page
// with a header (lsn, upper, lower), a forward-growing slot directory, and
// backward-growing tuple bodies. Grounded in the donor's
// internal/storage/pager/page.go and slotted_page.go, generalized from the
// donor's variable PageHeaderSize/PageType design down to the exact 8-byte
// header spec.md fixes.
package storepage

import (
	"encoding/binary"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/invariant"
)

// Size is the fixed page size in bytes.
const Size = 4096

// HeaderSize is the byte length of the page header: lsn (u32 LE),
// upper (u16 LE), lower (u16 LE).
const HeaderSize = 8

// SlotSize is the byte length of one slot directory entry: start, end
// (both u16 LE).
const SlotSize = 4

// Kind distinguishes how a page's identity maps to storage.
type Kind uint8

const (
	// Data pages are persisted in a relation or index file.
	Data Kind = iota
	// Temp pages persist across operations within a run, in a separate
	// subdirectory, and may be evicted to disk.
	Temp
	// Mem pages are pinned in memory and never persisted.
	Mem
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "Data"
	case Temp:
		return "Temp"
	case Mem:
		return "Mem"
	default:
		return "Unknown"
	}
}

// ID uniquely identifies a page: the file it belongs to, its offset within
// that file (offset 0 is always the meta page), and its kind.
type ID struct {
	FileID uint32
	Offset uint64
	Kind   Kind
}

// IsMetaOffset reports whether this ID addresses offset 0 of its file (the
// meta page).
func (id ID) IsMetaOffset() bool { return id.Offset == 0 }

// TuplePtr identifies a tuple by the page holding it and its slot index.
// Stable within the page's lifetime.
type TuplePtr struct {
	Page ID
	Slot uint32
}

// IsZero reports whether p is the zero-value ID: FileID 0 and Offset 0.
// Used both as the "no overflow page" sentinel for hash-index bucket
// chains and as the "no checkpoint found" sentinel returned by the log
// manager.
func (p ID) IsZero() bool { return p.FileID == 0 && p.Offset == 0 }

// Page is a fixed-size, 4096-byte slotted page.
type Page struct {
	id  ID
	buf [Size]byte
}

// New returns a freshly initialized, empty page for id: lower = HeaderSize,
// upper = Size, lsn = 0.
func New(id ID) *Page {
	p := &Page{id: id}
	p.setLSN(0)
	p.setUpper(Size)
	p.setLower(HeaderSize)
	return p
}

// LoadFrom parses an existing 4096-byte buffer as a page for id, validating
// the header invariants. Retains (copies) the bytes.
func LoadFrom(raw []byte, id ID) (*Page, error) {
	if len(raw) != Size {
		return nil, errs.CorruptedErr("page buffer is not 4096 bytes")
	}
	p := &Page{id: id}
	copy(p.buf[:], raw)

	lower := p.Lower()
	upper := p.Upper()
	if !(HeaderSize <= lower && lower <= upper && upper <= Size) {
		return nil, errs.CorruptedErr("page header out of range")
	}
	if (lower-HeaderSize)%SlotSize != 0 {
		return nil, errs.CorruptedErr("slot directory misaligned")
	}
	count := p.SlotCount()
	for s := uint32(0); s < count; s++ {
		start, end := p.rawSlot(s)
		lo := HeaderSize + SlotSize*uint16(count)
		if !(lo <= start && start <= end && end <= Size) {
			if !(start == 0 && end == 0) { // tombstone is always valid
				return nil, errs.CorruptedErr("slot entry out of range")
			}
		}
	}
	return p, nil
}

// ID returns the page's identity.
func (p *Page) ID() ID { return p.id }

// Bytes returns the raw 4096-byte backing buffer (read-only use expected;
// callers within this package may mutate it directly).
func (p *Page) Bytes() []byte { return p.buf[:] }

// ── header accessors ────────────────────────────────────────────────────

// LSN returns the page's log sequence number.
func (p *Page) LSN() uint32 { return binary.LittleEndian.Uint32(p.buf[0:4]) }

func (p *Page) setLSN(v uint32) { binary.LittleEndian.PutUint32(p.buf[0:4], v) }

// Upper returns the current upper free-space boundary.
func (p *Page) Upper() uint16 { return binary.LittleEndian.Uint16(p.buf[4:6]) }

func (p *Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.buf[4:6], v) }

// Lower returns the current lower free-space boundary (end of slot
// directory).
func (p *Page) Lower() uint16 { return binary.LittleEndian.Uint16(p.buf[6:8]) }

func (p *Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p.buf[6:8], v) }

// FreeSpace returns the number of bytes available for a new slot+body.
func (p *Page) FreeSpace() int { return int(p.Upper()) - int(p.Lower()) }

// SlotCount returns the number of slots in the directory (including
// tombstones).
func (p *Page) SlotCount() uint32 {
	return uint32(p.Lower()-HeaderSize) / SlotSize
}

func slotOffset(slot uint32) int { return HeaderSize + int(slot)*SlotSize }

// rawSlot reads slot directory entry slot. GetTupleData, overwriteTupleData
// and RemoveTuple validate slot against SlotCount() and return a
// NotFoundErr before reaching here, and Iter/LoadFrom only pass in-range
// slots, so an out-of-range slot at this point is a programmer bug, not a
// caller-supplied bad pointer. IsDeleted does no such check: it requires an
// in-range slot and panics here otherwise.
func (p *Page) rawSlot(slot uint32) (start, end uint16) {
	invariant.Assertf(slot < p.SlotCount(), "rawSlot: slot %d out of range (count=%d)", slot, p.SlotCount())
	off := slotOffset(slot)
	start = binary.LittleEndian.Uint16(p.buf[off : off+2])
	end = binary.LittleEndian.Uint16(p.buf[off+2 : off+4])
	return
}

// setRawSlot writes slot directory entry slot. slot == SlotCount() is the
// append case (appendTupleData writes the not-yet-counted next slot);
// anything past that is a programmer bug in this package.
func (p *Page) setRawSlot(slot uint32, start, end uint16) {
	invariant.Assertf(slot <= p.SlotCount(), "setRawSlot: slot %d out of range (count=%d)", slot, p.SlotCount())
	off := slotOffset(slot)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], start)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], end)
}

// IsDeleted reports whether slot is a tombstone (both start and end zero).
func (p *Page) IsDeleted(slot uint32) bool {
	start, end := p.rawSlot(slot)
	return start == 0 && end == 0
}

// ── tuple data operations ───────────────────────────────────────────────

// WriteTupleData writes body into the page. If slot is nil, it appends a
// new slot at the tail of the directory and grows the body area backward.
// If slot is non-nil, it overwrites that slot's body in place — the new
// body length must equal the old one.
//
// lsn, if non-zero, is folded into the page's LSN via max(existing, lsn).
func (p *Page) WriteTupleData(body []byte, slot *uint32, lsn uint32) (TuplePtr, error) {
	if slot != nil {
		return p.overwriteTupleData(*slot, body, lsn)
	}
	return p.appendTupleData(body, lsn)
}

func (p *Page) appendTupleData(body []byte, lsn uint32) (TuplePtr, error) {
	need := len(body) + SlotSize
	if p.FreeSpace() < need {
		return TuplePtr{}, errs.NoSpaceErr("tuple does not fit in page")
	}
	newUpper := p.Upper() - uint16(len(body))
	start, end := newUpper, p.Upper()
	copy(p.buf[start:end], body)

	newSlot := p.SlotCount()
	p.setRawSlot(newSlot, start, end)
	p.setLower(p.Lower() + SlotSize)
	p.setUpper(newUpper)
	p.bumpLSN(lsn)

	return TuplePtr{Page: p.id, Slot: newSlot}, nil
}

func (p *Page) overwriteTupleData(slot uint32, body []byte, lsn uint32) (TuplePtr, error) {
	if slot >= p.SlotCount() {
		return TuplePtr{}, errs.NotFoundErr("slot out of range")
	}
	start, end := p.rawSlot(slot)
	if p.IsDeleted(slot) {
		return TuplePtr{}, errs.NotFoundErr("slot is tombstoned")
	}
	if int(end-start) != len(body) {
		return TuplePtr{}, errs.SizeMismatchErr("in-place write changes tuple length")
	}
	copy(p.buf[start:end], body)
	p.bumpLSN(lsn)
	return TuplePtr{Page: p.id, Slot: slot}, nil
}

func (p *Page) bumpLSN(lsn uint32) {
	if lsn > p.LSN() {
		p.setLSN(lsn)
	}
}

// GetTupleData returns the body bytes for slot, validating pageID matches
// and the slot is in range and not tombstoned.
func (p *Page) GetTupleData(pageID ID, slot uint32) ([]byte, error) {
	if pageID != p.id {
		return nil, errs.InternalErr("page id mismatch")
	}
	if slot >= p.SlotCount() {
		return nil, errs.NotFoundErr("slot out of range")
	}
	if p.IsDeleted(slot) {
		return nil, errs.NotFoundErr("slot is tombstoned")
	}
	start, end := p.rawSlot(slot)
	return p.buf[start:end], nil
}

// RemoveTuple tombstones slot (marks it deleted; no compaction).
func (p *Page) RemoveTuple(slot uint32) error {
	if slot >= p.SlotCount() {
		return errs.NotFoundErr("slot out of range")
	}
	p.setRawSlot(slot, 0, 0)
	return nil
}

// Iter invokes fn with the body of every live (non-tombstoned) slot, in
// slot order. Iteration stops early if fn returns false.
func (p *Page) Iter(fn func(slot uint32, body []byte) bool) {
	n := p.SlotCount()
	for s := uint32(0); s < n; s++ {
		if p.IsDeleted(s) {
			continue
		}
		start, end := p.rawSlot(s)
		if !fn(s, p.buf[start:end]) {
			return
		}
	}
}

// LiveCount returns the number of non-tombstoned slots.
func (p *Page) LiveCount() int {
	n := 0
	p.Iter(func(uint32, []byte) bool { n++; return true })
	return n
}

package storepage

import (
	"bytes"
	"testing"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
)

func testID() ID { return ID{FileID: 7, Offset: 3, Kind: Data} }

func TestNew_EmptyPageHeader(t *testing.T) {
	p := New(testID())
	if p.LSN() != 0 {
		t.Fatalf("lsn = %d, want 0", p.LSN())
	}
	if p.Upper() != Size {
		t.Fatalf("upper = %d, want %d", p.Upper(), Size)
	}
	if p.Lower() != HeaderSize {
		t.Fatalf("lower = %d, want %d", p.Lower(), HeaderSize)
	}
	if p.FreeSpace() != Size-HeaderSize {
		t.Fatalf("free space = %d, want %d", p.FreeSpace(), Size-HeaderSize)
	}
}

// Insert [5;16] into an empty page: slot 0, upper = 4080, lower = 12, and
// the last 16 bytes are all 5.
func TestWriteTupleData_FirstInsert(t *testing.T) {
	p := New(testID())
	body := bytes.Repeat([]byte{5}, 16)

	ptr, err := p.WriteTupleData(body, nil, 1)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ptr.Slot != 0 {
		t.Fatalf("slot = %d, want 0", ptr.Slot)
	}
	if p.Upper() != 4080 {
		t.Fatalf("upper = %d, want 4080", p.Upper())
	}
	if p.Lower() != 12 {
		t.Fatalf("lower = %d, want 12", p.Lower())
	}
	for i := 4080; i < Size; i++ {
		if p.buf[i] != 5 {
			t.Fatalf("byte %d = %d, want 5", i, p.buf[i])
		}
	}
}

func TestWriteTupleData_NoSpace(t *testing.T) {
	p := New(testID())
	free := p.FreeSpace()

	fits := bytes.Repeat([]byte{1}, free-SlotSize)
	if _, err := p.WriteTupleData(fits, nil, 0); err != nil {
		t.Fatalf("expected fitting write to succeed: %v", err)
	}

	p2 := New(testID())
	free2 := p2.FreeSpace()
	tooBig := bytes.Repeat([]byte{1}, free2-SlotSize+1)
	_, err := p2.WriteTupleData(tooBig, nil, 0)
	if !errs.Is(err, errs.NoSpace) {
		t.Fatalf("expected NoSpace, got %v", err)
	}
}

func TestWriteTupleData_OverwriteSameLength(t *testing.T) {
	p := New(testID())
	ptr, err := p.WriteTupleData([]byte("hello"), nil, 1)
	if err != nil {
		t.Fatalf("initial write: %v", err)
	}

	slot := ptr.Slot
	if _, err := p.WriteTupleData([]byte("WORLD"), &slot, 2); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := p.GetTupleData(p.ID(), slot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "WORLD" {
		t.Fatalf("got %q, want WORLD", got)
	}
	if p.LSN() != 2 {
		t.Fatalf("lsn = %d, want 2 (max of 1,2)", p.LSN())
	}
}

func TestWriteTupleData_OverwriteLengthMismatch(t *testing.T) {
	p := New(testID())
	ptr, _ := p.WriteTupleData([]byte("hello"), nil, 0)
	slot := ptr.Slot
	_, err := p.WriteTupleData([]byte("nope"), &slot, 0)
	if !errs.Is(err, errs.SizeMismatch) {
		t.Fatalf("expected SizeMismatch, got %v", err)
	}
}

func TestRemoveTuple_Tombstone(t *testing.T) {
	p := New(testID())
	ptr, _ := p.WriteTupleData([]byte("x"), nil, 0)
	if err := p.RemoveTuple(ptr.Slot); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !p.IsDeleted(ptr.Slot) {
		t.Fatal("expected slot to be tombstoned")
	}
	if _, err := p.GetTupleData(p.ID(), ptr.Slot); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound reading tombstoned slot, got %v", err)
	}
}

func TestIter_SkipsTombstones(t *testing.T) {
	p := New(testID())
	p.WriteTupleData([]byte("a"), nil, 0)
	ptrB, _ := p.WriteTupleData([]byte("b"), nil, 0)
	p.WriteTupleData([]byte("c"), nil, 0)
	p.RemoveTuple(ptrB.Slot)

	var seen []string
	p.Iter(func(_ uint32, body []byte) bool {
		seen = append(seen, string(body))
		return true
	})
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "c" {
		t.Fatalf("iter = %v, want [a c]", seen)
	}
	if p.LiveCount() != 2 {
		t.Fatalf("live count = %d, want 2", p.LiveCount())
	}
}

func TestLoadFrom_RoundTrip(t *testing.T) {
	p := New(testID())
	p.WriteTupleData([]byte("payload"), nil, 5)

	p2, err := LoadFrom(p.Bytes(), testID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := p2.GetTupleData(testID(), 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadFrom_RejectsWrongSize(t *testing.T) {
	_, err := LoadFrom(make([]byte, Size-1), testID())
	if !errs.Is(err, errs.Corrupted) {
		t.Fatalf("expected Corrupted, got %v", err)
	}
}

func TestLoadFrom_RejectsHeaderOutOfRange(t *testing.T) {
	p := New(testID())
	p.setLower(Size + 1) // corrupt: lower beyond page bounds
	_, err := LoadFrom(p.Bytes(), testID())
	if !errs.Is(err, errs.Corrupted) {
		t.Fatalf("expected Corrupted, got %v", err)
	}
}

func TestIsZero(t *testing.T) {
	if !(ID{}).IsZero() {
		t.Fatal("zero-value ID should report IsZero")
	}
	if (ID{FileID: 1}).IsZero() {
		t.Fatal("non-zero FileID should not report IsZero")
	}
}

// The exported methods that take a caller-supplied slot (GetTupleData,
// WriteTupleData with a slot, RemoveTuple) validate it against SlotCount()
// and return a NotFoundErr before reaching rawSlot. Calling rawSlot
// directly with an out-of-range slot is therefore the programmer-bug case
// invariant.Assertf exists for, distinct from the NotFoundErr paths
// covered above.
func TestRawSlot_PanicsOnInternalInvariantBreach(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected rawSlot to panic on an out-of-range slot")
		}
	}()
	p := New(testID())
	p.rawSlot(0) // SlotCount() is 0: any slot index is out of range
}

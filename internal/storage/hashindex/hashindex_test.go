package hashindex

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

func newTestStack(t *testing.T) (*bufmgr.Manager, *meta.Meta) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hashindex-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	bm, err := bufmgr.New(bufmgr.Config{DataDir: dir, Capacity: 128})
	if err != nil {
		t.Fatalf("bufmgr.New: %v", err)
	}
	m, err := meta.New(bm)
	if err != nil {
		t.Fatalf("meta.New: %v", err)
	}
	return bm, m
}

func u32Key(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func newFileID(m *meta.Meta, t *testing.T) uint32 {
	t.Helper()
	id, err := m.GetNewID()
	if err != nil {
		t.Fatalf("GetNewID: %v", err)
	}
	return id
}

func TestNew_InitializesTwoPrimaryBuckets(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ix.rec.Next != 1 || ix.rec.Level != 1 {
		t.Fatalf("next/level = %d/%d, want 1/1", ix.rec.Next, ix.rec.Level)
	}
	n, err := bm.PageCount(storepage.Data, fileID)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if n != InitN+1 {
		t.Fatalf("page count = %d, want %d (meta + %d buckets)", n, InitN+1, InitN)
	}
}

func TestInsertAndGet_RoundTrip(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ptr := storepage.TuplePtr{Page: storepage.ID{FileID: 99, Offset: 1, Kind: storepage.Data}, Slot: 3}
	if err := ix.Insert(u32Key(7), ptr); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := ix.Get(u32Key(7))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0] != ptr {
		t.Fatalf("get = %v, want [%v]", got, ptr)
	}

	miss, err := ix.Get(u32Key(8))
	if err != nil {
		t.Fatalf("get miss: %v", err)
	}
	if len(miss) != 0 {
		t.Fatalf("expected no hits for unindexed key, got %v", miss)
	}
}

func TestInsert_RejectsWrongKeyLength(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ptr := storepage.TuplePtr{Page: storepage.ID{FileID: 99, Offset: 1, Kind: storepage.Data}, Slot: 0}
	err = ix.Insert([]byte{1, 2}, ptr)
	if !errs.Is(err, errs.BadKey) {
		t.Fatalf("expected BadKey, got %v", err)
	}
}

// Insert more than ItemsPerBucket distinct items to force at least one
// split, then verify every inserted key is still retrievable afterward.
func TestInsert_SplitPreservesAllItems(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = ItemsPerBucket*2 + 20
	for i := uint32(0); i < n; i++ {
		ptr := storepage.TuplePtr{Page: storepage.ID{FileID: 99, Offset: uint64(i), Kind: storepage.Data}, Slot: 0}
		if err := ix.Insert(u32Key(i), ptr); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if ix.rec.Level == 1 && ix.rec.Next == 1 {
		t.Fatalf("expected at least one split to have occurred, next/level = %d/%d", ix.rec.Next, ix.rec.Level)
	}

	for i := uint32(0); i < n; i++ {
		got, err := ix.Get(u32Key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if len(got) != 1 || got[0].Page.Offset != uint64(i) {
			t.Fatalf("get %d = %v, want one hit at offset %d", i, got, i)
		}
	}
}

func TestInsert_ManyItemsAllRetrievable(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A few more inserts than one bucket's split threshold. Spread over the
	// two initial buckets, these keys stay below the threshold in each, so
	// neither a split nor an overflow page is forced; the test asserts
	// neither, only that every key remains retrievable afterward.
	for i := uint32(0); i < ItemsPerBucket+5; i++ {
		ptr := storepage.TuplePtr{Page: storepage.ID{FileID: 77, Offset: uint64(i), Kind: storepage.Data}, Slot: 0}
		if err := ix.Insert(u32Key(i), ptr); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(0); i < ItemsPerBucket+5; i++ {
		got, err := ix.Get(u32Key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("get %d = %v, want exactly one hit", i, got)
		}
	}
}

func TestLoad_ReopensIndexState(t *testing.T) {
	bm, m := newTestStack(t)
	fileID := newFileID(m, t)
	ix, err := New(bm, m, fileID, 42, []TypeCode{TU32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ptr := storepage.TuplePtr{Page: storepage.ID{FileID: 99, Offset: 1, Kind: storepage.Data}, Slot: 0}
	if err := ix.Insert(u32Key(3), ptr); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reopened, err := Load(bm, m, fileID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := reopened.Get(u32Key(3))
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if len(got) != 1 || got[0] != ptr {
		t.Fatalf("get after reload = %v, want [%v]", got, ptr)
	}
}

// Package hashindex implements a linear-hashing secondary index with
// overflow chains over a key file. Grounded in
// original_source/src/index/hash/mod.rs (INIT_N=2, ITEMS_PER_BUCKET=90,
// bucket-selection formula, split algorithm, overflow-chain-via-slot-0
// layout), adapted from the original's fasthash::murmur3 128-bit hash to
// hash/fnv's FNV-128a — no 128-bit hash library appears anywhere in the
// retrieved example corpus, and FNV-128a is a well-distributed,
// non-cryptographic 128-bit hash already native to the standard library,
// so it is the idiomatic choice over fabricating or vendoring murmur3.
package hashindex

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

// InitN is the initial number of primary buckets.
const InitN = 2

// ItemsPerBucket is the maximum number of items a bucket's primary page may
// hold before a split is triggered.
const ItemsPerBucket = 90

// TypeCode mirrors the relation package's column type codes (spec.md §6)
// without importing it, to keep the index's key-length validation
// independent of the relation layer's tuple-descriptor type.
type TypeCode byte

const (
	TChar    TypeCode = 0x00
	TI32     TypeCode = 0x01
	TI64     TypeCode = 0x02
	TU32     TypeCode = 0x03
	TU64     TypeCode = 0x04
	TBool    TypeCode = 0x05
	TVarChar TypeCode = 0x06
)

// fixedWidth returns the encoded byte width of t, or (0, false) if t is
// variable-width (VarChar).
func fixedWidth(t TypeCode) (int, bool) {
	switch t {
	case TChar, TBool:
		return 1, true
	case TI32, TU32:
		return 4, true
	case TI64, TU64:
		return 8, true
	default:
		return 0, false
	}
}

// Hash128 is a 128-bit hash value.
type Hash128 struct {
	Hi, Lo uint64
}

func hashKey(key []byte) Hash128 {
	h := fnv.New128a()
	h.Write(key)
	sum := h.Sum(nil)
	return Hash128{
		Hi: binary.BigEndian.Uint64(sum[0:8]),
		Lo: binary.BigEndian.Uint64(sum[8:16]),
	}
}

// reduce collapses the 128-bit hash to a 64-bit value used for bucket
// selection; both halves are already well distributed, so XOR-folding
// keeps that property while letting selection use simple bitmasking
// against power-of-two moduli.
func (h Hash128) reduce() uint64 { return h.Hi ^ h.Lo }

// Item is one entry in a bucket chain: the key's hash and the tuple it
// points to.
type Item struct {
	Hash Hash128
	Ptr  storepage.TuplePtr
}

const itemEncodedSize = 8 + 8 + 4 + 8 + 1 + 4 // hash(16) + PageId(13) + slot(4)

func encodeItem(it Item) []byte {
	buf := make([]byte, itemEncodedSize)
	binary.LittleEndian.PutUint64(buf[0:8], it.Hash.Hi)
	binary.LittleEndian.PutUint64(buf[8:16], it.Hash.Lo)
	binary.LittleEndian.PutUint32(buf[16:20], it.Ptr.Page.FileID)
	binary.LittleEndian.PutUint64(buf[20:28], it.Ptr.Page.Offset)
	buf[28] = byte(it.Ptr.Page.Kind)
	binary.LittleEndian.PutUint32(buf[29:33], it.Ptr.Slot)
	return buf
}

func decodeItem(buf []byte) (Item, error) {
	if len(buf) != itemEncodedSize {
		return Item{}, errs.CorruptedErr("hash item length mismatch")
	}
	return Item{
		Hash: Hash128{
			Hi: binary.LittleEndian.Uint64(buf[0:8]),
			Lo: binary.LittleEndian.Uint64(buf[8:16]),
		},
		Ptr: storepage.TuplePtr{
			Page: storepage.ID{
				FileID: binary.LittleEndian.Uint32(buf[16:20]),
				Offset: binary.LittleEndian.Uint64(buf[20:28]),
				Kind:   storepage.Kind(buf[28]),
			},
			Slot: binary.LittleEndian.Uint32(buf[29:33]),
		},
	}, nil
}

func encodeLink(id storepage.ID) []byte {
	buf := make([]byte, 13)
	binary.LittleEndian.PutUint32(buf[0:4], id.FileID)
	binary.LittleEndian.PutUint64(buf[4:12], id.Offset)
	buf[12] = byte(id.Kind)
	return buf
}

func decodeLink(buf []byte) (storepage.ID, error) {
	if len(buf) != 13 {
		return storepage.ID{}, errs.CorruptedErr("overflow link length mismatch")
	}
	return storepage.ID{
		FileID: binary.LittleEndian.Uint32(buf[0:4]),
		Offset: binary.LittleEndian.Uint64(buf[4:12]),
		Kind:   storepage.Kind(buf[12]),
	}, nil
}

// metaRecord is the single slot-0 record of the index's own meta page.
type metaRecord struct {
	RelID          uint32
	KeyDesc        []TypeCode
	Next           uint64
	Level          uint32
	OverflowFileID uint32
}

func encodeMeta(m metaRecord) []byte {
	buf := make([]byte, 4+2+len(m.KeyDesc)+8+4+4)
	pos := 0
	binary.LittleEndian.PutUint32(buf[pos:], m.RelID)
	pos += 4
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(m.KeyDesc)))
	pos += 2
	for _, t := range m.KeyDesc {
		buf[pos] = byte(t)
		pos++
	}
	binary.LittleEndian.PutUint64(buf[pos:], m.Next)
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], m.Level)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], m.OverflowFileID)
	return buf
}

func decodeMeta(raw []byte) (metaRecord, error) {
	if len(raw) < 6 {
		return metaRecord{}, errs.CorruptedErr("hash index meta truncated")
	}
	pos := 0
	relID := binary.LittleEndian.Uint32(raw[pos:])
	pos += 4
	n := int(binary.LittleEndian.Uint16(raw[pos:]))
	pos += 2
	if len(raw) < pos+n+16 {
		return metaRecord{}, errs.CorruptedErr("hash index meta truncated")
	}
	desc := make([]TypeCode, n)
	for i := 0; i < n; i++ {
		desc[i] = TypeCode(raw[pos])
		pos++
	}
	next := binary.LittleEndian.Uint64(raw[pos:])
	pos += 8
	level := binary.LittleEndian.Uint32(raw[pos:])
	pos += 4
	overflowFileID := binary.LittleEndian.Uint32(raw[pos:])
	return metaRecord{RelID: relID, KeyDesc: desc, Next: next, Level: level, OverflowFileID: overflowFileID}, nil
}

// Index is a linear-hashing index bound to one relation.
type Index struct {
	bm     *bufmgr.Manager
	m      *meta.Meta
	fileID uint32

	mu sync.Mutex // serializes inserts/splits and meta (next/level) updates
	rec metaRecord
}

func metaPageID(fileID uint32) storepage.ID {
	return storepage.ID{FileID: fileID, Offset: 0, Kind: storepage.Data}
}

func bucketPageID(fileID uint32, offset uint64) storepage.ID {
	return storepage.ID{FileID: fileID, Offset: offset, Kind: storepage.Data}
}

// New creates a fresh index: fileID holds the meta page and primary
// buckets; a fresh overflow file ID is drawn from m.
func New(bm *bufmgr.Manager, m *meta.Meta, fileID uint32, relID uint32, keyDesc []TypeCode) (*Index, error) {
	overflowFileID, err := m.GetNewID()
	if err != nil {
		return nil, err
	}

	rec := metaRecord{RelID: relID, KeyDesc: keyDesc, Next: 1, Level: 1, OverflowFileID: overflowFileID}
	mh, err := bm.New(metaPageID(fileID))
	if err != nil {
		return nil, err
	}
	var werr error
	mh.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(encodeMeta(rec), nil, 0)
	})
	mh.Release()
	if werr != nil {
		return nil, werr
	}
	if err := bm.Store(metaPageID(fileID)); err != nil {
		return nil, err
	}

	// Two initial primary buckets at offsets 1 and 2.
	for off := uint64(1); off <= InitN; off++ {
		if err := newBucketPage(bm, fileID, off); err != nil {
			return nil, err
		}
	}

	// Bootstrap the overflow file (offset 0, unused) so future overflow
	// pages can be appended starting at offset 1 under strict-append.
	ofh, err := bm.New(metaPageID(overflowFileID))
	if err != nil {
		return nil, err
	}
	ofh.Release()
	if err := bm.Store(metaPageID(overflowFileID)); err != nil {
		return nil, err
	}

	return &Index{bm: bm, m: m, fileID: fileID, rec: rec}, nil
}

func newBucketPage(bm *bufmgr.Manager, fileID uint32, offset uint64) error {
	id := bucketPageID(fileID, offset)
	h, err := bm.New(id)
	if err != nil {
		return err
	}
	var werr error
	h.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(encodeLink(storepage.ID{}), nil, 0)
	})
	h.Release()
	if werr != nil {
		return werr
	}
	return bm.Store(id)
}

// Load reopens an existing index from its meta page.
func Load(bm *bufmgr.Manager, m *meta.Meta, fileID uint32) (*Index, error) {
	h, err := bm.Get(metaPageID(fileID))
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var rec metaRecord
	var rerr error
	h.WithRead(func(p *storepage.Page) {
		raw, gerr := p.GetTupleData(metaPageID(fileID), 0)
		if gerr != nil {
			rerr = gerr
			return
		}
		rec, rerr = decodeMeta(raw)
	})
	if rerr != nil {
		return nil, rerr
	}
	return &Index{bm: bm, m: m, fileID: fileID, rec: rec}, nil
}

// FileID returns the index's primary-bucket file ID.
func (ix *Index) FileID() uint32 { return ix.fileID }

// OverflowFileID returns the file ID backing this index's overflow chain
// pages.
func (ix *Index) OverflowFileID() uint32 { return ix.rec.OverflowFileID }

func (ix *Index) validateKeyLen(key []byte) error {
	total := 0
	for _, t := range ix.rec.KeyDesc {
		w, fixed := fixedWidth(t)
		if !fixed {
			return nil // variable-width component present; cannot assert exact length
		}
		total += w
	}
	if len(key) != total {
		return errs.BadKeyErr("key length disagrees with key descriptor")
	}
	return nil
}

func selectBucket(h Hash128, next uint64, level uint32) uint64 {
	num := uint64(1) << level
	r := h.reduce()
	if r&(num-1) < next-1 {
		return (r & (2*num - 1)) + 1
	}
	return (r & (num - 1)) + 1
}

// chainPages returns the ordered list of page IDs in the bucket chain
// starting at the primary page for bucketOffset.
func (ix *Index) chainPages(bucketOffset uint64) ([]storepage.ID, error) {
	pages := []storepage.ID{bucketPageID(ix.fileID, bucketOffset)}
	for {
		last := pages[len(pages)-1]
		h, err := ix.bm.Get(last)
		if err != nil {
			return nil, err
		}
		var link storepage.ID
		var rerr error
		h.WithRead(func(p *storepage.Page) {
			raw, gerr := p.GetTupleData(last, 0)
			if gerr != nil {
				rerr = gerr
				return
			}
			link, rerr = decodeLink(raw)
		})
		h.Release()
		if rerr != nil {
			return nil, rerr
		}
		if link.IsZero() {
			return pages, nil
		}
		pages = append(pages, link)
	}
}

// Insert adds Item{hash(key), ptr} into the appropriate bucket chain,
// allocating a new overflow page if the chain is full, then splits the
// target bucket if its primary page now holds more than ItemsPerBucket
// items.
func (ix *Index) Insert(key []byte, ptr storepage.TuplePtr) error {
	if err := ix.validateKeyLen(key); err != nil {
		return err
	}
	h := hashKey(key)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	bucket := selectBucket(h, ix.rec.Next, ix.rec.Level)
	if err := ix.insertIntoChainLocked(bucket, Item{Hash: h, Ptr: ptr}); err != nil {
		return err
	}

	primaryCount, err := ix.primaryItemCountLocked(bucket)
	if err != nil {
		return err
	}
	if primaryCount > ItemsPerBucket {
		if err := ix.splitLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) primaryItemCountLocked(bucketOffset uint64) (int, error) {
	id := bucketPageID(ix.fileID, bucketOffset)
	h, err := ix.bm.Get(id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	count := 0
	h.WithRead(func(p *storepage.Page) {
		count = p.LiveCount() - 1 // subtract the slot-0 overflow link
	})
	return count, nil
}

// insertIntoChainLocked appends item to the first page in bucketOffset's
// chain with room, allocating a new overflow page if every page is full.
func (ix *Index) insertIntoChainLocked(bucketOffset uint64, item Item) error {
	pages, err := ix.chainPages(bucketOffset)
	if err != nil {
		return err
	}
	raw := encodeItem(item)

	for _, id := range pages {
		h, err := ix.bm.Get(id)
		if err != nil {
			return err
		}
		fits := false
		h.WithRead(func(p *storepage.Page) { fits = p.FreeSpace() >= len(raw)+4 })
		if !fits {
			h.Release()
			continue
		}
		var werr error
		h.WithWrite(func(p *storepage.Page) {
			_, werr = p.WriteTupleData(raw, nil, 0)
		})
		h.Release()
		if werr != nil {
			return werr
		}
		return ix.bm.Store(id)
	}

	// No room anywhere in the chain: allocate a new overflow page and
	// link it from the tail of the chain.
	tail := pages[len(pages)-1]
	newOffset, err := ix.nextOverflowOffsetLocked()
	if err != nil {
		return err
	}
	newID := bucketPageID(ix.rec.OverflowFileID, newOffset)
	if err := newBucketPage(ix.bm, ix.rec.OverflowFileID, newOffset); err != nil {
		return err
	}

	th, err := ix.bm.Get(tail)
	if err != nil {
		return err
	}
	var werr error
	th.WithWrite(func(p *storepage.Page) {
		slot := uint32(0)
		_, werr = p.WriteTupleData(encodeLink(newID), &slot, 0)
	})
	th.Release()
	if werr != nil {
		return werr
	}
	if err := ix.bm.Store(tail); err != nil {
		return err
	}

	nh, err := ix.bm.Get(newID)
	if err != nil {
		return err
	}
	nh.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(raw, nil, 0)
	})
	nh.Release()
	if werr != nil {
		return werr
	}
	return ix.bm.Store(newID)
}

func (ix *Index) nextOverflowOffsetLocked() (uint64, error) {
	n, err := ix.bm.PageCount(storepage.Data, ix.rec.OverflowFileID)
	if err != nil {
		return 0, err
	}
	return n, nil // PageCount already counts offset 0, so n is the next free offset
}

// splitLocked performs one linear-hashing split step. Caller must hold
// ix.mu.
func (ix *Index) splitLocked() error {
	num := uint64(1) << ix.rec.Level
	oldBucket := ix.rec.Next
	newBucket := oldBucket + num

	if err := newBucketPage(ix.bm, ix.fileID, newBucket); err != nil {
		return err
	}

	pages, err := ix.chainPages(oldBucket)
	if err != nil {
		return err
	}

	newMask := 2*num - 1
	for _, id := range pages {
		h, err := ix.bm.Get(id)
		if err != nil {
			return err
		}
		var toMove []struct {
			slot uint32
			item Item
		}
		h.WithRead(func(p *storepage.Page) {
			p.Iter(func(slot uint32, body []byte) bool {
				if slot == 0 {
					return true // skip the overflow link slot
				}
				it, derr := decodeItem(body)
				if derr != nil {
					return true
				}
				if (it.Hash.reduce()&newMask)+1 != oldBucket {
					toMove = append(toMove, struct {
						slot uint32
						item Item
					}{slot, it})
				}
				return true
			})
		})
		if len(toMove) > 0 {
			var werr error
			h.WithWrite(func(p *storepage.Page) {
				for _, m := range toMove {
					if werr = p.RemoveTuple(m.slot); werr != nil {
						return
					}
				}
			})
			h.Release()
			if werr != nil {
				return werr
			}
			if err := ix.bm.Store(id); err != nil {
				return err
			}
			for _, m := range toMove {
				if err := ix.insertIntoChainLocked(newBucket, m.item); err != nil {
					return err
				}
			}
		} else {
			h.Release()
		}
	}

	ix.rec.Next++
	if ix.rec.Next > num {
		ix.rec.Next = 1
		ix.rec.Level++
	}
	return ix.persistMetaLocked()
}

func (ix *Index) persistMetaLocked() error {
	id := metaPageID(ix.fileID)
	h, err := ix.bm.Get(id)
	if err != nil {
		return err
	}
	defer h.Release()

	raw := encodeMeta(ix.rec)
	// The meta record's encoded length is stable across next/level
	// updates (KeyDesc never changes), so this is a same-length in-place
	// overwrite of slot 0.
	slot := uint32(0)
	var werr error
	h.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(raw, &slot, 0)
	})
	if werr != nil {
		return werr
	}
	return ix.bm.Store(id)
}

// Get returns all items whose stored hash matches key's hash — a superset
// of the tuples actually inserted under that exact key, since hash
// collisions are possible; callers must verify the tuple if exactness
// matters.
func (ix *Index) Get(key []byte) ([]storepage.TuplePtr, error) {
	if err := ix.validateKeyLen(key); err != nil {
		return nil, err
	}
	h := hashKey(key)

	ix.mu.Lock()
	bucket := selectBucket(h, ix.rec.Next, ix.rec.Level)
	ix.mu.Unlock()

	pages, err := ix.chainPages(bucket)
	if err != nil {
		return nil, err
	}

	var out []storepage.TuplePtr
	for _, id := range pages {
		ph, err := ix.bm.Get(id)
		if err != nil {
			return nil, err
		}
		ph.WithRead(func(p *storepage.Page) {
			p.Iter(func(slot uint32, body []byte) bool {
				if slot == 0 {
					return true
				}
				it, derr := decodeItem(body)
				if derr != nil {
					return true
				}
				if it.Hash == h {
					out = append(out, it.Ptr)
				}
				return true
			})
		})
		ph.Release()
	}
	return out, nil
}

package relation

import (
	"encoding/binary"
	"sync"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/hashindex"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
	"github.com/SimonWaldherr/tinystore/internal/storage/walog"
)

// IndexInfo describes one hash index attached to a relation, persisted as
// an appended slot (slot 1, 2, ...) of the relation's page 0 — page 0's
// slot 0 always holds the TupleDesc, so growing the index list never needs
// to grow slot 0 in place (which would trigger SizeMismatch).
type IndexInfo struct {
	Name       string
	FileID     uint32
	KeyColumns []int
}

func (ix IndexInfo) encode() []byte {
	nameBytes := []byte(ix.Name)
	buf := make([]byte, 2+len(nameBytes)+4+2+2*len(ix.KeyColumns))
	pos := 0
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(nameBytes)))
	pos += 2
	copy(buf[pos:], nameBytes)
	pos += len(nameBytes)
	binary.LittleEndian.PutUint32(buf[pos:], ix.FileID)
	pos += 4
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(ix.KeyColumns)))
	pos += 2
	for _, c := range ix.KeyColumns {
		binary.LittleEndian.PutUint16(buf[pos:], uint16(c))
		pos += 2
	}
	return buf
}

func decodeIndexInfo(raw []byte) (IndexInfo, error) {
	if len(raw) < 2 {
		return IndexInfo{}, errs.CorruptedErr("index info truncated")
	}
	pos := 0
	nameLen := int(binary.LittleEndian.Uint16(raw[pos:]))
	pos += 2
	if len(raw) < pos+nameLen+6 {
		return IndexInfo{}, errs.CorruptedErr("index info truncated")
	}
	name := string(raw[pos : pos+nameLen])
	pos += nameLen
	fileID := binary.LittleEndian.Uint32(raw[pos:])
	pos += 4
	n := int(binary.LittleEndian.Uint16(raw[pos:]))
	pos += 2
	if len(raw) < pos+2*n {
		return IndexInfo{}, errs.CorruptedErr("index info truncated")
	}
	cols := make([]int, n)
	for i := 0; i < n; i++ {
		cols[i] = int(binary.LittleEndian.Uint16(raw[pos:]))
		pos += 2
	}
	return IndexInfo{Name: name, FileID: fileID, KeyColumns: cols}, nil
}

type indexBinding struct {
	info IndexInfo
	ix   *hashindex.Index
}

// Relation is the tuple-level handle over one file of slotted pages: page 0
// holds the TupleDesc (slot 0) and any attached IndexInfo records (slots
// 1..N); pages 1..pageCount hold tuples.
type Relation struct {
	RelID uint32
	Kind  storepage.Kind
	Desc  TupleDesc

	bm *bufmgr.Manager
	m  *meta.Meta
	lm *walog.Manager // nil for Temp/Mem-kind relations, which are not logged

	// metaLock gates file extension (exclusive, appending a new tail page)
	// against scan snapshotting (shared, reading the current page count),
	// per spec.md §5's relation-level lock ordering.
	metaLock  sync.RWMutex
	pageCount uint64

	indicesMu sync.RWMutex
	indices   []*indexBinding
}

func page0ID(relID uint32, kind storepage.Kind) storepage.ID {
	return storepage.ID{FileID: relID, Offset: 0, Kind: kind}
}

// New allocates a fresh relation ID, writes its descriptor to page 0, and
// creates the first (empty) data page. If cat is non-nil and kind is Data,
// the new relation is also registered in the table catalog under name.
func New(bm *bufmgr.Manager, m *meta.Meta, lm *walog.Manager, cat *Catalog, name string, desc TupleDesc, kind storepage.Kind) (*Relation, error) {
	relID, err := m.GetNewID()
	if err != nil {
		return nil, err
	}
	rel, err := bootstrap(bm, relID, kind, desc)
	if err != nil {
		return nil, err
	}
	rel.m = m
	rel.lm = lm

	if cat != nil && kind == storepage.Data {
		if err := cat.Put(name, relID); err != nil {
			return nil, err
		}
	}
	return rel, nil
}

// NewTemp allocates a temp-kind relation. Its ID is drawn from the buffer
// manager's separate temp-ID counter (bm.NewTempID), not meta's
// rel_id/lsn counter — temp relations are not write-ahead logged and are
// never registered in the table catalog, so they must not consume IDs
// that could collide with a durable relation's.
func NewTemp(bm *bufmgr.Manager, desc TupleDesc) (*Relation, error) {
	relID := bm.NewTempID()
	return bootstrap(bm, relID, storepage.Temp, desc)
}

// bootstrap writes desc into relID's page 0 (must not already hold a
// descriptor) and creates page 1, the first tuple page.
func bootstrap(bm *bufmgr.Manager, relID uint32, kind storepage.Kind, desc TupleDesc) (*Relation, error) {
	id := page0ID(relID, kind)
	h, err := bm.New(id)
	if err != nil {
		return nil, err
	}
	var werr error
	h.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(desc.Encode(), nil, 0)
	})
	h.Release()
	if werr != nil {
		return nil, werr
	}
	if err := bm.Store(id); err != nil {
		return nil, err
	}

	firstID := storepage.ID{FileID: relID, Offset: 1, Kind: kind}
	fh, err := bm.New(firstID)
	if err != nil {
		return nil, err
	}
	fh.Release()

	return &Relation{RelID: relID, Kind: kind, Desc: desc, bm: bm, pageCount: 1}, nil
}

// bootstrapInPlace writes desc into relID's already-existing, empty page 0
// (created earlier by meta.New's table-catalog bootstrap) and creates page
// 1. Used only to finish bootstrapping the table catalog itself, whose
// page 0 is created before the relation package is ever invoked.
func bootstrapInPlace(bm *bufmgr.Manager, relID uint32, kind storepage.Kind, desc TupleDesc) (*Relation, error) {
	id := page0ID(relID, kind)
	h, err := bm.Get(id)
	if err != nil {
		return nil, err
	}
	var werr error
	h.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(desc.Encode(), nil, 0)
	})
	h.Release()
	if werr != nil {
		return nil, werr
	}
	if err := bm.Store(id); err != nil {
		return nil, err
	}

	firstID := storepage.ID{FileID: relID, Offset: 1, Kind: kind}
	fh, err := bm.New(firstID)
	if err != nil {
		return nil, err
	}
	fh.Release()

	return &Relation{RelID: relID, Kind: kind, Desc: desc, bm: bm, pageCount: 1}, nil
}

// Load reopens an existing relation: page 0's slot 0 descriptor, its
// attached indices (slots 1..N), and the current tuple page count.
func Load(bm *bufmgr.Manager, m *meta.Meta, lm *walog.Manager, relID uint32, kind storepage.Kind) (*Relation, error) {
	id := page0ID(relID, kind)
	h, err := bm.Get(id)
	if err != nil {
		return nil, err
	}

	var desc TupleDesc
	var infos []IndexInfo
	var rerr error
	h.WithRead(func(p *storepage.Page) {
		raw, gerr := p.GetTupleData(id, 0)
		if gerr != nil {
			rerr = gerr
			return
		}
		desc, rerr = DecodeTupleDesc(raw)
		if rerr != nil {
			return
		}
		p.Iter(func(slot uint32, body []byte) bool {
			if slot == 0 {
				return true
			}
			info, derr := decodeIndexInfo(body)
			if derr != nil {
				return true
			}
			infos = append(infos, info)
			return true
		})
	})
	h.Release()
	if rerr != nil {
		return nil, rerr
	}

	count, err := bm.PageCount(kind, relID)
	if err != nil {
		return nil, err
	}
	pageCount := uint64(0)
	if count > 0 {
		pageCount = count - 1
	}

	rel := &Relation{RelID: relID, Kind: kind, Desc: desc, bm: bm, m: m, lm: lm, pageCount: pageCount}
	for _, info := range infos {
		ix, err := hashindex.Load(bm, m, info.FileID)
		if err != nil {
			return nil, err
		}
		rel.indices = append(rel.indices, &indexBinding{info: info, ix: ix})
	}
	return rel, nil
}

// WriteTuples encodes and appends each row in order, extending the
// relation with new tail pages as needed. For Data-kind relations, each
// insertion is first journaled (InsertTuple) and then applied to the data
// page, and fanned out to every attached index.
func (r *Relation) WriteTuples(rows []Row) ([]storepage.TuplePtr, error) {
	r.metaLock.Lock()
	defer r.metaLock.Unlock()

	ptrs := make([]storepage.TuplePtr, 0, len(rows))
	for _, row := range rows {
		body, err := EncodeRow(r.Desc, row)
		if err != nil {
			return nil, err
		}
		ptr, err := r.appendOneLocked(body)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, ptr)

		if r.Kind == storepage.Data {
			if err := r.fanOutIndices(row, ptr); err != nil {
				return nil, err
			}
		}
	}
	return ptrs, nil
}

// appendOneLocked writes body into the current tail page, rolling onto a
// freshly allocated tail page if it does not fit. Caller must hold
// r.metaLock.
func (r *Relation) appendOneLocked(body []byte) (storepage.TuplePtr, error) {
	for {
		targetID := storepage.ID{FileID: r.RelID, Offset: r.pageCount, Kind: r.Kind}
		h, err := r.bm.Get(targetID)
		if err != nil {
			return storepage.TuplePtr{}, err
		}

		fits := false
		h.WithRead(func(p *storepage.Page) { fits = p.FreeSpace() >= len(body)+storepage.SlotSize })
		if !fits {
			h.Release()
			nextID := storepage.ID{FileID: r.RelID, Offset: r.pageCount + 1, Kind: r.Kind}
			nh, err := r.bm.New(nextID)
			if err != nil {
				return storepage.TuplePtr{}, err
			}
			nh.Release()
			r.pageCount++
			continue
		}

		var lsn uint32
		if r.Kind == storepage.Data && r.lm != nil {
			logBody := walog.EncodeInsertTupleBody(targetID, body)
			written, err := r.lm.WriteEntries([]walog.PendingEntry{{Target: targetID, Op: walog.InsertTuple, Body: logBody}})
			if err != nil {
				h.Release()
				return storepage.TuplePtr{}, err
			}
			lsn = written[0].LSN
		}

		var ptr storepage.TuplePtr
		var werr error
		h.WithWrite(func(p *storepage.Page) {
			ptr, werr = p.WriteTupleData(body, nil, lsn)
		})
		h.Release()
		if werr != nil {
			return storepage.TuplePtr{}, werr
		}
		if err := r.bm.Store(targetID); err != nil {
			return storepage.TuplePtr{}, err
		}
		return ptr, nil
	}
}

func (r *Relation) fanOutIndices(row Row, ptr storepage.TuplePtr) error {
	r.indicesMu.RLock()
	defer r.indicesMu.RUnlock()
	for _, b := range r.indices {
		key, err := KeyBytes(r.Desc, row, b.info.KeyColumns)
		if err != nil {
			return err
		}
		if err := b.ix.Insert(key, ptr); err != nil {
			return err
		}
	}
	return nil
}

// Scan invokes fn with every live tuple, decoded per the relation's
// descriptor, in page/slot order. A snapshot of the page count is taken
// under a shared lock before scanning, per spec.md §9: concurrent inserts
// during a scan may or may not be observed, but the scan never sees pages
// beyond what existed at its start.
func (r *Relation) Scan(fn func(storepage.TuplePtr, Row) bool) error {
	r.metaLock.RLock()
	n := r.pageCount
	r.metaLock.RUnlock()

	return r.bm.SequentialScan(r.Kind, r.RelID, 1, n+1, func(p *storepage.Page) bool {
		cont := true
		p.Iter(func(slot uint32, body []byte) bool {
			row, err := DecodeRow(r.Desc, body)
			if err != nil {
				return true
			}
			if !fn(storepage.TuplePtr{Page: p.ID(), Slot: slot}, row) {
				cont = false
				return false
			}
			return true
		})
		return cont
	})
}

// Get fetches one tuple by its pointer.
func (r *Relation) Get(ptr storepage.TuplePtr) (Row, error) {
	h, err := r.bm.Get(ptr.Page)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var row Row
	var rerr error
	h.WithRead(func(p *storepage.Page) {
		raw, gerr := p.GetTupleData(ptr.Page, ptr.Slot)
		if gerr != nil {
			rerr = gerr
			return
		}
		row, rerr = DecodeRow(r.Desc, raw)
	})
	return row, rerr
}

// Delete tombstones the tuple at ptr. Index entries are left in place (a
// hash-index Get returns a superset of live tuples; callers must verify).
func (r *Relation) Delete(ptr storepage.TuplePtr) error {
	h, err := r.bm.Get(ptr.Page)
	if err != nil {
		return err
	}
	defer h.Release()

	var werr error
	h.WithWrite(func(p *storepage.Page) {
		werr = p.RemoveTuple(ptr.Slot)
	})
	if werr != nil {
		return werr
	}
	return r.bm.Store(ptr.Page)
}

// NewIndex creates a hash index on the given (0-based) column indices,
// persists its IndexInfo as a newly appended slot of page 0, backfills it
// over the relation's existing tuples, and attaches it for future inserts.
// Only Data-kind relations may carry indices.
func (r *Relation) NewIndex(name string, keyColumns []int) error {
	if r.Kind != storepage.Data {
		return errs.InternalErr("indices may only be attached to data relations")
	}
	keyDesc, err := ProjectDesc(r.Desc, keyColumns)
	if err != nil {
		return err
	}
	typeCodes := make([]hashindex.TypeCode, len(keyDesc))
	for i, c := range keyDesc {
		typeCodes[i] = hashindex.TypeCode(c.Type)
	}

	fileID, err := r.m.GetNewID()
	if err != nil {
		return err
	}
	ix, err := hashindex.New(r.bm, r.m, fileID, r.RelID, typeCodes)
	if err != nil {
		return err
	}
	info := IndexInfo{Name: name, FileID: fileID, KeyColumns: keyColumns}

	id := page0ID(r.RelID, r.Kind)
	h, err := r.bm.Get(id)
	if err != nil {
		return err
	}
	var werr error
	h.WithWrite(func(p *storepage.Page) {
		_, werr = p.WriteTupleData(info.encode(), nil, 0)
	})
	h.Release()
	if werr != nil {
		return werr
	}
	if err := r.bm.Store(id); err != nil {
		return err
	}

	binding := &indexBinding{info: info, ix: ix}
	if err := r.Scan(func(ptr storepage.TuplePtr, row Row) bool {
		key, kerr := KeyBytes(r.Desc, row, keyColumns)
		if kerr != nil {
			werr = kerr
			return false
		}
		if ierr := ix.Insert(key, ptr); ierr != nil {
			werr = ierr
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}

	r.indicesMu.Lock()
	r.indices = append(r.indices, binding)
	r.indicesMu.Unlock()
	return nil
}

// IndexFileIDs returns the primary and overflow file IDs of every index
// attached to this relation, for reachability diagnostics.
func (r *Relation) IndexFileIDs() []uint32 {
	r.indicesMu.RLock()
	defer r.indicesMu.RUnlock()
	ids := make([]uint32, 0, 2*len(r.indices))
	for _, b := range r.indices {
		ids = append(ids, b.info.FileID, b.ix.OverflowFileID())
	}
	return ids
}

// IndexByName returns the attached index registered under name, if any.
func (r *Relation) IndexByName(name string) (*hashindex.Index, bool) {
	r.indicesMu.RLock()
	defer r.indicesMu.RUnlock()
	for _, b := range r.indices {
		if b.info.Name == name {
			return b.ix, true
		}
	}
	return nil, false
}

// CatalogEntry is one row of the table catalog: a relation's name and ID.
type CatalogEntry struct {
	Name  string
	RelID uint32
}

var catalogDesc = TupleDesc{
	{Name: "name", Type: VarChar},
	{Name: "rel_id", Type: U32},
}

// Catalog is the table-catalog relation (rel_id = meta.TableRelID),
// mapping relation names to IDs.
type Catalog struct {
	rel *Relation
}

// BootstrapCatalog finishes initializing the table catalog for a
// brand-new database: meta.New already created the TableRelID file's
// (empty) page 0, so this writes its descriptor and first data page.
func BootstrapCatalog(bm *bufmgr.Manager, m *meta.Meta, lm *walog.Manager) (*Catalog, error) {
	rel, err := bootstrapInPlace(bm, meta.TableRelID, storepage.Data, catalogDesc)
	if err != nil {
		return nil, err
	}
	rel.m = m
	rel.lm = lm
	return &Catalog{rel: rel}, nil
}

// LoadCatalog reopens the table catalog of an existing database.
func LoadCatalog(bm *bufmgr.Manager, m *meta.Meta, lm *walog.Manager) (*Catalog, error) {
	rel, err := Load(bm, m, lm, meta.TableRelID, storepage.Data)
	if err != nil {
		return nil, err
	}
	return &Catalog{rel: rel}, nil
}

// Put registers name -> relID in the catalog.
func (c *Catalog) Put(name string, relID uint32) error {
	row := Row{{Type: VarChar, Str: name}, {Type: U32, U32: relID}}
	_, err := c.rel.WriteTuples([]Row{row})
	return err
}

// Lookup returns the relation ID registered under name, if any.
func (c *Catalog) Lookup(name string) (uint32, bool, error) {
	var relID uint32
	found := false
	var scanErr error
	err := c.rel.Scan(func(_ storepage.TuplePtr, row Row) bool {
		if row[0].Str == name {
			relID = row[1].U32
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return 0, false, err
	}
	return relID, found, scanErr
}

// List returns every (name, rel_id) pair currently in the catalog.
func (c *Catalog) List() ([]CatalogEntry, error) {
	var out []CatalogEntry
	err := c.rel.Scan(func(_ storepage.TuplePtr, row Row) bool {
		out = append(out, CatalogEntry{Name: row[0].Str, RelID: row[1].U32})
		return true
	})
	return out, err
}

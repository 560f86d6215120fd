// Package meta implements the process-wide metadata page: database state,
// and the monotonic next_id/next_lsn counters every other component draws
// from. Grounded in original_source/src/meta.rs (slot layout: state,
// next_id, next_lsn; default_id_counter seeding the first user ID past the
// three reserved relation IDs) and the donor's superblock.go for the
// "hold the page locked for the process lifetime" idiom.
package meta

import (
	"encoding/binary"
	"sync"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

// Reserved relation IDs (spec.md §6).
const (
	MetaRelID  uint32 = 0
	TableRelID uint32 = 1
	LogRelID   uint32 = 2
	// FirstUserID is the first non-reserved relation ID.
	FirstUserID uint32 = 3
)

const (
	slotState   = 0
	slotNextID  = 1
	slotNextLSN = 2
)

var stateOK = []byte{1}

// Meta owns the single meta page (file 0, offset 0) and its three slots.
type Meta struct {
	mu  sync.Mutex
	bm  *bufmgr.Manager
	h   *bufmgr.Handle
	id  storepage.ID
}

func metaPageID() storepage.ID {
	return storepage.ID{FileID: MetaRelID, Offset: 0, Kind: storepage.Data}
}

// New creates the meta page (and the well-known table-catalog file,
// rel_id=1) for a brand-new database, seeding next_id at FirstUserID and
// next_lsn at 1.
func New(bm *bufmgr.Manager) (*Meta, error) {
	id := metaPageID()
	h, err := bm.New(id)
	if err != nil {
		return nil, err
	}
	m := &Meta{bm: bm, h: h, id: id}

	var idBuf, lsnBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], FirstUserID)
	binary.LittleEndian.PutUint32(lsnBuf[:], 1)

	var werr error
	h.WithWrite(func(p *storepage.Page) {
		if _, err := p.WriteTupleData(stateOK, nil, 0); err != nil {
			werr = err
			return
		}
		if _, err := p.WriteTupleData(idBuf[:], nil, 0); err != nil {
			werr = err
			return
		}
		if _, err := p.WriteTupleData(lsnBuf[:], nil, 0); err != nil {
			werr = err
			return
		}
	})
	if werr != nil {
		return nil, werr
	}
	if err := bm.Store(id); err != nil {
		return nil, err
	}

	// Create the table-catalog file (rel_id=1), page 0 reserved for a
	// future descriptor write by the relation package.
	catID := storepage.ID{FileID: TableRelID, Offset: 0, Kind: storepage.Data}
	ch, err := bm.New(catID)
	if err != nil {
		return nil, err
	}
	ch.Release()

	return m, nil
}

// Load opens the meta page of an already-initialized database.
func Load(bm *bufmgr.Manager) (*Meta, error) {
	id := metaPageID()
	h, err := bm.Get(id)
	if err != nil {
		return nil, err
	}
	return &Meta{bm: bm, h: h, id: id}, nil
}

// GetNewID atomically reads and increments next_id, returning the ID that
// was reserved.
func (m *Meta) GetNewID() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incCounter(slotNextID)
}

// GetNewLSN atomically reads and increments next_lsn, returning the LSN
// that was reserved.
func (m *Meta) GetNewLSN() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incCounter(slotNextLSN)
}

func (m *Meta) incCounter(slot uint32) (uint32, error) {
	var cur uint32
	var rerr error
	m.h.WithRead(func(p *storepage.Page) {
		body, err := p.GetTupleData(m.id, slot)
		if err != nil {
			rerr = err
			return
		}
		cur = binary.LittleEndian.Uint32(body)
	})
	if rerr != nil {
		return 0, rerr
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], cur+1)
	s := slot
	var werr error
	m.h.WithWrite(func(p *storepage.Page) {
		if _, err := p.WriteTupleData(buf[:], &s, 0); err != nil {
			werr = err
		}
	})
	if werr != nil {
		return 0, werr
	}
	if err := m.bm.Store(m.id); err != nil {
		return 0, err
	}
	return cur, nil
}

// State returns the database's state marker.
func (m *Meta) State() ([]byte, error) {
	var out []byte
	var rerr error
	m.h.WithRead(func(p *storepage.Page) {
		body, err := p.GetTupleData(m.id, slotState)
		if err != nil {
			rerr = err
			return
		}
		out = append([]byte(nil), body...)
	})
	return out, rerr
}

// SetState overwrites the state marker; the new value must be the same
// length as the existing one (in-place slot write).
func (m *Meta) SetState(state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := uint32(slotState)
	var werr error
	m.h.WithWrite(func(p *storepage.Page) {
		if _, err := p.WriteTupleData(state, &s, 0); err != nil {
			werr = err
		}
	})
	if werr != nil {
		return werr
	}
	return m.bm.Store(m.id)
}

// Close releases the meta page handle.
func (m *Meta) Close() {
	m.h.Release()
}

// IsReservedRelID reports whether id is one of META_REL_ID, TABLE_REL_ID, or
// LOG_REL_ID.
func IsReservedRelID(id uint32) bool {
	return id == MetaRelID || id == TableRelID || id == LogRelID
}

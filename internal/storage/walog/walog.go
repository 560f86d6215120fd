package walog

import (
	"sync"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/storelog"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

// CheckpointPtr points to a specific log entry holding a checkpoint
// record.
type CheckpointPtr = storepage.TuplePtr

// PendingEntry is what a caller (the relation layer) asks the log manager
// to append; the manager assigns the LSN.
type PendingEntry struct {
	Target storepage.ID
	Op     OpType
	Body   []byte
}

// Written describes the result of appending one entry.
type Written struct {
	LSN uint32
	Ptr storepage.TuplePtr
}

// Manager is the log manager: append-only journal over file_id =
// meta.LogRelID, plus checkpoint bookkeeping.
type Manager struct {
	bm   *bufmgr.Manager
	meta *meta.Meta
	log  *storelog.Logger

	// mu is the log manager's own exclusive lock, serializing
	// write_entries and checkpoint creation (spec.md §5).
	mu sync.Mutex

	tail uint64 // offset of the current tail page in the log file

	dirty             bool // true if entries were written since the last checkpoint we created
	lastCheckpointPtr *CheckpointPtr
}

func logFileID() uint32 { return meta.LogRelID }

// New creates the log file (offset 0 bootstrap page + offset 1 first tail
// page) for a brand-new database.
func New(bm *bufmgr.Manager, m *meta.Meta) (*Manager, error) {
	boot := storepage.ID{FileID: logFileID(), Offset: 0, Kind: storepage.Data}
	h, err := bm.New(boot)
	if err != nil {
		return nil, err
	}
	h.Release()
	if err := bm.Store(boot); err != nil {
		return nil, err
	}

	tailID := storepage.ID{FileID: logFileID(), Offset: 1, Kind: storepage.Data}
	th, err := bm.New(tailID)
	if err != nil {
		return nil, err
	}
	th.Release()

	return &Manager{bm: bm, meta: m, log: storelog.Default("walog"), tail: 1, dirty: true}, nil
}

// Load reopens the log manager of an existing database, determining the
// current tail offset from the log file's size, and seeds checkpoint
// state from the last confirmed checkpoint on disk so CreateCheckpoint
// stays idempotent across a restart: spec.md §5 requires that, "if no log
// entries exist after the last confirmed checkpoint," create_checkpoint
// return the existing pointer rather than write a duplicate, and that must
// hold on the very first call after reopening the database, not only
// within one Manager's lifetime.
func Load(bm *bufmgr.Manager, m *meta.Meta) (*Manager, error) {
	count, err := bm.PageCount(storepage.Data, logFileID())
	if err != nil {
		return nil, err
	}
	if count < 2 {
		return nil, errs.CorruptedErr("log file shorter than bootstrap+tail")
	}
	lm := &Manager{bm: bm, meta: m, log: storelog.Default("walog"), tail: count - 1, dirty: true}

	ckptPtr, err := lm.LastCheckpoint()
	if err != nil {
		return nil, err
	}
	if ckptPtr.Page.IsZero() {
		// No confirmed checkpoint yet; leave dirty = true so the first
		// CreateCheckpoint call writes one, matching New's behavior.
		return lm, nil
	}
	entry, err := lm.EntryAt(ckptPtr)
	if err != nil {
		return nil, err
	}
	baseLSN := entry.Header.LSN

	trailing := false
	if err := lm.ScanAll(func(e Entry) bool {
		if e.Header.LSN > baseLSN {
			trailing = true
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}

	lm.lastCheckpointPtr = &ckptPtr
	lm.dirty = trailing
	return lm, nil
}

func (lm *Manager) tailID() storepage.ID {
	return storepage.ID{FileID: logFileID(), Offset: lm.tail, Kind: storepage.Data}
}

// WriteEntries appends entries, in order, under the log manager's
// exclusive lock. Each entry is assigned a fresh, monotonic LSN drawn from
// the shared Meta counter. Entries that do not fit in the current tail
// page roll onto a freshly allocated next page.
func (lm *Manager) WriteEntries(entries []PendingEntry) ([]Written, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]Written, 0, len(entries))
	touched := make([]storepage.ID, 0, 2)
	touchedSet := make(map[storepage.ID]bool)

	for _, pe := range entries {
		w, id, err := lm.appendLocked(pe)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
		if !touchedSet[id] {
			touchedSet[id] = true
			touched = append(touched, id)
		}
		if pe.Op != Checkpoint && pe.Op != PendingCheckpoint {
			lm.dirty = true
		}
	}

	for _, id := range touched {
		if err := lm.bm.Store(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// appendLocked writes one entry, rolling to a new tail page on NoSpace.
// Caller must hold lm.mu.
func (lm *Manager) appendLocked(pe PendingEntry) (Written, storepage.ID, error) {
	lsn, err := lm.meta.GetNewLSN()
	if err != nil {
		return Written{}, storepage.ID{}, err
	}
	raw := Encode(Entry{Header: Header{LSN: lsn, Target: pe.Target, Op: pe.Op}, Body: pe.Body})

	for {
		id := lm.tailID()
		h, err := lm.bm.Get(id)
		if err != nil {
			return Written{}, storepage.ID{}, err
		}
		var ptr storepage.TuplePtr
		var werr error
		h.WithWrite(func(p *storepage.Page) {
			ptr, werr = p.WriteTupleData(raw, nil, lsn)
		})
		h.Release()
		if werr == nil {
			return Written{LSN: lsn, Ptr: ptr}, id, nil
		}
		if !errs.Is(werr, errs.NoSpace) {
			return Written{}, storepage.ID{}, werr
		}

		// Roll to a new tail page.
		nextID := storepage.ID{FileID: logFileID(), Offset: lm.tail + 1, Kind: storepage.Data}
		nh, err := lm.bm.New(nextID)
		if err != nil {
			return Written{}, storepage.ID{}, err
		}
		nh.Release()
		lm.tail++
	}
}

// CreateCheckpoint returns the pointer to a PendingCheckpoint entry. If no
// entries have been written since the last checkpoint this Manager
// created (or, for a Manager from Load, since the last confirmed
// checkpoint on disk), the existing checkpoint's pointer is returned
// instead of writing a duplicate.
func (lm *Manager) CreateCheckpoint() (CheckpointPtr, error) {
	lm.mu.Lock()
	if !lm.dirty && lm.lastCheckpointPtr != nil {
		ptr := *lm.lastCheckpointPtr
		lm.mu.Unlock()
		return ptr, nil
	}
	lm.mu.Unlock()

	written, err := lm.WriteEntries([]PendingEntry{{Op: PendingCheckpoint}})
	if err != nil {
		return CheckpointPtr{}, err
	}

	lm.mu.Lock()
	ptr := written[0].Ptr
	lm.lastCheckpointPtr = &ptr
	lm.dirty = false
	lm.mu.Unlock()
	return ptr, nil
}

// ConfirmCheckpoint promotes the PendingCheckpoint entry at ptr to
// Checkpoint, rewriting the slot in place (same byte length). An entry that
// is already a Checkpoint (CreateCheckpoint hands back a confirmed pointer
// when nothing was logged since) is left as it is.
func (lm *Manager) ConfirmCheckpoint(ptr CheckpointPtr) error {
	h, err := lm.bm.Get(ptr.Page)
	if err != nil {
		return err
	}
	defer h.Release()

	var werr error
	h.WithWrite(func(p *storepage.Page) {
		raw, gerr := p.GetTupleData(ptr.Page, ptr.Slot)
		if gerr != nil {
			werr = gerr
			return
		}
		entry, derr := Decode(raw)
		if derr != nil {
			werr = derr
			return
		}
		if entry.Header.Op == Checkpoint {
			return
		}
		if entry.Header.Op != PendingCheckpoint {
			werr = errs.InternalErr("confirm_checkpoint called on a non-pending entry")
			return
		}
		entry.Header.Op = Checkpoint
		newRaw := Encode(entry)
		slot := ptr.Slot
		if _, werr = p.WriteTupleData(newRaw, &slot, 0); werr != nil {
			return
		}
	})
	if werr != nil {
		return werr
	}
	return lm.bm.Store(ptr.Page)
}

// LastCheckpoint scans the log file to find the highest-LSN confirmed
// checkpoint entry. Returns the zero CheckpointPtr if none exists.
func (lm *Manager) LastCheckpoint() (CheckpointPtr, error) {
	lm.mu.Lock()
	tail := lm.tail
	lm.mu.Unlock()

	var best CheckpointPtr
	var bestLSN uint32
	found := false

	err := lm.bm.SequentialScan(storepage.Data, logFileID(), 1, tail+1, func(p *storepage.Page) bool {
		p.Iter(func(slot uint32, body []byte) bool {
			entry, derr := Decode(body)
			if derr != nil {
				return true
			}
			if entry.Header.Op == Checkpoint && (!found || entry.Header.LSN > bestLSN) {
				best = storepage.TuplePtr{Page: p.ID(), Slot: slot}
				bestLSN = entry.Header.LSN
				found = true
			}
			return true
		})
		return true
	})
	if err != nil {
		return CheckpointPtr{}, err
	}
	return best, nil
}

// EntryAt reads and decodes the entry at ptr.
func (lm *Manager) EntryAt(ptr storepage.TuplePtr) (Entry, error) {
	h, err := lm.bm.Get(ptr.Page)
	if err != nil {
		return Entry{}, err
	}
	defer h.Release()

	var entry Entry
	var rerr error
	h.WithRead(func(p *storepage.Page) {
		raw, gerr := p.GetTupleData(ptr.Page, ptr.Slot)
		if gerr != nil {
			rerr = gerr
			return
		}
		entry, rerr = Decode(raw)
	})
	return entry, rerr
}

// Replay redoes every InsertTuple entry with an LSN past the last
// confirmed checkpoint, skipping any whose target page already carries an
// LSN at or beyond the entry's (meaning it was flushed before the crash).
// Per spec.md §5: "replay log entries with LSN greater than the last
// confirmed checkpoint's LSN; an entry is skipped if its target page
// already has lsn >= entry.lsn on disk."
func (lm *Manager) Replay(bm *bufmgr.Manager) error {
	ckptPtr, err := lm.LastCheckpoint()
	if err != nil {
		return err
	}
	var baseLSN uint32
	if !ckptPtr.Page.IsZero() {
		entry, err := lm.EntryAt(ckptPtr)
		if err != nil {
			return err
		}
		baseLSN = entry.Header.LSN
	}

	return lm.ScanAll(func(e Entry) bool {
		if e.Header.LSN <= baseLSN || e.Header.Op != InsertTuple {
			return true
		}
		target, tupleBytes, derr := DecodeInsertTupleBody(e.Body)
		if derr != nil {
			lm.log.Errorf("replay: skipping malformed entry at lsn %d: %v", e.Header.LSN, derr)
			return true
		}
		h, gerr := bm.Get(target)
		if gerr != nil {
			lm.log.Errorf("replay: cannot load target page %+v: %v", target, gerr)
			return true
		}
		apply := false
		h.WithRead(func(p *storepage.Page) { apply = p.LSN() < e.Header.LSN })
		if apply {
			h.WithWrite(func(p *storepage.Page) {
				if _, werr := p.WriteTupleData(tupleBytes, nil, e.Header.LSN); werr != nil {
					lm.log.Errorf("replay: cannot reapply entry at lsn %d: %v", e.Header.LSN, werr)
				}
			})
			_ = bm.Store(target)
		}
		h.Release()
		return true
	})
}

// ScanAll invokes fn with every log entry currently on disk, in page/slot
// order, for recovery replay. Returning false from fn stops the scan.
func (lm *Manager) ScanAll(fn func(Entry) bool) error {
	lm.mu.Lock()
	tail := lm.tail
	lm.mu.Unlock()

	stop := false
	return lm.bm.SequentialScan(storepage.Data, logFileID(), 1, tail+1, func(p *storepage.Page) bool {
		if stop {
			return false
		}
		cont := true
		p.Iter(func(_ uint32, body []byte) bool {
			entry, derr := Decode(body)
			if derr != nil {
				return true
			}
			if !fn(entry) {
				cont = false
				stop = true
				return false
			}
			return true
		})
		return cont
	})
}

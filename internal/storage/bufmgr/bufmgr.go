// Package bufmgr implements the buffer manager: a bounded in-memory working
// set of pages backed by per-relation/index files, with clock eviction,
// sequential scanning, and persistence. Grounded in the donor's
// internal/storage/pager/pager.go (PageFrame/PageBufferPool/Pager), but the
// eviction policy is replaced: the donor uses a doubly-linked LRU list,
// while this module implements the clock (ref-bit) policy spec.md
// requires, which in turn is grounded in original_source/src/storage/
// buf_mgr.rs's evict_queue/BufInfo design (FIFO queue, non-blocking
// per-page try-lock, ref_bit/ref_count check before eviction).
package bufmgr

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/idgen"
	"github.com/SimonWaldherr/tinystore/internal/storage/storelog"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

// frame is the cached, in-memory state for one page.
type frame struct {
	page *storepage.Page

	rw sync.RWMutex // guards page byte access (read/write acquisition)

	infoMu   sync.Mutex // guards refBit/dirty; must be non-blocking on eviction
	refBit   bool
	dirty    bool
	refCount int32 // outstanding handles beyond the cache's own reference
}

// Handle exposes read/write acquisition over one cached page. Callers must
// call Release when done.
type Handle struct {
	mgr   *Manager
	fr    *frame
	id    storepage.ID
	alive atomic.Bool
}

// Page returns the underlying page for inspection outside a lock (callers
// wanting a consistent read/write should use WithRead/WithWrite).
func (h *Handle) Page() *storepage.Page { return h.fr.page }

// WithRead executes fn while holding the page's shared read lock.
func (h *Handle) WithRead(fn func(p *storepage.Page)) {
	h.fr.rw.RLock()
	defer h.fr.rw.RUnlock()
	fn(h.fr.page)
}

// WithWrite executes fn while holding the page's exclusive write lock, then
// marks the page dirty.
func (h *Handle) WithWrite(fn func(p *storepage.Page)) {
	h.fr.rw.Lock()
	defer h.fr.rw.Unlock()
	fn(h.fr.page)
	h.fr.infoMu.Lock()
	h.fr.dirty = true
	h.fr.infoMu.Unlock()
}

// Release returns the handle to the buffer manager's bookkeeping. Only the
// first call per handle has an effect; repeated calls are no-ops.
func (h *Handle) Release() {
	if h.alive.CompareAndSwap(true, false) {
		atomic.AddInt32(&h.fr.refCount, -1)
	}
}

type fileKey struct {
	kind   storepage.Kind
	fileID uint32
}

// Manager is the buffer manager: bounded page cache, clock eviction,
// per-relation file I/O.
type Manager struct {
	dataDir  string
	capacity int

	cacheMu sync.RWMutex
	cache   map[storepage.ID]*frame

	queueMu sync.Mutex
	queue   []storepage.ID // FIFO eviction order

	filesMu sync.Mutex
	files   map[fileKey]*os.File

	memCounter  atomic.Uint32
	tempCounter atomic.Uint32

	admMu sync.Mutex // admission mutex: serializes insert/evict

	log *storelog.Logger
}

// Config configures a Manager.
type Config struct {
	DataDir  string
	Capacity int // max cached pages; 0 means DefaultCapacity
}

// DefaultCapacity bounds the working set absent an explicit override.
const DefaultCapacity = 256

// New constructs a Manager rooted at cfg.DataDir. The directory (and its
// temp/ subdirectory) are created if absent.
func New(cfg Config) (*Manager, error) {
	cap := cfg.Capacity
	if cap <= 0 {
		cap = DefaultCapacity
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.IoErr("create data dir", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "temp"), 0o755); err != nil {
		return nil, errs.IoErr("create temp dir", err)
	}
	m := &Manager{
		dataDir:  cfg.DataDir,
		capacity: cap,
		cache:    make(map[storepage.ID]*frame),
		files:    make(map[fileKey]*os.File),
		log:      storelog.Default("bufmgr"),
	}
	return m, nil
}

func (m *Manager) pathFor(kind storepage.Kind, fileID uint32) string {
	name := filepath.Join(m.dataDir, idFileName(fileID))
	if kind == storepage.Temp {
		name = filepath.Join(m.dataDir, "temp", idFileName(fileID))
	}
	return name
}

func idFileName(fileID uint32) string {
	return fileNameFor(fileID)
}

func fileNameFor(fileID uint32) string {
	return itoa(fileID) + ".dat"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (m *Manager) fileFor(kind storepage.Kind, fileID uint32, create bool) (*os.File, error) {
	key := fileKey{kind, fileID}
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	if f, ok := m.files[key]; ok {
		return f, nil
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(m.pathFor(kind, fileID), flags, 0o644)
	if err != nil {
		return nil, errs.IoErr("open page file", err)
	}
	m.files[key] = f
	return f, nil
}

// PageCount returns the number of pages currently in the file backing
// kind/fileID (0 if the file does not exist yet).
func (m *Manager) PageCount(kind storepage.Kind, fileID uint32) (uint64, error) {
	fi, err := os.Stat(m.pathFor(kind, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.IoErr("stat page file", err)
	}
	return uint64(fi.Size()) / storepage.Size, nil
}

// ── New: create a page ──────────────────────────────────────────────────

// New creates a new page identified by id.
//
// For Data/Temp kinds: at offset 0 the backing file must not already
// exist; at offset > 0 the file length must equal offset*PageSize exactly
// (strict append, no holes). For Mem, a zeroed page is inserted directly
// into the cache with no backing file.
func (m *Manager) New(id storepage.ID) (*Handle, error) {
	if id.Kind == storepage.Mem {
		return m.newMem(id)
	}
	return m.newFileBacked(id)
}

func (m *Manager) newMem(id storepage.ID) (*Handle, error) {
	m.admMu.Lock()
	defer m.admMu.Unlock()

	if err := m.evictIfNeededLocked(); err != nil {
		return nil, err
	}
	pg := storepage.New(id)
	fr := &frame{page: pg, refBit: false, dirty: false}
	m.insertLocked(id, fr)
	return m.refHandle(id, fr), nil
}

func (m *Manager) newFileBacked(id storepage.ID) (*Handle, error) {
	path := m.pathFor(id.Kind, id.FileID)
	pg := storepage.New(id)

	if id.Offset == 0 {
		if _, err := os.Stat(path); err == nil {
			return nil, errs.AlreadyExistsErr("file already exists: " + path)
		} else if !os.IsNotExist(err) {
			return nil, errs.IoErr("stat page file", err)
		}
		if err := m.createViaStaging(path, pg.Bytes()); err != nil {
			return nil, err
		}
	} else {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errs.IoErr("stat page file", err)
		}
		want := int64(id.Offset) * storepage.Size
		if fi.Size() != want {
			return nil, errs.IoErr("non-contiguous page allocation", os.ErrInvalid)
		}
	}

	f, err := m.fileFor(id.Kind, id.FileID, true)
	if err != nil {
		return nil, err
	}

	m.admMu.Lock()
	defer m.admMu.Unlock()

	if err := m.evictIfNeededLocked(); err != nil {
		return nil, err
	}

	if id.Offset != 0 {
		if _, err := f.WriteAt(pg.Bytes(), int64(id.Offset)*storepage.Size); err != nil {
			return nil, errs.IoErr("extend page file", err)
		}
	}

	fr := &frame{page: pg, refBit: false, dirty: false}
	m.insertLocked(id, fr)
	return m.refHandle(id, fr), nil
}

// createViaStaging writes data to a freshly named staging file in the same
// directory as path, then atomically renames it into place — so a crash
// between "file created" and "first page written" can never leave a
// zero-length or partially written file 0 behind.
func (m *Manager) createViaStaging(path string, data []byte) error {
	staging := filepath.Join(filepath.Dir(path), idgen.NewStagingName())
	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errs.IoErr("create staging file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(staging)
		return errs.IoErr("write staging file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return errs.IoErr("close staging file", err)
	}
	if err := os.Rename(staging, path); err != nil {
		os.Remove(staging)
		return errs.IoErr("rename staging file into place", err)
	}
	return nil
}

// ── Get: fetch or load a page ───────────────────────────────────────────

// Get returns a handle to id, reading it from disk if not already cached.
// Mem pages that are not already cached cannot be retrieved (Internal).
func (m *Manager) Get(id storepage.ID) (*Handle, error) {
	if fr, ok := m.lookup(id); ok {
		fr.infoMu.Lock()
		fr.refBit = true
		fr.infoMu.Unlock()
		return m.refHandle(id, fr), nil
	}

	if id.Kind == storepage.Mem {
		return nil, errs.InternalErr("mem page not resident and cannot be loaded from disk")
	}

	m.admMu.Lock()
	defer m.admMu.Unlock()

	if fr, ok := m.lookup(id); ok {
		fr.infoMu.Lock()
		fr.refBit = true
		fr.infoMu.Unlock()
		return m.refHandle(id, fr), nil
	}

	f, err := m.fileFor(id.Kind, id.FileID, false)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, storepage.Size)
	if _, err := f.ReadAt(raw, int64(id.Offset)*storepage.Size); err != nil {
		return nil, errs.IoErr("read page", err)
	}
	pg, err := storepage.LoadFrom(raw, id)
	if err != nil {
		return nil, err
	}

	if err := m.evictIfNeededLocked(); err != nil {
		return nil, err
	}

	fr := &frame{page: pg, refBit: true, dirty: false}
	m.insertLocked(id, fr)
	return m.refHandle(id, fr), nil
}

func (m *Manager) lookup(id storepage.ID) (*frame, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	fr, ok := m.cache[id]
	return fr, ok
}

func (m *Manager) insertLocked(id storepage.ID, fr *frame) {
	m.cacheMu.Lock()
	m.cache[id] = fr
	m.cacheMu.Unlock()

	m.queueMu.Lock()
	m.queue = append(m.queue, id)
	m.queueMu.Unlock()
}

func (m *Manager) refHandle(id storepage.ID, fr *frame) *Handle {
	atomic.AddInt32(&fr.refCount, 1)
	h := &Handle{mgr: m, fr: fr, id: id}
	h.alive.Store(true)
	return h
}

// ── Store: flush one page ───────────────────────────────────────────────

// Store flushes id's page to disk if dirty, and clears the dirty bit.
// Mem pages are never persisted; Store is a no-op for them.
func (m *Manager) Store(id storepage.ID) error {
	fr, ok := m.lookup(id)
	if !ok {
		return errs.NotFoundErr("page not cached")
	}
	return m.storeFrame(id, fr)
}

func (m *Manager) storeFrame(id storepage.ID, fr *frame) error {
	if id.Kind == storepage.Mem {
		return nil
	}
	fr.infoMu.Lock()
	dirty := fr.dirty
	fr.infoMu.Unlock()
	if !dirty {
		return nil
	}

	f, err := m.fileFor(id.Kind, id.FileID, true)
	if err != nil {
		return err
	}

	fr.rw.RLock()
	data := append([]byte(nil), fr.page.Bytes()...)
	fr.rw.RUnlock()

	if _, err := f.WriteAt(data, int64(id.Offset)*storepage.Size); err != nil {
		return errs.IoErr("write page", err)
	}
	fr.infoMu.Lock()
	fr.dirty = false
	fr.infoMu.Unlock()
	return nil
}

// Persist flushes every currently cached page.
func (m *Manager) Persist() error {
	m.cacheMu.RLock()
	ids := make([]storepage.ID, 0, len(m.cache))
	frames := make([]*frame, 0, len(m.cache))
	for id, fr := range m.cache {
		ids = append(ids, id)
		frames = append(frames, fr)
	}
	m.cacheMu.RUnlock()

	for i, id := range ids {
		if err := m.storeFrame(id, frames[i]); err != nil {
			return err
		}
	}
	return nil
}

// ── counters ─────────────────────────────────────────────────────────────

// NewMemID returns a fresh, unique file ID for a Mem-kind page.
func (m *Manager) NewMemID() uint32 { return m.memCounter.Add(1) }

// NewTempID returns a fresh, unique file ID for a Temp-kind page.
func (m *Manager) NewTempID() uint32 { return m.tempCounter.Add(1) }

// ── eviction (clock) ─────────────────────────────────────────────────────

// evictIfNeededLocked evicts one page if the cache is at capacity. Caller
// must hold admMu.
func (m *Manager) evictIfNeededLocked() error {
	m.cacheMu.RLock()
	n := len(m.cache)
	m.cacheMu.RUnlock()
	if n < m.capacity {
		return nil
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	attempts := len(m.queue)
	for i := 0; i < attempts; i++ {
		if len(m.queue) == 0 {
			break
		}
		id := m.queue[0]
		m.queue = m.queue[1:]

		fr, ok := m.lookup(id)
		if !ok {
			continue // stale entry, already evicted elsewhere
		}
		if id.Kind == storepage.Mem {
			// Mem pages count against capacity but are never evicted.
			m.queue = append(m.queue, id)
			continue
		}

		if !fr.infoMu.TryLock() {
			m.queue = append(m.queue, id)
			continue
		}
		if !fr.refBit && fr.refCount == 0 {
			if fr.dirty {
				fr.infoMu.Unlock()
				if err := m.storeFrame(id, fr); err != nil {
					return err
				}
			} else {
				fr.infoMu.Unlock()
			}
			m.cacheMu.Lock()
			delete(m.cache, id)
			m.cacheMu.Unlock()
			m.log.Infof("evicted page %+v", id)
			return nil
		}
		fr.refBit = false
		fr.infoMu.Unlock()
		m.queue = append(m.queue, id)
	}
	return errs.InternalErr("no evictable page: cache full of pinned/referenced pages")
}

// ── sequential scan ──────────────────────────────────────────────────────

// SequentialScan streams pages [start, end) of file fileID/kind in order,
// returning cached copies when present. fn is invoked on each page in a
// single consumer goroutine; returning false from fn stops the scan early.
func (m *Manager) SequentialScan(kind storepage.Kind, fileID uint32, start, end uint64, fn func(*storepage.Page) bool) error {
	f, err := m.fileFor(kind, fileID, false)
	if err != nil {
		return err
	}

	type item struct {
		pg  *storepage.Page
		err error
	}
	ch := make(chan item, 8)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for off := start; off < end; off++ {
			id := storepage.ID{FileID: fileID, Offset: off, Kind: kind}
			if fr, ok := m.lookup(id); ok {
				fr.rw.RLock()
				cp, _ := storepage.LoadFrom(fr.page.Bytes(), id)
				fr.rw.RUnlock()
				select {
				case ch <- item{pg: cp}:
				case <-done:
					return
				}
				continue
			}
			raw := make([]byte, storepage.Size)
			if _, rerr := f.ReadAt(raw, int64(off)*storepage.Size); rerr != nil {
				select {
				case ch <- item{err: errs.IoErr("sequential scan read", rerr)}:
				case <-done:
				}
				return
			}
			pg, lerr := storepage.LoadFrom(raw, id)
			select {
			case ch <- item{pg: pg, err: lerr}:
			case <-done:
				return
			}
		}
	}()

	defer close(done)
	for it := range ch {
		if it.err != nil {
			return it.err
		}
		if !fn(it.pg) {
			return nil
		}
	}
	return nil
}

// Close flushes all cached pages and closes open file handles.
func (m *Manager) Close() error {
	if err := m.Persist(); err != nil {
		return err
	}
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	for _, f := range m.files {
		_ = f.Close()
	}
	return nil
}

// Package tinystore is a single-file-per-relation storage engine: fixed
// 4096-byte slotted pages, a clock-evicted buffer manager, a write-ahead
// log, and linear-hashing secondary indices. It exposes relations and
// indices directly — there is no query language layer.
//
// Grounded in the donor's top-level tinysql.go (the "open a DB, hand back
// a handle wrapping the storage internals" entry point), narrowed from the
// donor's SQL-engine surface down to spec.md's storage-engine scope.
package tinystore

import (
	"os"
	"path/filepath"

	"github.com/SimonWaldherr/tinystore/internal/storage/bufmgr"
	"github.com/SimonWaldherr/tinystore/internal/storage/config"
	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/persist"
	"github.com/SimonWaldherr/tinystore/internal/storage/relation"
	"github.com/SimonWaldherr/tinystore/internal/storage/storelog"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
	"github.com/SimonWaldherr/tinystore/internal/storage/walog"
)

// Re-exported so callers building tuple descriptors never need to import
// the internal relation package directly.
type (
	TupleDesc    = relation.TupleDesc
	Column       = relation.Column
	ColType      = relation.ColType
	Row          = relation.Row
	Value        = relation.Value
	Relation     = relation.Relation
	CatalogEntry = relation.CatalogEntry
)

const (
	Char    = relation.Char
	I32     = relation.I32
	I64     = relation.I64
	U32     = relation.U32
	U64     = relation.U64
	Bool    = relation.Bool
	VarChar = relation.VarChar
)

// Store is a handle to an open database directory.
type Store struct {
	cfg  config.Config
	bm   *bufmgr.Manager
	meta *meta.Meta
	lm   *walog.Manager
	cat  *relation.Catalog
	log  *storelog.Logger

	persistRunner *persist.Runner
}

// Open opens the database at cfg.DataDir, creating it (meta page, log,
// table catalog) if it does not already exist, or loading and replaying
// its write-ahead log if it does.
func Open(cfg config.Config) (*Store, error) {
	bm, err := bufmgr.New(bufmgr.Config{DataDir: cfg.DataDir, Capacity: cfg.MaxCachePages})
	if err != nil {
		return nil, err
	}

	metaPath := filepath.Join(cfg.DataDir, "0.dat")
	_, statErr := os.Stat(metaPath)
	fresh := os.IsNotExist(statErr)

	var m *meta.Meta
	var lm *walog.Manager
	var cat *relation.Catalog

	if fresh {
		m, err = meta.New(bm)
		if err != nil {
			return nil, err
		}
		lm, err = walog.New(bm, m)
		if err != nil {
			return nil, err
		}
		cat, err = relation.BootstrapCatalog(bm, m, lm)
		if err != nil {
			return nil, err
		}
	} else {
		m, err = meta.Load(bm)
		if err != nil {
			return nil, err
		}
		lm, err = walog.Load(bm, m)
		if err != nil {
			return nil, err
		}
		if err := lm.Replay(bm); err != nil {
			return nil, err
		}
		cat, err = relation.LoadCatalog(bm, m, lm)
		if err != nil {
			return nil, err
		}
	}

	return &Store{cfg: cfg, bm: bm, meta: m, lm: lm, cat: cat, log: storelog.Default("store")}, nil
}

// CreateRelation allocates and registers a new, empty relation under name.
func (s *Store) CreateRelation(name string, desc TupleDesc) (*Relation, error) {
	return relation.New(s.bm, s.meta, s.lm, s.cat, name, desc, storepage.Data)
}

// OpenRelation reopens the relation registered under name.
func (s *Store) OpenRelation(name string) (*Relation, error) {
	relID, found, err := s.cat.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFoundErr("no relation named " + name)
	}
	return relation.Load(s.bm, s.meta, s.lm, relID, storepage.Data)
}

// ListRelations returns every (name, rel_id) pair in the table catalog.
func (s *Store) ListRelations() ([]CatalogEntry, error) {
	return s.cat.List()
}

// CreateTempRelation allocates a relation whose pages live in the data
// directory's temp/ subdirectory: evictable, but not write-ahead logged,
// and not registered in the table catalog.
func (s *Store) CreateTempRelation(desc TupleDesc) (*Relation, error) {
	return relation.NewTemp(s.bm, desc)
}

// NewScratchPage allocates a single Mem-kind page: pinned in the buffer
// cache for the process lifetime, never written to disk. Useful for
// transient working state (e.g. sort/merge buffers) that must never be
// persisted or recovered.
func (s *Store) NewScratchPage() (*bufmgr.Handle, error) {
	id := storepage.ID{FileID: s.bm.NewMemID(), Offset: 0, Kind: storepage.Mem}
	return s.bm.New(id)
}

// Persist runs the full durability sequence spec.md §5 requires, in
// order: a checkpoint is created (or reused if nothing changed since the
// last one), every dirty cached page is flushed, and the checkpoint is
// then confirmed. Meta's own counters are already flushed synchronously
// on every GetNewID/GetNewLSN call, so no separate step is needed for
// them here.
func (s *Store) Persist() error {
	ptr, err := s.lm.CreateCheckpoint()
	if err != nil {
		return err
	}
	if err := s.bm.Persist(); err != nil {
		return err
	}
	if err := s.lm.ConfirmCheckpoint(ptr); err != nil {
		return err
	}
	s.log.Infof("persist cycle confirmed checkpoint at %+v", ptr)
	return nil
}

// StartBackgroundPersist begins running Store.Persist on cfg's configured
// checkpoint schedule (spec.md §5's background durability loop).
func (s *Store) StartBackgroundPersist() error {
	r, err := persist.New(s.cfg.CheckpointSchedule, s)
	if err != nil {
		return err
	}
	r.Start()
	s.persistRunner = r
	return nil
}

// StopBackgroundPersist halts a loop started by StartBackgroundPersist.
// No-op if none is running.
func (s *Store) StopBackgroundPersist() {
	if s.persistRunner != nil {
		s.persistRunner.Stop()
		s.persistRunner = nil
	}
}

// Close stops any background persist loop, persists everything
// outstanding, and releases file handles.
func (s *Store) Close() error {
	s.StopBackgroundPersist()
	if err := s.Persist(); err != nil {
		return err
	}
	s.meta.Close()
	return s.bm.Close()
}

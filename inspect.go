package tinystore

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/SimonWaldherr/tinystore/internal/storage/errs"
	"github.com/SimonWaldherr/tinystore/internal/storage/meta"
	"github.com/SimonWaldherr/tinystore/internal/storage/relation"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

// InspectResult reports a read-only reachability scan over the data
// directory's relation files, adapted from the donor's GCResult reporting
// struct (pager/gc.go). Unlike the donor's GC, this performs no
// compaction or reclamation — no spec.md operation frees or reuses space,
// so Inspect is diagnostic only, for administrator visibility.
type InspectResult struct {
	TotalFiles     int
	ReachableFiles int
	OrphanFileIDs  []uint32
	Errors         []string
}

// Inspect walks every "<id>.dat" file in the data directory and marks each
// one reachable if it is a reserved relation (meta, table catalog, log), a
// relation registered in the table catalog, or an index (primary or
// overflow) attached to one. Any file that is none of those is reported as
// an orphan.
func (s *Store) Inspect() (*InspectResult, error) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return nil, errs.IoErr("read data dir", err)
	}

	present := make(map[uint32]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".dat") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".dat")
		id64, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue // not a relation file (e.g. an unrelated file dropped into the data dir)
		}
		present[uint32(id64)] = true
	}

	reachable := map[uint32]bool{
		meta.MetaRelID:  true,
		meta.TableRelID: true,
		meta.LogRelID:   true,
	}

	cats, err := s.cat.List()
	if err != nil {
		return nil, err
	}

	var scanErrs []string
	for _, c := range cats {
		reachable[c.RelID] = true
		rel, err := relation.Load(s.bm, s.meta, s.lm, c.RelID, storepage.Data)
		if err != nil {
			scanErrs = append(scanErrs, fmt.Sprintf("relation %s (rel_id=%d): %v", c.Name, c.RelID, err))
			continue
		}
		for _, fid := range rel.IndexFileIDs() {
			reachable[fid] = true
		}
	}

	result := &InspectResult{TotalFiles: len(present), Errors: scanErrs}
	var orphans []uint32
	for id := range present {
		if reachable[id] {
			result.ReachableFiles++
		} else {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	result.OrphanFileIDs = orphans
	return result, nil
}

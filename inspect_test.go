package tinystore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInspect_NoOrphansOnFreshDatabase(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateRelation("people", peopleDesc); err != nil {
		t.Fatalf("create relation: %v", err)
	}

	result, err := s.Inspect()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(result.OrphanFileIDs) != 0 {
		t.Fatalf("expected no orphans, got %v", result.OrphanFileIDs)
	}
	if result.ReachableFiles != result.TotalFiles {
		t.Fatalf("reachable = %d, total = %d, want equal", result.ReachableFiles, result.TotalFiles)
	}
}

func TestInspect_IndexFilesCountAsReachable(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rel, err := s.CreateRelation("people", peopleDesc)
	if err != nil {
		t.Fatalf("create relation: %v", err)
	}
	if err := rel.NewIndex("by_id", []int{0}); err != nil {
		t.Fatalf("new index: %v", err)
	}

	result, err := s.Inspect()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(result.OrphanFileIDs) != 0 {
		t.Fatalf("expected index's primary and overflow files to be reachable, got orphans %v", result.OrphanFileIDs)
	}
}

func TestInspect_DetectsOrphanFile(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Drop an unregistered relation-shaped file directly into the data
	// directory, simulating a relation whose catalog entry was lost.
	orphanPath := filepath.Join(cfg.DataDir, "999.dat")
	if err := os.WriteFile(orphanPath, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write orphan file: %v", err)
	}

	result, err := s.Inspect()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(result.OrphanFileIDs) != 1 || result.OrphanFileIDs[0] != 999 {
		t.Fatalf("orphans = %v, want [999]", result.OrphanFileIDs)
	}
}

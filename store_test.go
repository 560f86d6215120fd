package tinystore

import (
	"os"
	"testing"

	"github.com/SimonWaldherr/tinystore/internal/storage/config"
	"github.com/SimonWaldherr/tinystore/internal/storage/storepage"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "tinystore-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default(dir)
	cfg.MaxCachePages = 32
	return cfg
}

var peopleDesc = TupleDesc{
	{Name: "id", Type: U32},
	{Name: "name", Type: VarChar},
}

func TestOpen_FreshDatabase(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	entries, err := s.ListRelations()
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty catalog on a fresh database, got %v", entries)
	}
}

func TestCreateWriteScanPersistReopen(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rel, err := s.CreateRelation("people", peopleDesc)
	if err != nil {
		t.Fatalf("create relation: %v", err)
	}
	if _, err := rel.WriteTuples([]Row{
		{{Type: U32, U32: 1}, {Type: VarChar, Str: "alice"}},
		{{Type: U32, U32: 2}, {Type: VarChar, Str: "bob"}},
	}); err != nil {
		t.Fatalf("write tuples: %v", err)
	}

	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entries, err := s2.ListRelations()
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "people" {
		t.Fatalf("entries = %v, want [people]", entries)
	}

	reopened, err := s2.OpenRelation("people")
	if err != nil {
		t.Fatalf("open relation: %v", err)
	}
	var names []string
	if err := reopened.Scan(func(_ storepage.TuplePtr, row Row) bool {
		names = append(names, row[1].Str)
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Fatalf("names = %v, want [alice bob]", names)
	}
}

func TestOpenRelation_UnknownName(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.OpenRelation("ghost"); err == nil {
		t.Fatal("expected error opening an unregistered relation")
	}
}

func TestCreateTempRelation_NotInCatalog(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateTempRelation(peopleDesc); err != nil {
		t.Fatalf("create temp relation: %v", err)
	}
	entries, err := s.ListRelations()
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp relation to stay out of the catalog, got %v", entries)
	}
}

func TestNewScratchPage(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	h, err := s.NewScratchPage()
	if err != nil {
		t.Fatalf("new scratch page: %v", err)
	}
	h.Release()
}

func TestStartStopBackgroundPersist(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.StartBackgroundPersist(); err != nil {
		t.Fatalf("start background persist: %v", err)
	}
	s.StopBackgroundPersist()
}

package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestAffectedSet(t *testing.T) {
	s := NewAffectedSet()
	s.Add(3)
	s.Add(1)
	s.Add(3)
	s.Add(0)
	s.Add(-5)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	ids := s.Drain()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("Drain = %v, want [1 3]", ids)
	}
	if s.Len() != 0 {
		t.Fatalf("set not emptied")
	}
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("second drain = %v, want empty", got)
	}
}

func TestMissingJournalPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")

	m, err := OpenMissing(path)
	if err != nil {
		t.Fatalf("OpenMissing: %v", err)
	}
	m.Add(42)
	m.Add(42)
	m.Add(7)
	m.Add(0)
	if !m.Has(42) || !m.Has(7) || m.Has(1) {
		t.Fatalf("unexpected membership")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := OpenMissing(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	if m2.Len() != 2 || !m2.Has(42) || !m2.Has(7) {
		t.Fatalf("journal not replayed, len=%d", m2.Len())
	}
}

func TestMissingJournalSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")
	if err := os.WriteFile(path, []byte("12\nnope\n\n-4\n9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := OpenMissing(path)
	if err != nil {
		t.Fatalf("OpenMissing: %v", err)
	}
	defer m.Close()
	if m.Len() != 2 || !m.Has(12) || !m.Has(9) {
		t.Fatalf("unexpected contents, len=%d", m.Len())
	}
}

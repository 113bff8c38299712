package store

import (
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func recKey(r rec) string { return r.ID }

func TestCollectionUpsertAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recs.json")

	c, err := OpenCollection[rec](path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Upsert(rec{ID: "a", Value: 1}, recKey); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.Upsert(rec{ID: "b", Value: 2}, recKey); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.Upsert(rec{ID: "a", Value: 10}, recKey); err != nil {
		t.Fatalf("upsert replace: %v", err)
	}

	// Fresh open must see exactly what was persisted.
	c2, err := OpenCollection[rec](path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := c2.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	a, ok := c2.First(func(r rec) bool { return r.ID == "a" })
	if !ok || a.Value != 10 {
		t.Fatalf("got %+v ok=%v, want value 10", a, ok)
	}
}

func TestCollectionUpdateAndDelete(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recs.json")
	c, err := OpenCollection[rec](path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, r := range []rec{{"a", 1}, {"b", 2}, {"c", 3}} {
		if err := c.Upsert(r, recKey); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, ok, err := c.Update("b", recKey, func(r rec) rec {
		r.Value = 20
		return r
	})
	if err != nil || !ok || got.Value != 20 {
		t.Fatalf("update = %+v ok=%v err=%v", got, ok, err)
	}

	_, ok, err = c.Update("missing", recKey, func(r rec) rec { return r })
	if err != nil || ok {
		t.Fatalf("update missing: ok=%v err=%v", ok, err)
	}

	n, err := c.Delete(func(r rec) bool { return r.Value < 10 })
	if err != nil || n != 2 {
		t.Fatalf("delete = %d err=%v, want 2", n, err)
	}
	if c.Len() != 1 {
		t.Fatalf("len after delete = %d", c.Len())
	}
}

func TestCollectionSnapshotIsolation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recs.json")
	c, _ := OpenCollection[rec](path)
	if err := c.Upsert(rec{ID: "a", Value: 1}, recKey); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	snap := c.All()
	snap[0].Value = 99
	again, _ := c.First(func(r rec) bool { return r.ID == "a" })
	if again.Value != 1 {
		t.Fatalf("internal state mutated through snapshot: %+v", again)
	}
}

func TestSingletonRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := OpenSingleton[rec](path)

	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("load empty: ok=%v err=%v", ok, err)
	}
	if err := s.Save(rec{ID: "x", Value: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, ok, err := s.Load()
	if err != nil || !ok || v.Value != 7 {
		t.Fatalf("load = %+v ok=%v err=%v", v, ok, err)
	}

	v2, err := s.Mutate(func(r rec) rec {
		r.Value++
		return r
	})
	if err != nil || v2.Value != 8 {
		t.Fatalf("mutate = %+v err=%v", v2, err)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "recs.json")
	c, _ := OpenCollection[rec](path)
	if err := c.Upsert(rec{ID: "a", Value: 1}, recKey); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

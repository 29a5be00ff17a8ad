package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/veloxio/velox/pkg/fsm"
)

func TestFileSnapshotStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSnapshotStore(dir)
	kind := testKind(t, "velox.test.Door")

	inst := fsm.NewInstance(kind, "door a.b", "acme corp", map[string]any{"k": "v"})
	inst.CurrentState = "b"
	inst.Metadata.Version = 3

	if err := store.Save(inst); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Path segments are sanitized.
	want := filepath.Join(dir, "acme_corp", "fsm", "Door", "door_a_b.json")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("Expected snapshot at %s: %v", want, err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != "door a.b" || got.TenantID != "acme corp" || got.KindName != "velox.test.Door" {
		t.Errorf("Identity fields did not round-trip: %+v", got)
	}
	if got.CurrentState != "b" || got.Metadata.Version != 3 {
		t.Errorf("State fields did not round-trip: %+v", got)
	}
	if v, _ := got.GetData("k"); v != "v" {
		t.Errorf("Data did not round-trip, got %v", v)
	}
	if got.Kind() != nil {
		t.Error("Loaded snapshot must not carry a bound kind")
	}
}

func TestFileSnapshotStore_SaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSnapshotStore(dir)
	kind := testKind(t, "velox.test.Door")

	inst := fsm.NewInstance(kind, "d1", "", nil)
	if err := store.Save(inst); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	inst.CurrentState = "b"
	if err := store.Save(inst); err != nil {
		t.Fatalf("Second Save failed: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected the snapshot to be overwritten, got %d files", len(loaded))
	}
	if loaded[0].CurrentState != "b" {
		t.Errorf("Expected latest state 'b', got %q", loaded[0].CurrentState)
	}
	// No temp files left behind.
	entries, _ := filepath.Glob(filepath.Join(dir, "no_tenant", "fsm", "Door", ".snapshot-*"))
	if len(entries) != 0 {
		t.Errorf("Expected no temp files, found %v", entries)
	}
}

func TestFileSnapshotStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSnapshotStore(dir)
	kind := testKind(t, "velox.test.Door")

	inst := fsm.NewInstance(kind, "d1", "t1", nil)
	store.Save(inst)

	if err := store.Delete("d1", "t1", "velox.test.Door"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	loaded, _ := store.LoadAll()
	if len(loaded) != 0 {
		t.Errorf("Expected empty store after delete, got %d", len(loaded))
	}
	// Deleting a missing snapshot is not an error.
	if err := store.Delete("ghost", "t1", "velox.test.Door"); err != nil {
		t.Errorf("Delete of missing snapshot must be a no-op, got %v", err)
	}
}

func TestSQLiteSnapshotStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteSnapshotStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteSnapshotStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kind := testKind(t, "velox.test.Door")
	a := fsm.NewInstance(kind, "d1", "t1", map[string]any{"n": "one"})
	b := fsm.NewInstance(kind, "d2", "t2", nil)

	if err := store.Save(a); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(b); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Upsert replaces the row in place.
	a.CurrentState = "b"
	if err := store.Save(a); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(loaded))
	}
	if loaded[0].ID != "d1" || loaded[1].ID != "d2" {
		t.Errorf("Expected snapshots ordered by id, got %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[0].CurrentState != "b" {
		t.Errorf("Expected upserted state 'b', got %q", loaded[0].CurrentState)
	}
	if v, _ := loaded[0].GetData("n"); v != "one" {
		t.Errorf("Data did not round-trip, got %v", v)
	}

	if err := store.Delete("d1", "t1", "velox.test.Door"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	loaded, _ = store.LoadAll()
	if len(loaded) != 1 || loaded[0].ID != "d2" {
		t.Errorf("Expected only d2 to remain, got %d rows", len(loaded))
	}
}

package repository

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationMarkerKey(t *testing.T) {
	if got := MigrationMarkerKey(" u1 "); got != "migrated:u1" {
		t.Fatalf("unexpected key %q", got)
	}
	if MigrationMarkerKey("u1") == MigrationMarkerKey("u2") {
		t.Fatalf("expected per-user keys")
	}
}

func TestFileMarkerStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.json")
	store := NewFileMarkerStore(path)

	ok, err := store.IsSet("migrated:u1")
	if err != nil || ok {
		t.Fatalf("expected unset marker, got %v,%v", ok, err)
	}
	if err := store.Set("migrated:u1"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened := NewFileMarkerStore(path)
	ok, err = reopened.IsSet("migrated:u1")
	if err != nil || !ok {
		t.Fatalf("expected marker to persist, got %v,%v", ok, err)
	}
	ok, _ = reopened.IsSet("migrated:u2")
	if ok {
		t.Fatalf("expected markers to be per key")
	}
}

func TestFileMarkerStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewFileMarkerStore(path)
	if _, err := store.IsSet("migrated:u1"); err == nil {
		t.Fatalf("expected read error for corrupt markers")
	}
	if err := store.Set("migrated:u1"); err != nil {
		t.Fatalf("set should recover from corrupt file, got %v", err)
	}
	if ok, err := store.IsSet("migrated:u1"); err != nil || !ok {
		t.Fatalf("expected marker after recovery, got %v,%v", ok, err)
	}
}

func TestMemoryMarkerStore_EmptyKey(t *testing.T) {
	store := NewMemoryMarkerStore()
	if err := store.Set("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

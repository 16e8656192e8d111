package cachestore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAllThenLoadAllRoundTrips(t *testing.T) {
	s := openTestStore(t)

	snapshot := map[string]string{
		"mydb/users":  "id",
		"mydb/orders": "order_id",
	}
	if err := s.PutAll(snapshot); err != nil {
		t.Fatalf("PutAll: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 || loaded["mydb/users"] != "id" || loaded["mydb/orders"] != "order_id" {
		t.Fatalf("LoadAll = %v", loaded)
	}
}

func TestPutAllUpsertsExistingEntry(t *testing.T) {
	s := openTestStore(t)

	s.PutAll(map[string]string{"mydb/users": "id"})
	s.PutAll(map[string]string{"mydb/users": "uuid"})

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if loaded["mydb/users"] != "uuid" {
		t.Fatalf("expected upsert to replace pk_column, got %q", loaded["mydb/users"])
	}
	n, err := s.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v, want 1", n, err)
	}
}

func TestInvalidateDBRemovesOnlyThatDatabase(t *testing.T) {
	s := openTestStore(t)
	s.PutAll(map[string]string{
		"db1/t1": "id",
		"db2/t1": "id",
	})

	if err := s.InvalidateDB("db1"); err != nil {
		t.Fatalf("InvalidateDB: %v", err)
	}

	loaded, _ := s.LoadAll()
	if _, ok := loaded["db1/t1"]; ok {
		t.Fatal("db1/t1 should have been removed")
	}
	if _, ok := loaded["db2/t1"]; !ok {
		t.Fatal("db2/t1 should remain")
	}
}

func TestInvalidateTableRemovesSingleEntry(t *testing.T) {
	s := openTestStore(t)
	s.PutAll(map[string]string{
		"db1/t1": "id",
		"db1/t2": "id",
	})

	if err := s.InvalidateTable("db1", "t1"); err != nil {
		t.Fatalf("InvalidateTable: %v", err)
	}

	loaded, _ := s.LoadAll()
	if _, ok := loaded["db1/t1"]; ok {
		t.Fatal("db1/t1 should have been removed")
	}
	if _, ok := loaded["db1/t2"]; !ok {
		t.Fatal("db1/t2 should remain")
	}
}

func TestExportImportCompressedRoundTrips(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "cache.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutAll(map[string]string{"mydb/users": "id"}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snapshotPath := filepath.Join(dir, "cache.db.xz")
	if err := ExportCompressed(path, snapshotPath); err != nil {
		t.Fatalf("ExportCompressed: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.db")
	if err := ImportCompressed(snapshotPath, restoredPath); err != nil {
		t.Fatalf("ImportCompressed: %v", err)
	}

	restored, err := Open(restoredPath, nil)
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	defer restored.Close()

	loaded, err := restored.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll restored: %v", err)
	}
	if loaded["mydb/users"] != "id" {
		t.Fatalf("restored LoadAll = %v", loaded)
	}
}

package bbolt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage_Contract(t *testing.T) {
	storagetest.Run(t, NewRepository(newTestDB(t)))
}

func TestBBoltStorage_ListIgnoresShorterKeys(t *testing.T) {
	s := NewRepository(newTestDB(t))
	rec, err := storage.NewJSONRecord("x")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "b", "Z", "", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(context.Background(), "b", "ITEM", "i1", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ids, err := s.List(context.Background(), "b", "ITEM")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "i1" {
		t.Fatalf("expected [i1], got %v", ids)
	}
}

func TestBBoltStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	repo, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	rec, _ := storage.NewJSONRecord(map[string]string{"k": "v"})
	if err := repo.Put(context.Background(), "b", "T", "id", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	repo, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer repo.Close()

	got, err := repo.Get(context.Background(), "b", "T", "id")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	var v map[string]string
	if err := got.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["k"] != "v" {
		t.Errorf("expected persisted value, got %v", v)
	}
}

func TestNewRepositoryFromFile_InvalidPath(t *testing.T) {
	_, err := NewRepositoryFromFile(filepath.Join(os.TempDir(), "does", "not", "exist", "db"), nil)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

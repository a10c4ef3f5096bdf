package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/storagetest"
)

func TestMemoryRepository_Contract(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_ReturnsClones(t *testing.T) {
	repo := NewRepository()
	rec := &storage.Record{Ver: 1, Kind: storage.KindJSON, Data: []byte(`"abc"`), Version: 1}
	if err := repo.Put(context.Background(), "b", "t", "id", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec.Data[1] = 'X'
	got, err := repo.Get(context.Background(), "b", "t", "id")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Data[1] == 'X' {
		t.Error("Put should store a copy of the record")
	}

	got.Data[1] = 'Y'
	got2, _ := repo.Get(context.Background(), "b", "t", "id")
	if got2.Data[1] == 'Y' {
		t.Error("Get should return clones of records")
	}
}

func TestMemoryRepository_UpdateRestoresExistingData(t *testing.T) {
	repo := NewRepository()
	orig := &storage.Record{Ver: 1, Kind: storage.KindJSON, Data: []byte(`1`)}
	if err := repo.Put(context.Background(), "b", "t", "id1", orig); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := repo.Update(context.Background(), "b", func(tx storage.Tx) error {
		_ = tx.Put("t", "id1", &storage.Record{Ver: 2, Kind: storage.KindJSON, Data: []byte(`2`)})
		_ = tx.Delete("t", "id1")
		return fmt.Errorf("simulated error")
	})
	if err == nil {
		t.Fatal("expected error from Update")
	}

	got, err := repo.Get(context.Background(), "b", "t", "id1")
	if err != nil {
		t.Fatalf("record should survive rollback: %v", err)
	}
	if got.Ver != 1 {
		t.Errorf("expected Ver 1 after rollback, got %d", got.Ver)
	}
}

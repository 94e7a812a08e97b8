package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"marketcore/internal/infra/persistence/memory"
	"marketcore/internal/infra/persistence/sqlite"
	"marketcore/pkg/domain"
)

func TestOpenPersistentStoreDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := OpenPersistentStore(StorageOptions{SQLitePath: path}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = CloseStore(store) }()
	sqliteStore, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected *sqlite.Store, got %T", store)
	}
	if sqliteStore.Path() != path {
		t.Fatalf("expected path %s, got %s", path, sqliteStore.Path())
	}
}

func TestOpenPersistentStoreMemoryWithGas(t *testing.T) {
	gas := domain.GasSchedule{Base: 7}
	store, err := OpenPersistentStore(StorageOptions{Driver: StorageMemory, Gas: &gas}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", store)
	}
	res, err := store.RunInTransaction(context.Background(), func(Transaction) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.GasUsed != 7 {
		t.Fatalf("expected configured base gas, got %d", res.GasUsed)
	}
	if err := CloseStore(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(StorageOptions{Driver: "etcd"}, nil); err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

package core

import (
	"fmt"
	"time"

	"marketcore/internal/infra/persistence/memory"
	"marketcore/internal/infra/persistence/postgres"
	"marketcore/internal/infra/persistence/sqlite"
	"marketcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// StorageOptions selects and tunes the ledger backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	Gas         *GasSchedule
	Now         func() time.Time
}

// OpenPersistentStore opens the configured backend. An empty driver selects
// sqlite.
func OpenPersistentStore(opts StorageOptions, engine *RulesEngine) (PersistentStore, error) {
	var memOpts []memory.Option
	if opts.Now != nil {
		memOpts = append(memOpts, memory.WithClock(opts.Now))
	}
	if opts.Gas != nil {
		memOpts = append(memOpts, memory.WithGasSchedule(*opts.Gas))
	}
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, memOpts...), nil
	case StorageSQLite:
		return sqlite.NewStore(opts.SQLitePath, engine, memOpts...)
	case StoragePostgres:
		return postgres.NewStore(opts.PostgresDSN, engine, memOpts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// CloseStore releases database handles held by store, if any.
func CloseStore(store PersistentStore) error {
	if c, ok := store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

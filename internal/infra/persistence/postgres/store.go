// Package postgres provides a Postgres-backed ledger that mirrors the
// in-memory semantics. Writers in different processes serialize on the
// ledger version row, so every command validates against the latest commit.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"marketcore/internal/infra/persistence/memory"
	"marketcore/internal/infra/persistence/sqlstate"
	"marketcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/marketcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists the ledger to Postgres while reusing the in-memory
// implementation for transactions.
type Store struct {
	*sqlstate.Ledger
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the ledger tables exist and hydrates from them.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ledger, err := sqlstate.Open(ctx, db, sqlstate.Postgres, memory.NewStore(engine, opts...))
	if err != nil {
		return nil, err
	}
	return &Store{Ledger: ledger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB().Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

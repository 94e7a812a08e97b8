// Package sqlite persists the ledger to an embedded SQLite file. Several
// processes may share one file; a commit that loses the race to another
// writer fails with a Conflict error and can be retried.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"marketcore/internal/infra/persistence/memory"
	"marketcore/internal/infra/persistence/sqlstate"
	"marketcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store is a SQLite-backed ledger.
type Store struct {
	*sqlstate.Ledger
	path string
}

// NewStore opens (creating if needed) the database at path and hydrates the
// in-memory ledger from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "marketcore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the file lock scoped to a single in-flight commit.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	ledger, err := sqlstate.Open(context.Background(), db, sqlstate.SQLite, memory.NewStore(engine, opts...))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Ledger: ledger, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.DB().Close() }

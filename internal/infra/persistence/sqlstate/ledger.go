// Package sqlstate persists the in-memory ledger to a SQL database. Records
// are stored one row per (bucket, key) as JSON, events in an append-only
// journal table, and a single version row orders commits across processes.
package sqlstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"marketcore/internal/infra/persistence/memory"
	"marketcore/pkg/domain"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name        string
	PayloadType string
	// JournalType must preserve bytes exactly so event hashes verify on reload.
	JournalType string
	// LockClause is appended to the version read that opens a commit.
	LockClause string
	// Numbered placeholders ($1) instead of positional (?).
	Numbered bool
}

// SQLite relies on the conditional version bump to detect racing writers.
var SQLite = Dialect{Name: "sqlite", PayloadType: "BLOB", JournalType: "BLOB"}

// Postgres serializes writers on the version row.
var Postgres = Dialect{Name: "postgres", PayloadType: "JSONB", JournalType: "BYTEA", LockClause: " FOR UPDATE", Numbered: true}

// bind rewrites ? placeholders for numbered dialects.
func (d Dialect) bind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ledger wraps a memory.Store so every commit is validated against, and
// written to, the latest committed database state.
type Ledger struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
	version int64
}

// Open ensures the schema exists and hydrates mem from the database.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, mem *memory.Store) (*Ledger, error) {
	l := &Ledger{Store: mem, db: db, dialect: dialect, version: -1}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := l.Refresh(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Version reports the last database version this process has seen.
func (l *Ledger) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			ord BIGINT NOT NULL,
			payload ` + l.dialect.PayloadType + ` NOT NULL,
			PRIMARY KEY (bucket, key)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGINT PRIMARY KEY,
			payload ` + l.dialect.JournalType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY,
			version BIGINT NOT NULL,
			counters TEXT NOT NULL
		)`,
		`INSERT INTO ledger_meta(id, version, counters) VALUES (1, 0, '{}') ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Refresh reloads the in-memory state when another process has committed.
func (l *Ledger) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	version, err := l.readVersion(ctx, tx, false)
	if err != nil {
		return err
	}
	return l.syncTo(ctx, tx, version)
}

// RunInTransaction opens a database transaction, catches up with commits
// made elsewhere, runs fn against the in-memory ledger and writes the
// resulting changes, events and counters before the in-memory commit.
func (l *Ledger) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	version, err := l.readVersion(ctx, tx, true)
	if err != nil {
		return domain.Result{}, err
	}
	if err := l.syncTo(ctx, tx, version); err != nil {
		return domain.Result{}, err
	}

	res, err := l.Execute(ctx, fn, func(ctx context.Context, c memory.Commit) error {
		if err := l.write(ctx, tx, version, c); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindConflict {
			l.version = -1
		}
		return res, err
	}
	l.version = version + 1
	return res, nil
}

func (l *Ledger) readVersion(ctx context.Context, tx *sql.Tx, lock bool) (int64, error) {
	query := `SELECT version FROM ledger_meta WHERE id = 1`
	if lock {
		query += l.dialect.LockClause
	}
	var version int64
	if err := tx.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return version, nil
}

func (l *Ledger) syncTo(ctx context.Context, tx *sql.Tx, version int64) error {
	if version == l.version {
		return nil
	}
	snapshot, err := l.load(ctx, tx)
	if err != nil {
		return err
	}
	if err := l.ImportState(snapshot); err != nil {
		return err
	}
	l.version = version
	return nil
}

func (l *Ledger) write(ctx context.Context, tx *sql.Tx, version int64, c memory.Commit) error {
	counters, err := json.Marshal(c.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.dialect.bind(`UPDATE ledger_meta SET version = version + 1, counters = ? WHERE id = 1 AND version = ?`), string(counters), version)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewError(domain.KindConflict, "", "", "ledger advanced by another writer")
	}
	upsert := l.dialect.bind(`INSERT INTO records(bucket, key, ord, payload)
		VALUES (?, ?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM records WHERE bucket = ?), ?)
		ON CONFLICT (bucket, key) DO UPDATE SET payload = excluded.payload`)
	for _, change := range c.Changes {
		bucket := string(change.Entity)
		if _, err := tx.ExecContext(ctx, upsert, bucket, change.Key, bucket, []byte(change.After.Raw())); err != nil {
			return fmt.Errorf("upsert %s %s: %w", bucket, change.Key, err)
		}
	}
	insertEvent := l.dialect.bind(`INSERT INTO events(seq, payload) VALUES (?, ?)`)
	for _, e := range c.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, insertEvent, int64(e.Seq), payload); err != nil {
			return fmt.Errorf("append event %d: %w", e.Seq, err)
		}
	}
	return nil
}

func (l *Ledger) load(ctx context.Context, tx *sql.Tx) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	var counters string
	if err := tx.QueryRowContext(ctx, `SELECT counters FROM ledger_meta WHERE id = 1`).Scan(&counters); err != nil {
		return snapshot, fmt.Errorf("read counters: %w", err)
	}
	if err := json.Unmarshal([]byte(counters), &snapshot.Counters); err != nil {
		return snapshot, fmt.Errorf("decode counters: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT bucket, payload FROM records ORDER BY bucket, ord`)
	if err != nil {
		return snapshot, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return snapshot, fmt.Errorf("scan record: %w", err)
		}
		if err := appendRecord(&snapshot, domain.EntityType(bucket), payload); err != nil {
			return snapshot, err
		}
	}
	if err := rows.Err(); err != nil {
		return snapshot, fmt.Errorf("iterate records: %w", err)
	}

	events, err := tx.QueryContext(ctx, `SELECT payload FROM events ORDER BY seq`)
	if err != nil {
		return snapshot, fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = events.Close() }()
	for events.Next() {
		var payload []byte
		if err := events.Scan(&payload); err != nil {
			return snapshot, fmt.Errorf("scan event: %w", err)
		}
		var e domain.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return snapshot, fmt.Errorf("decode event: %w", err)
		}
		snapshot.Events = append(snapshot.Events, e)
	}
	return snapshot, events.Err()
}

var errUnknownBucket = errors.New("unknown bucket")

func appendRecord(s *memory.Snapshot, bucket domain.EntityType, payload []byte) error {
	var err error
	switch bucket {
	case domain.EntityIdentity:
		s.Identities, err = decodeAppend(s.Identities, payload)
	case domain.EntityDevice:
		s.Devices, err = decodeAppend(s.Devices, payload)
	case domain.EntityProduct:
		s.Products, err = decodeAppend(s.Products, payload)
	case domain.EntityBroker:
		s.Brokers, err = decodeAppend(s.Brokers, payload)
	case domain.EntityNegotiation:
		s.Negotiations, err = decodeAppend(s.Negotiations, payload)
	case domain.EntityTrade:
		s.Trades, err = decodeAppend(s.Trades, payload)
	case domain.EntityEscrow:
		s.Escrows, err = decodeAppend(s.Escrows, payload)
	case domain.EntityRating:
		s.Ratings, err = decodeAppend(s.Ratings, payload)
	case domain.EntityAccount:
		s.Accounts, err = decodeAppend(s.Accounts, payload)
	default:
		err = errUnknownBucket
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

func decodeAppend[T any](dst []T, payload []byte) ([]T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return dst, err
	}
	return append(dst, v), nil
}

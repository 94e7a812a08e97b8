// Package testutil provides an in-memory stand-in for the ledger tables so
// postgres store tests run without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is a stored row of the records table.
type Record struct {
	Bucket  string
	Key     string
	Ord     int64
	Payload []byte
}

type tables struct {
	version  int64
	counters string
	meta     bool
	records  map[string]Record
	events   map[int64][]byte
}

func (t tables) clone() tables {
	out := t
	out.records = make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out.records[k] = v
	}
	out.events = make(map[int64][]byte, len(t.events))
	for k, v := range t.events {
		out.events[k] = v
	}
	return out
}

// StubConn understands the statements issued by the ledger store.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	state      tables
	saved      *tables
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{state: tables{records: map[string]Record{}, events: map[int64][]byte{}}}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Version returns the committed ledger version.
func (c *StubConn) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.version
}

// Records returns the stored rows of one bucket in insertion order.
func (c *StubConn) Records(bucket string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, r := range c.state.records {
		if r.Bucket == bucket {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ord < out[j].Ord })
	return out
}

// EventCount returns the number of journal rows.
func (c *StubConn) EventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.events)
}

// BumpVersion simulates a commit by another process.
func (c *StubConn) BumpVersion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.version++
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := c.state.clone()
	c.saved = &saved
	return &stubTx{conn: c}, nil
}

func normalize(query string) string {
	return strings.ToUpper(strings.Join(strings.Fields(query), " "))
}

func arg(args []driver.NamedValue, i int) driver.Value {
	if i < len(args) {
		return args[i].Value
	}
	return nil
}

func asBytes(v driver.Value) []byte {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case string:
		return []byte(t)
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	q := normalize(query)
	switch {
	case strings.HasPrefix(q, "CREATE TABLE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(q, "INSERT INTO LEDGER_META"):
		if !c.state.meta {
			c.state.meta = true
			c.state.counters = "{}"
		}
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(q, "UPDATE LEDGER_META"):
		expected, _ := arg(args, 1).(int64)
		if c.state.version != expected {
			return driver.RowsAffected(0), nil
		}
		c.state.version++
		c.state.counters = string(asBytes(arg(args, 0)))
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(q, "INSERT INTO RECORDS"):
		bucket := string(asBytes(arg(args, 0)))
		key := string(asBytes(arg(args, 1)))
		id := bucket + "/" + key
		rec, ok := c.state.records[id]
		if !ok {
			var maxOrd int64
			for _, r := range c.state.records {
				if r.Bucket == bucket && r.Ord > maxOrd {
					maxOrd = r.Ord
				}
			}
			rec = Record{Bucket: bucket, Key: key, Ord: maxOrd + 1}
		}
		rec.Payload = asBytes(arg(args, 3))
		c.state.records[id] = rec
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(q, "INSERT INTO EVENTS"):
		seq, _ := arg(args, 0).(int64)
		if _, dup := c.state.events[seq]; dup {
			return nil, fmt.Errorf("duplicate event %d", seq)
		}
		c.state.events[seq] = asBytes(arg(args, 1))
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unsupported statement: %s", query)
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := normalize(query)
	switch {
	case strings.HasPrefix(q, "SELECT VERSION FROM LEDGER_META"):
		return &stubRows{cols: []string{"version"}, rows: [][]driver.Value{{c.state.version}}}, nil
	case strings.HasPrefix(q, "SELECT COUNTERS FROM LEDGER_META"):
		return &stubRows{cols: []string{"counters"}, rows: [][]driver.Value{{c.state.counters}}}, nil
	case strings.HasPrefix(q, "SELECT BUCKET, PAYLOAD FROM RECORDS"):
		recs := make([]Record, 0, len(c.state.records))
		for _, r := range c.state.records {
			recs = append(recs, r)
		}
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].Bucket != recs[j].Bucket {
				return recs[i].Bucket < recs[j].Bucket
			}
			return recs[i].Ord < recs[j].Ord
		})
		rows := make([][]driver.Value, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []driver.Value{r.Bucket, r.Payload})
		}
		return &stubRows{cols: []string{"bucket", "payload"}, rows: rows}, nil
	case strings.HasPrefix(q, "SELECT PAYLOAD FROM EVENTS"):
		seqs := make([]int64, 0, len(c.state.events))
		for s := range c.state.events {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		rows := make([][]driver.Value, 0, len(seqs))
		for _, s := range seqs {
			rows = append(rows, []driver.Value{c.state.events[s]})
		}
		return &stubRows{cols: []string{"payload"}, rows: rows}, nil
	}
	return nil, fmt.Errorf("unsupported query: %s", query)
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		if t.conn.saved != nil {
			t.conn.state = *t.conn.saved
		}
		return fmt.Errorf("commit fail")
	}
	t.conn.saved = nil
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.saved != nil {
		t.conn.state = *t.conn.saved
		t.conn.saved = nil
	}
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

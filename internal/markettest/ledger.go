// Package markettest provides an in-memory ledger driven by a mock clock
// for component tests.
package markettest

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"marketcore/internal/infra/persistence/memory"
	"marketcore/pkg/domain"
)

// Epoch is the mock clock's starting instant.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Ledger couples a memory store with the clock that stamps it.
type Ledger struct {
	t     testing.TB
	Store *memory.Store
	Clock *clock.Mock
}

// New returns an empty ledger evaluated with engine (the empty engine when nil).
func New(t testing.TB, engine *domain.RulesEngine) *Ledger {
	t.Helper()
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	mock := clock.NewMock()
	mock.Set(Epoch)
	return &Ledger{t: t, Store: memory.NewStore(engine, memory.WithClock(mock.Now)), Clock: mock}
}

// Run executes fn in a transaction attributed to caller.
func (l *Ledger) Run(caller domain.Address, fn func(domain.Transaction) error) (domain.Result, error) {
	ctx := domain.WithCaller(context.Background(), caller)
	return l.Store.RunInTransaction(ctx, fn)
}

// Must runs fn and fails the test on error.
func (l *Ledger) Must(caller domain.Address, fn func(domain.Transaction) error) domain.Result {
	l.t.Helper()
	res, err := l.Run(caller, fn)
	require.NoError(l.t, err)
	return res
}

// View runs fn against the committed state.
func (l *Ledger) View(fn func(domain.TransactionView)) {
	l.t.Helper()
	require.NoError(l.t, l.Store.View(context.Background(), func(v domain.TransactionView) error {
		fn(v)
		return nil
	}))
}

// Addr derives a stable test address from name.
func Addr(name string) domain.Address {
	return domain.DeriveDeviceAddress([]byte(name))
}

package escrow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marketcore/internal/escrow"
	"marketcore/internal/funds"
	"marketcore/internal/markettest"
	"marketcore/pkg/domain"
)

var (
	payer  = markettest.Addr("payer")
	payee  = markettest.Addr("payee")
	broker = markettest.Addr("broker")
)

func openEscrow(t *testing.T, l *markettest.Ledger, e *escrow.Escrow, balance uint64) {
	t.Helper()
	l.Must(payer, func(tx domain.Transaction) error {
		if balance > 0 {
			if _, err := funds.Deposit(tx, payer, balance); err != nil {
				return err
			}
		}
		trade, err := tx.CreateTrade(domain.Trade{Provider: payee, Consumer: payer, Price: 30, Status: domain.TradeRequested})
		if err != nil {
			return err
		}
		_, err = e.Open(tx, domain.ComponentTrading, trade, broker)
		return err
	})
}

func TestAllowListGatesEveryOperation(t *testing.T) {
	l := markettest.New(t, nil)
	e := escrow.New(domain.ComponentTrading)
	openEscrow(t, l, e, 30)

	_, err := l.Run(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentRegistry, 1)
		return err
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = l.Run(payer, func(tx domain.Transaction) error {
		_, _, err := e.Settle(tx, domain.ComponentNegotiation, 1, escrow.Full(30))
		return err
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestLockSettleMovesFunds(t *testing.T) {
	l := markettest.New(t, nil)
	e := escrow.New(domain.ComponentTrading)
	openEscrow(t, l, e, 50)

	_, err := l.Run(payer, func(tx domain.Transaction) error {
		_, _, err := e.Settle(tx, domain.ComponentTrading, 1, escrow.Full(30))
		return err
	})
	require.ErrorIs(t, err, domain.ErrNotLocked)

	l.Must(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentTrading, 1)
		return err
	})
	_, err = l.Run(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentTrading, 1)
		return err
	})
	require.ErrorIs(t, err, domain.ErrAlreadyLocked)
	l.View(func(v domain.TransactionView) {
		require.Equal(t, uint64(20), funds.Balance(v, payer))
		require.Equal(t, uint64(30), escrow.Held(v))
	})

	l.Must(payer, func(tx domain.Transaction) error {
		_, changed, err := e.Settle(tx, domain.ComponentTrading, 1, escrow.Full(30))
		require.True(t, changed)
		return err
	})
	res := l.Must(payer, func(tx domain.Transaction) error {
		_, changed, err := e.Settle(tx, domain.ComponentTrading, 1, escrow.Full(30))
		require.False(t, changed)
		return err
	})
	require.Empty(t, res.Events, "second settle is a no-op")
	l.View(func(v domain.TransactionView) {
		require.True(t, escrow.IsSettled(v, 1))
		require.Equal(t, uint64(30), funds.Balance(v, payee))
		require.Zero(t, escrow.Held(v))
	})
}

func TestLockWithoutFunds(t *testing.T) {
	l := markettest.New(t, nil)
	e := escrow.New(domain.ComponentTrading)
	openEscrow(t, l, e, 10)
	_, err := l.Run(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentTrading, 1)
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	l.View(func(v domain.TransactionView) {
		es, _ := v.FindEscrow(1)
		require.Equal(t, domain.EscrowOpen, es.State)
	})
}

func TestSettleSplitsActualCost(t *testing.T) {
	l := markettest.New(t, nil)
	e := escrow.New(domain.ComponentTrading)
	openEscrow(t, l, e, 30)
	l.Must(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentTrading, 1)
		return err
	})

	// 2 of 3 messages delivered, 10% to the broker.
	split := domain.SplitSettlement(30, 3, 2, 10)
	require.Equal(t, domain.Settlement{ActualCost: 20, Provider: 18, Consumer: 10, Broker: 2}, split)
	l.Must(payer, func(tx domain.Transaction) error {
		_, _, err := e.Settle(tx, domain.ComponentTrading, 1, split)
		return err
	})
	l.View(func(v domain.TransactionView) {
		require.Equal(t, uint64(18), funds.Balance(v, payee))
		require.Equal(t, uint64(2), funds.Balance(v, broker))
		require.Equal(t, uint64(10), funds.Balance(v, payer))
		es, _ := v.FindEscrow(1)
		require.Equal(t, &split, es.Settlement)
	})
}

func TestSettleRejectsUnbalancedSplit(t *testing.T) {
	l := markettest.New(t, nil)
	e := escrow.New(domain.ComponentTrading)
	openEscrow(t, l, e, 30)
	l.Must(payer, func(tx domain.Transaction) error {
		_, err := e.Lock(tx, domain.ComponentTrading, 1)
		return err
	})
	for _, split := range []domain.Settlement{
		{ActualCost: 30, Provider: 30, Broker: 1},
		{ActualCost: 20, Provider: 20, Consumer: 5},
		{ActualCost: 40, Provider: 40},
	} {
		_, err := l.Run(payer, func(tx domain.Transaction) error {
			_, _, err := e.Settle(tx, domain.ComponentTrading, 1, split)
			return err
		})
		require.ErrorIs(t, err, domain.ErrInvalidArgument, "%+v", split)
	}
	l.View(func(v domain.TransactionView) {
		require.Equal(t, uint64(30), escrow.Held(v))
	})
}

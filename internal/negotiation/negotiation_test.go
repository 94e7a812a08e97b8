package negotiation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marketcore/internal/markettest"
	"marketcore/internal/negotiation"
	"marketcore/internal/registry"
	"marketcore/pkg/domain"
)

func request(l *markettest.Ledger, caller domain.Address, product uint64) (domain.Negotiation, error) {
	var n domain.Negotiation
	_, err := l.Run(caller, func(tx domain.Transaction) error {
		var err error
		n, err = negotiation.Request(tx, caller, product)
		return err
	})
	return n, err
}

func TestRequestSnapshotsOffer(t *testing.T) {
	l := markettest.New(t, nil)
	m := markettest.Seed(t, l, 25, 0)

	n, err := request(l, markettest.Consumer, m.Product.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n.ID)
	require.Equal(t, markettest.Provider, n.Provider)
	require.Equal(t, uint64(25), n.Price)
	require.Equal(t, domain.NegotiationRequested, n.Status)

	l.Must(markettest.Provider, func(tx domain.Transaction) error {
		_, err := registry.UpdateProduct(tx, markettest.Provider, domain.Product{ID: m.Product.ID, Price: 90})
		return err
	})
	l.View(func(v domain.TransactionView) {
		got, _ := v.FindNegotiation(n.ID)
		require.Equal(t, uint64(25), got.Price, "price is fixed at request time")
	})
}

func TestRequestErrors(t *testing.T) {
	l := markettest.New(t, nil)
	m := markettest.Seed(t, l, 25, 0)

	_, err := request(l, markettest.Consumer, 404)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = request(l, markettest.Provider, m.Product.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = request(l, markettest.Consumer, m.Product.ID)
	require.NoError(t, err)
	_, err = request(l, markettest.Operator, m.Product.ID)
	require.ErrorIs(t, err, domain.ErrNegotiationInProgress)
}

func TestDecisions(t *testing.T) {
	l := markettest.New(t, nil)
	m := markettest.Seed(t, l, 25, 0)
	n, err := request(l, markettest.Consumer, m.Product.ID)
	require.NoError(t, err)

	_, err = l.Run(markettest.Consumer, func(tx domain.Transaction) error {
		_, err := negotiation.Accept(tx, markettest.Consumer, n.ID)
		return err
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	res := l.Must(markettest.Provider, func(tx domain.Transaction) error {
		_, err := negotiation.Reject(tx, markettest.Provider, n.ID)
		return err
	})
	require.Equal(t, domain.EventNegotiationRejected, res.Events[0].Type)

	_, err = l.Run(markettest.Provider, func(tx domain.Transaction) error {
		_, err := negotiation.Accept(tx, markettest.Provider, n.ID)
		return err
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// rejection frees the product
	second, err := request(l, markettest.Operator, m.Product.ID)
	require.NoError(t, err)
	l.Must(markettest.Provider, func(tx domain.Transaction) error {
		n, err := negotiation.Accept(tx, markettest.Provider, second.ID)
		require.NotNil(t, n.DecidedAt)
		return err
	})
	_, err = request(l, markettest.Consumer, m.Product.ID)
	require.ErrorIs(t, err, domain.ErrNegotiationInProgress, "accepted negotiation holds the product")

	l.View(func(v domain.TransactionView) {
		active, ok := negotiation.Active(v, m.Product.ID)
		require.True(t, ok)
		require.Equal(t, second.ID, active.ID)
		require.True(t, negotiation.Tradable(v, active))
	})
}

// Package escrow holds trade payments. Only components on its allow-list
// may open, lock or settle an escrow; participants never call it directly.
package escrow

import (
	"marketcore/internal/funds"
	"marketcore/pkg/domain"
)

// Escrow is the capability-gated escrow component.
type Escrow struct {
	allowed domain.AllowList
}

// New returns an Escrow that accepts calls from the listed components.
func New(allowed ...domain.ComponentID) *Escrow {
	return &Escrow{allowed: domain.NewAllowList(allowed...)}
}

// Open creates the escrow record for trade in the Open state. feeTo
// receives the broker's share on settlement.
func (e *Escrow) Open(tx domain.Transaction, caller domain.ComponentID, trade domain.Trade, feeTo domain.Address) (domain.Escrow, error) {
	if err := e.allowed.Check(domain.EntityEscrow, caller); err != nil {
		return domain.Escrow{}, err
	}
	return tx.CreateEscrow(domain.Escrow{
		Trade:  trade.ID,
		Payer:  trade.Consumer,
		Payee:  trade.Provider,
		FeeTo:  feeTo,
		Amount: trade.Price,
		State:  domain.EscrowOpen,
	})
}

// Lock debits the payer and moves the escrow to Locked.
func (e *Escrow) Lock(tx domain.Transaction, caller domain.ComponentID, trade uint64) (domain.Escrow, error) {
	if err := e.allowed.Check(domain.EntityEscrow, caller); err != nil {
		return domain.Escrow{}, err
	}
	key := domain.IDKey(trade)
	current, ok := tx.FindEscrow(trade)
	if !ok {
		return domain.Escrow{}, domain.NotFound(domain.EntityEscrow, key)
	}
	if current.State != domain.EscrowOpen {
		return domain.Escrow{}, domain.Errorf(domain.KindAlreadyLocked, domain.EntityEscrow, key, "escrow is %s", current.State)
	}
	if _, err := funds.Debit(tx, current.Payer, current.Amount); err != nil {
		return domain.Escrow{}, err
	}
	now := domain.At(tx.Now())
	locked, err := tx.UpdateEscrow(trade, func(es *domain.Escrow) error {
		es.State = domain.EscrowLocked
		es.LockedAt = &now
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}
	return locked, tx.Emit(domain.EventLocked, domain.EntityEscrow, key, locked)
}

// Settle pays the locked amount out as split describes and moves the escrow
// to Settled: the payee receives the provider share, the fee recipient the
// broker share and the payer its refund. split must distribute the amount
// exactly. Settling an already settled escrow changes nothing and reports
// changed=false.
func (e *Escrow) Settle(tx domain.Transaction, caller domain.ComponentID, trade uint64, split domain.Settlement) (domain.Escrow, bool, error) {
	if err := e.allowed.Check(domain.EntityEscrow, caller); err != nil {
		return domain.Escrow{}, false, err
	}
	key := domain.IDKey(trade)
	current, ok := tx.FindEscrow(trade)
	if !ok {
		return domain.Escrow{}, false, domain.NotFound(domain.EntityEscrow, key)
	}
	switch current.State {
	case domain.EscrowSettled:
		return current, false, nil
	case domain.EscrowOpen:
		return domain.Escrow{}, false, domain.NewError(domain.KindNotLocked, domain.EntityEscrow, key, "escrow was never funded")
	}
	if !split.Distributes(current.Amount) {
		return domain.Escrow{}, false, domain.Errorf(domain.KindInvalidArgument, domain.EntityEscrow, key, "settlement %+v does not pay out %d", split, current.Amount)
	}
	payouts := []struct {
		to     domain.Address
		amount uint64
	}{
		{current.Payee, split.Provider},
		{current.FeeTo, split.Broker},
		{current.Payer, split.Consumer},
	}
	for _, p := range payouts {
		if p.amount == 0 {
			continue
		}
		if _, err := funds.Credit(tx, p.to, p.amount); err != nil {
			return domain.Escrow{}, false, err
		}
	}
	now := domain.At(tx.Now())
	settled, err := tx.UpdateEscrow(trade, func(es *domain.Escrow) error {
		es.State = domain.EscrowSettled
		es.Settled = true
		es.Settlement = &split
		es.SettledAt = &now
		return nil
	})
	if err != nil {
		return domain.Escrow{}, false, err
	}
	return settled, true, tx.Emit(domain.EventSettled, domain.EntityEscrow, key, settled)
}

// Full is the settlement of a trade paid in full with no broker fee.
func Full(amount uint64) domain.Settlement {
	return domain.SplitSettlement(amount, 0, 0, 0)
}

// IsSettled reports whether the escrow for trade has paid out.
func IsSettled(view domain.TransactionView, trade uint64) bool {
	e, ok := view.FindEscrow(trade)
	return ok && e.Settled
}

// Held sums the amounts currently locked across all escrows.
func Held(view domain.TransactionView) uint64 {
	var total uint64
	for _, e := range view.ListEscrows() {
		if e.State == domain.EscrowLocked {
			total += e.Amount
		}
	}
	return total
}

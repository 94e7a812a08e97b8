package core

import (
	"context"
	"fmt"
	"math/big"

	"marketcore/pkg/domain"
)

// FundsConservationRule requires that balances plus locked escrow always
// equal what was deposited minus what was withdrawn.
func FundsConservationRule() domain.Rule {
	return fundsConservationRule{}
}

type fundsConservationRule struct{}

func (fundsConservationRule) Name() string { return "funds_conservation" }

func (r fundsConservationRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	relevant := false
	for _, change := range changes {
		if change.Entity == domain.EntityAccount || change.Entity == domain.EntityEscrow {
			relevant = true
			break
		}
	}
	if !relevant {
		return domain.Result{}, nil
	}

	held, inflow := new(big.Int), new(big.Int)
	for _, acct := range view.ListAccounts() {
		held.Add(held, new(big.Int).SetUint64(acct.Balance))
		inflow.Add(inflow, new(big.Int).SetUint64(acct.Deposited))
		inflow.Sub(inflow, new(big.Int).SetUint64(acct.Withdrawn))
	}
	for _, e := range view.ListEscrows() {
		if e.State == domain.EscrowLocked {
			held.Add(held, new(big.Int).SetUint64(e.Amount))
		}
	}
	if held.Cmp(inflow) == 0 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{
		blocking(r.Name(), domain.EntityAccount, "", fmt.Sprintf("held funds %s differ from net deposits %s", held, inflow)),
	}}, nil
}

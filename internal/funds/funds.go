// Package funds keeps participant balances. Escrow moves money through it;
// deposits and withdrawals are the only way value enters or leaves.
package funds

import (
	"math/bits"

	"marketcore/pkg/domain"
)

// Balance returns the spendable balance of addr.
func Balance(view domain.TransactionView, addr domain.Address) uint64 {
	acct, _ := view.FindAccount(addr)
	return acct.Balance
}

// Deposit credits amount to caller's account.
func Deposit(tx domain.Transaction, caller domain.Address, amount uint64) (domain.Account, error) {
	if amount == 0 {
		return domain.Account{}, domain.NewError(domain.KindInvalidArgument, domain.EntityAccount, caller.Hex(), "deposit must be positive")
	}
	acct := account(tx, caller)
	var err error
	if acct.Balance, err = add(acct.Balance, amount); err != nil {
		return domain.Account{}, err
	}
	if acct.Deposited, err = add(acct.Deposited, amount); err != nil {
		return domain.Account{}, err
	}
	acct, err = tx.PutAccount(acct)
	if err != nil {
		return domain.Account{}, err
	}
	return acct, tx.Emit(domain.EventDeposited, domain.EntityAccount, caller.Hex(), map[string]uint64{"amount": amount, "balance": acct.Balance})
}

// Withdraw debits amount from caller's account.
func Withdraw(tx domain.Transaction, caller domain.Address, amount uint64) (domain.Account, error) {
	if amount == 0 {
		return domain.Account{}, domain.NewError(domain.KindInvalidArgument, domain.EntityAccount, caller.Hex(), "withdrawal must be positive")
	}
	acct := account(tx, caller)
	if acct.Balance < amount {
		return domain.Account{}, insufficient(caller, acct.Balance, amount)
	}
	acct.Balance -= amount
	acct.Withdrawn += amount
	acct, err := tx.PutAccount(acct)
	if err != nil {
		return domain.Account{}, err
	}
	return acct, tx.Emit(domain.EventWithdrawn, domain.EntityAccount, caller.Hex(), map[string]uint64{"amount": amount, "balance": acct.Balance})
}

// Debit moves amount out of addr's balance.
func Debit(tx domain.Transaction, addr domain.Address, amount uint64) (domain.Account, error) {
	acct := account(tx, addr)
	if acct.Balance < amount {
		return domain.Account{}, insufficient(addr, acct.Balance, amount)
	}
	acct.Balance -= amount
	return tx.PutAccount(acct)
}

func insufficient(addr domain.Address, balance, amount uint64) error {
	return domain.Errorf(domain.KindInsufficientFunds, domain.EntityAccount, addr.Hex(), "balance %d < %d", balance, amount)
}

// Credit moves amount into addr's balance.
func Credit(tx domain.Transaction, addr domain.Address, amount uint64) (domain.Account, error) {
	acct := account(tx, addr)
	var err error
	if acct.Balance, err = add(acct.Balance, amount); err != nil {
		return domain.Account{}, err
	}
	return tx.PutAccount(acct)
}

func account(view domain.TransactionView, addr domain.Address) domain.Account {
	acct, ok := view.FindAccount(addr)
	if !ok {
		acct = domain.Account{Address: addr}
	}
	return acct
}

func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.NewError(domain.KindInvalidArgument, domain.EntityAccount, "", "amount overflows balance")
	}
	return sum, nil
}

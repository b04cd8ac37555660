package domain

import (
	"fmt"

	"ledger/internal/common/types"
)

// Account is a long-lived owner of funds. Balance is guaranteed
// non-negative at rest; currency is immutable once set; version
// strictly increases on every mutation the engine applies under lock.
type Account struct {
	ID       AccountID
	OwnerRef string
	Balance  types.Money
	Version  int64
}

// Debit subtracts amount from the account balance, returning a new
// Account value with the version bumped. Fails with ErrInsufficientFunds
// if the result would be negative, and ErrInvalidArgument on a currency
// mismatch.
func (a Account) Debit(amount types.Money) (Account, error) {
	if a.Balance.Currency != amount.Currency {
		return Account{}, fmt.Errorf("account currency %s does not match amount currency %s: %w", a.Balance.Currency, amount.Currency, ErrInvalidArgument)
	}
	if !a.Balance.GreaterThanOrEqual(amount) {
		return Account{}, fmt.Errorf("balance %s insufficient for debit of %s: %w", a.Balance, amount, ErrInsufficientFunds)
	}
	newBalance, err := a.Balance.Subtract(amount)
	if err != nil {
		return Account{}, fmt.Errorf("computing debit: %w", err)
	}
	a.Balance = newBalance
	a.Version++
	return a, nil
}

// Credit adds amount to the account balance, returning a new Account
// value with the version bumped.
func (a Account) Credit(amount types.Money) (Account, error) {
	if a.Balance.Currency != amount.Currency {
		return Account{}, fmt.Errorf("account currency %s does not match amount currency %s: %w", a.Balance.Currency, amount.Currency, ErrInvalidArgument)
	}
	newBalance, err := a.Balance.Add(amount)
	if err != nil {
		return Account{}, fmt.Errorf("computing credit: %w", err)
	}
	a.Balance = newBalance
	a.Version++
	return a, nil
}

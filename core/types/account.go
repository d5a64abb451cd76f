package types

import "math/big"

// Account tracks the fungible balances held by an address. BalanceBase is
// denominated in base-asset wei and BalancePower in power-token wei.
type Account struct {
	Nonce        uint64
	BalanceBase  *big.Int
	BalancePower *big.Int
}

// NewAccount returns an account with zeroed balances.
func NewAccount() *Account {
	return &Account{
		BalanceBase:  big.NewInt(0),
		BalancePower: big.NewInt(0),
	}
}

// Normalize replaces nil balances with zero so callers can operate on the
// account without nil checks.
func (a *Account) Normalize() {
	if a.BalanceBase == nil {
		a.BalanceBase = big.NewInt(0)
	}
	if a.BalancePower == nil {
		a.BalancePower = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceBase != nil {
		clone.BalanceBase = new(big.Int).Set(a.BalanceBase)
	}
	if a.BalancePower != nil {
		clone.BalancePower = new(big.Int).Set(a.BalancePower)
	}
	clone.Normalize()
	return clone
}

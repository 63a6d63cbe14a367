// Package vault implements the value-token transfer collaborator the sale
// engine delegates all money movement to. Balances are tracked per
// (token, holder) pair under a single mutex; a transfer either fully applies
// or returns an error with no balance change.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	token  common.Address
	holder common.Address
}

// Vault is an in-process token ledger. In strict mode a transfer fails when
// the source balance is insufficient; in recording mode external accounts may
// go negative so the vault acts as a pure flow recorder in front of the real
// settlement rail.
type Vault struct {
	mu       sync.Mutex
	strict   bool
	balances map[balanceKey]*big.Int
}

// New creates an empty vault.
func New(strict bool) *Vault {
	return &Vault{
		strict:   strict,
		balances: make(map[balanceKey]*big.Int),
	}
}

// Transfer moves amount of token from one holder to another.
func (v *Vault) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("vault: invalid amount")
	}
	if amount.Sign() == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	src := v.balance(token, from)
	if v.strict && src.Cmp(amount) < 0 {
		return fmt.Errorf("vault: insufficient balance: %s has %s of %s, needs %s",
			from.Hex(), src, token.Hex(), amount)
	}

	src.Sub(src, amount)
	dst := v.balance(token, to)
	dst.Add(dst, amount)
	return nil
}

// Mint credits a holder, funding accounts for strict-mode use.
func (v *Vault) Mint(token, holder common.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balance(token, holder)
	b.Add(b, amount)
}

// Balance returns the current balance of holder in token.
func (v *Vault) Balance(token, holder common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(token, holder))
}

func (v *Vault) balance(token, holder common.Address) *big.Int {
	k := balanceKey{token: token, holder: holder}
	b, ok := v.balances[k]
	if !ok {
		b = new(big.Int)
		v.balances[k] = b
	}
	return b
}

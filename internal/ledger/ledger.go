package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/stepprotocol/step-engine/internal/store"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// Reward & Balance Ledger
//
// Balances are integers in 18-decimal atomic units, held as math/big
// values end-to-end and serialized as decimal strings at the boundary.
// Floating point never touches an amount. The per-triangle reward halves
// with each mesh level:
//
//	reward(level) = base >> (level − 1)
//
// so a level-1 click earns the full base and a level-21 click earns
// base / 2^20.

// ErrInvalidAmount rejects non-positive credit/debit amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Ledger wraps account arithmetic over the store.
type Ledger struct {
	store store.Store
	base  *big.Int
}

// New builds a ledger paying base atomic units per level-1 click.
func New(s store.Store, base *big.Int) *Ledger {
	return &Ledger{store: s, base: new(big.Int).Set(base)}
}

// Reward returns the atomic-unit payout for a click at the given level.
func (l *Ledger) Reward(level int) *big.Int {
	return new(big.Int).Rsh(l.base, uint(level-1))
}

// Balance returns the account's current balance, zero for unknown
// addresses.
func (l *Ledger) Balance(ctx context.Context, address string) (*big.Int, error) {
	acct, err := l.store.GetAccount(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(acct.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance %q for %s", acct.Balance, address)
	}
	return balance, nil
}

// Account returns the full account record.
func (l *Ledger) Account(ctx context.Context, address string) (*models.Account, error) {
	return l.store.GetAccount(ctx, address)
}

// Debit withdraws amount from the account. Reserved for the transfer
// phase; fails with store.ErrInsufficientBalance when the post-balance
// would be negative.
func (l *Ledger) Debit(ctx context.Context, address string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Debit(ctx, address, amount)
}

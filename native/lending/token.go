package lending

import (
	"errors"
	"math/big"

	"lendnet/crypto"
)

var (
	ErrTokenNotConfigured = errors.New("lending engine: token not configured for asset")
	ErrTransferFailed     = errors.New("lending engine: token transfer failed")
)

// Token models the fungible transfer surface the ledger relies on for one
// asset. All ledger value movement flows through these three methods; the
// implementation is injected so tests can substitute doubles.
type Token interface {
	// Transfer moves amount out of the ledger's own holdings to the
	// recipient.
	Transfer(to crypto.Address, amount *big.Int) error
	// TransferFrom pulls amount from the given account into the ledger's
	// holdings. Implementations must fail when the balance is short.
	TransferFrom(from crypto.Address, amount *big.Int) error
	// BalanceOf reports the holdings of the given account.
	BalanceOf(addr crypto.Address) (*big.Int, error)
}

// MemToken is an in-memory fungible token bound to a ledger module account.
// It backs the test suite and the standalone daemon.
type MemToken struct {
	module   crypto.Address
	balances map[string]*big.Int
}

func NewMemToken(module crypto.Address) *MemToken {
	return &MemToken{module: module, balances: make(map[string]*big.Int)}
}

// Mint credits freshly created units to an account.
func (t *MemToken) Mint(addr crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	key := string(addr.Bytes())
	current, ok := t.balances[key]
	if !ok {
		current = big.NewInt(0)
	}
	t.balances[key] = new(big.Int).Add(current, amount)
}

func (t *MemToken) Transfer(to crypto.Address, amount *big.Int) error {
	return t.move(t.module, to, amount)
}

func (t *MemToken) TransferFrom(from crypto.Address, amount *big.Int) error {
	return t.move(from, t.module, amount)
}

func (t *MemToken) BalanceOf(addr crypto.Address) (*big.Int, error) {
	current, ok := t.balances[string(addr.Bytes())]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (t *MemToken) move(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrTransferFailed
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromKey := string(from.Bytes())
	toKey := string(to.Bytes())
	fromBal, ok := t.balances[fromKey]
	if !ok || fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, ok := t.balances[toKey]
	if !ok {
		toBal = big.NewInt(0)
	}
	t.balances[fromKey] = new(big.Int).Sub(fromBal, amount)
	t.balances[toKey] = new(big.Int).Add(toBal, amount)
	return nil
}

package lending

import (
	"math/big"

	"lendnet/crypto"
)

// Reserves returns the protocol-owned fee accrual for the asset.
func (e *Engine) Reserves(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.configs.Get(asset); err != nil {
		return nil, err
	}
	fees, err := e.ensureFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(fees.ReservesWei), nil
}

// WithdrawReserves transfers accrued protocol reserves to the recipient.
// Administrator only.
func (e *Engine) WithdrawReserves(caller crypto.Address, asset string, to crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !caller.Equal(e.admin) {
		return nil, ErrUnauthorized
	}
	if err := e.guard("reserves"); err != nil {
		return nil, err
	}
	unlock, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	if _, err := e.configs.Get(asset); err != nil {
		return nil, err
	}
	fees, err := e.ensureFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	if fees.ReservesWei.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	token, err := e.token(asset)
	if err != nil {
		return nil, err
	}
	if err := token.Transfer(to, amount); err != nil {
		return nil, err
	}

	fees.ReservesWei = new(big.Int).Sub(fees.ReservesWei, amount)
	if err := e.state.PutFeeAccrual(asset, fees); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

package lending

import (
	"errors"
	"math/big"

	"lendnet/crypto"
)

var (
	ErrFlashLoanNotRepaid       = errors.New("lending engine: flash loan not repaid")
	ErrFlashLoanExecutionFailed = errors.New("lending engine: flash loan execution failed")
)

// flashLoanFeeBps is the fixed, asset-independent flash-loan fee: 9 basis
// points of the borrowed amount.
const flashLoanFeeBps = 9

// FlashLoanReceiver is the callback contract for flash loans. The borrowed
// amount is transferred to Address(); ExecuteOperation must transfer
// amount+fee back to the ledger before returning and signal success through
// the boolean result.
type FlashLoanReceiver interface {
	Address() crypto.Address
	ExecuteOperation(asset string, amount, fee *big.Int, initiator crypto.Address, params []byte) (bool, error)
}

// FlashLoan lends amount of asset to the receiver for the duration of a
// single call. Repayment of amount+fee is verified against the ledger's
// token balance; on success the fee is credited to protocol reserves. The
// loan never appears as debt: totalDeposits and totalBorrows are unchanged.
func (e *Engine) FlashLoan(initiator crypto.Address, asset string, amount *big.Int, receiver FlashLoanReceiver, params []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.guard("flashloan"); err != nil {
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
	if receiver == nil {
		return nil, ErrFlashLoanExecutionFailed
	}

	cfg, err := e.activeConfig(asset)
	if err != nil {
		return nil, err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return nil, err
	}
	fees, _, err := e.accrueInterest(reserve, cfg)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(e.availableLiquidity(reserve)) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	token, err := e.token(asset)
	if err != nil {
		return nil, err
	}

	fee := bpsShare(amount, flashLoanFeeBps)

	preBalance, err := token.BalanceOf(e.moduleAddress)
	if err != nil {
		return nil, err
	}

	if err := token.Transfer(receiver.Address(), amount); err != nil {
		return nil, err
	}

	// The latch is raised for the duration of the callback: any attempt to
	// re-enter a mutating entry point from inside ExecuteOperation fails
	// with ErrReentrantCall instead of deadlocking on the engine lock.
	release, err := e.latch.Acquire()
	if err != nil {
		return nil, err
	}
	ok, err := receiver.ExecuteOperation(asset, amount, fee, initiator, params)
	release()
	if err != nil || !ok {
		return nil, ErrFlashLoanExecutionFailed
	}

	postBalance, err := token.BalanceOf(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(preBalance, fee)
	if postBalance.Cmp(required) < 0 {
		return nil, ErrFlashLoanNotRepaid
	}

	fees.ReservesWei = new(big.Int).Add(fees.ReservesWei, fee)
	if err := e.state.PutFeeAccrual(asset, fees); err != nil {
		return nil, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	return fee, nil
}

package lending

import (
	"errors"
	"math/big"

	"lendnet/crypto"
)

var ErrPositionHealthy = errors.New("lending engine: position healthy")

// Liquidate lets any caller repay part of an unhealthy borrower's debt in
// debtAsset and seize a bonus-weighted amount of their collateralAsset
// deposit. Partial liquidation is permitted: debtToCover is capped to the
// borrower's rebased debt, and the seizure to their collateral balance.
// The amounts actually repaid and seized are returned.
func (e *Engine) Liquidate(liquidator crypto.Address, collateralAsset, debtAsset string, borrower crypto.Address, debtToCover *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	if err := e.guard("liquidate"); err != nil {
		return nil, nil, err
	}
	unlock, err := e.begin()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	debtCfg, err := e.activeConfig(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collateralCfg, err := e.activeConfig(collateralAsset)
	if err != nil {
		return nil, nil, err
	}

	debtReserve, err := e.ensureReserve(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	debtFees, debtFeesChanged, err := e.accrueInterest(debtReserve, debtCfg)
	if err != nil {
		return nil, nil, err
	}

	borrowerDebt, err := e.ensurePosition(debtAsset, borrower)
	if err != nil {
		return nil, nil, err
	}
	e.syncDebt(borrowerDebt, debtReserve)
	if borrowerDebt.BorrowPrincipal.Sign() == 0 {
		return nil, nil, ErrNoDebtToRepay
	}

	// Eligibility uses the liquidation-threshold aggregate at current
	// prices, with the freshly accrued debt reserve overlaid.
	agg, err := e.aggregates(borrower, &overlay{asset: debtAsset, reserve: debtReserve, position: borrowerDebt})
	if err != nil {
		return nil, nil, err
	}
	if healthFactorFrom(agg).Cmp(wad) >= 0 {
		return nil, nil, ErrPositionHealthy
	}

	repay := new(big.Int).Set(debtToCover)
	if repay.Cmp(borrowerDebt.BorrowPrincipal) > 0 {
		repay = new(big.Int).Set(borrowerDebt.BorrowPrincipal)
	}

	debtPrice, err := e.freshPrice(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collateralPrice, err := e.freshPrice(collateralAsset)
	if err != nil {
		return nil, nil, err
	}

	borrowerCollateral := borrowerDebt
	if collateralAsset != debtAsset {
		borrowerCollateral, err = e.ensurePosition(collateralAsset, borrower)
		if err != nil {
			return nil, nil, err
		}
	}
	if borrowerCollateral.DepositPrincipal.Sign() == 0 {
		return nil, nil, ErrInsufficientBalance
	}

	// Seizure: repaid value converted into collateral units, plus bonus.
	repayValue := wadMulDown(repay, debtPrice)
	seize := wadDiv(repayValue, collateralPrice)
	seize = bpsShare(seize, 10_000+collateralCfg.LiquidationBonusBps)
	if seize.Cmp(borrowerCollateral.DepositPrincipal) > 0 {
		seize = new(big.Int).Set(borrowerCollateral.DepositPrincipal)
	}

	debtToken, err := e.token(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collateralToken, err := e.token(collateralAsset)
	if err != nil {
		return nil, nil, err
	}

	collateralReserve := debtReserve
	if collateralAsset != debtAsset {
		collateralReserve, err = e.ensureReserve(collateralAsset)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := debtToken.TransferFrom(liquidator, repay); err != nil {
		return nil, nil, err
	}
	if err := collateralToken.Transfer(liquidator, seize); err != nil {
		return nil, nil, err
	}

	borrowerDebt.BorrowPrincipal = new(big.Int).Sub(borrowerDebt.BorrowPrincipal, repay)
	debtReserve.TotalBorrows = new(big.Int).Sub(debtReserve.TotalBorrows, repay)
	if debtReserve.TotalBorrows.Sign() < 0 {
		debtReserve.TotalBorrows = big.NewInt(0)
	}

	borrowerCollateral.DepositPrincipal = new(big.Int).Sub(borrowerCollateral.DepositPrincipal, seize)
	collateralReserve.TotalDeposits = new(big.Int).Sub(collateralReserve.TotalDeposits, seize)
	if collateralReserve.TotalDeposits.Sign() < 0 {
		collateralReserve.TotalDeposits = big.NewInt(0)
	}

	if debtFeesChanged {
		if err := e.state.PutFeeAccrual(debtAsset, debtFees); err != nil {
			return nil, nil, err
		}
	}
	if err := e.state.PutPosition(borrowerDebt); err != nil {
		return nil, nil, err
	}
	if collateralAsset != debtAsset {
		if err := e.state.PutPosition(borrowerCollateral); err != nil {
			return nil, nil, err
		}
		if err := e.state.PutReserve(collateralReserve); err != nil {
			return nil, nil, err
		}
	}
	if err := e.state.PutReserve(debtReserve); err != nil {
		return nil, nil, err
	}

	return repay, seize, nil
}

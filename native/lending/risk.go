package lending

import (
	"fmt"
	"math/big"

	"lendnet/crypto"
)

// accountAggregates carries the three risk-relevant sums over every market a
// user participates in, valued at fresh oracle prices in the quote unit.
//
// Two collateral aggregates are maintained: the liquidation-threshold
// weighting gates liquidation eligibility, the collateral-factor weighting
// gates new borrows.
type accountAggregates struct {
	// liquidationValue is sum(deposit_i * price_i * liqThreshold_i).
	liquidationValue *big.Int
	// borrowableValue is sum(deposit_i * price_i * collateralFactor_i).
	borrowableValue *big.Int
	// debtValue is sum(rebased debt_i * price_i).
	debtValue *big.Int
}

// overlay substitutes in-flight (accrued but not yet persisted) state for a
// single market so risk checks see the same numbers the mutation is about to
// commit. collateralDelta is subtracted from the overlay position's deposit
// principal, modelling a pending withdrawal or seizure.
type overlay struct {
	asset           string
	reserve         *ReserveState
	position        *UserPosition
	collateralDelta *big.Int
}

func (e *Engine) aggregates(addr crypto.Address, ov *overlay) (*accountAggregates, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	assets, err := e.state.UserAssets(addr)
	if err != nil {
		return nil, err
	}
	if ov != nil {
		found := false
		for _, asset := range assets {
			if asset == ov.asset {
				found = true
				break
			}
		}
		if !found {
			assets = append(assets, ov.asset)
		}
	}

	agg := &accountAggregates{
		liquidationValue: big.NewInt(0),
		borrowableValue:  big.NewInt(0),
		debtValue:        big.NewInt(0),
	}
	for _, asset := range assets {
		cfg, err := e.configs.Get(asset)
		if err != nil {
			return nil, err
		}
		var reserve *ReserveState
		var position *UserPosition
		if ov != nil && ov.asset == asset {
			reserve = ov.reserve
			position = ov.position
		} else {
			reserve, err = e.ensureReserve(asset)
			if err != nil {
				return nil, err
			}
			position, err = e.ensurePosition(asset, addr)
			if err != nil {
				return nil, err
			}
		}

		deposit := new(big.Int).Set(position.DepositPrincipal)
		if ov != nil && ov.asset == asset && ov.collateralDelta != nil {
			deposit.Sub(deposit, ov.collateralDelta)
			if deposit.Sign() < 0 {
				deposit.SetInt64(0)
			}
		}
		debt := rebaseDebt(position.BorrowPrincipal, position.BorrowIndexSnapshot, reserve.BorrowIndex)
		countsAsCollateral := deposit.Sign() > 0 && cfg.CanUseAsCollateral
		if !countsAsCollateral && debt.Sign() == 0 {
			continue
		}

		price, err := e.freshPrice(asset)
		if err != nil {
			return nil, err
		}
		if countsAsCollateral {
			value := wadMulDown(deposit, price)
			agg.liquidationValue.Add(agg.liquidationValue, bpsShare(value, cfg.LiquidationThresholdBps))
			agg.borrowableValue.Add(agg.borrowableValue, bpsShare(value, cfg.CollateralFactorBps))
		}
		if debt.Sign() > 0 {
			agg.debtValue.Add(agg.debtValue, wadMulDown(debt, price))
		}
	}
	return agg, nil
}

// HealthFactor returns the wad-scaled ratio of liquidation-weighted
// collateral value to debt value across every market. Accounts with no debt
// report MaxHealthFactor. The result is never zero while both collateral and
// debt are non-zero.
func (e *Engine) HealthFactor(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	agg, err := e.aggregates(addr, nil)
	if err != nil {
		return nil, err
	}
	return healthFactorFrom(agg), nil
}

func healthFactorFrom(agg *accountAggregates) *big.Int {
	if agg.debtValue.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	if agg.liquidationValue.Sign() == 0 {
		return big.NewInt(0)
	}
	// Floor: a position a few wei under water must not round back to 1.0
	// and dodge liquidation. The liquidationValue check above keeps the
	// factor from collapsing to zero while collateral remains.
	return wadDiv(agg.liquidationValue, agg.debtValue)
}

// MaxBorrowValue returns the collateral-factor-weighted collateral value in
// quote units, the ceiling on the account's aggregate debt value when
// opening new borrows.
func (e *Engine) MaxBorrowValue(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	agg, err := e.aggregates(addr, nil)
	if err != nil {
		return nil, err
	}
	return agg.borrowableValue, nil
}

// DebtValue returns the account's aggregate debt in quote units.
func (e *Engine) DebtValue(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	agg, err := e.aggregates(addr, nil)
	if err != nil {
		return nil, err
	}
	return agg.debtValue, nil
}

// remainsHealthyAfterWithdraw checks the liquidation-threshold aggregate for
// the account with `amount` of collateral removed from the given market.
func (e *Engine) remainsHealthyAfterWithdraw(addr crypto.Address, asset string, reserve *ReserveState, position *UserPosition, amount *big.Int) (bool, error) {
	// Pure depositors never consult the oracle.
	indebted, err := e.hasDebt(addr, asset, position)
	if err != nil {
		return false, err
	}
	if !indebted {
		return true, nil
	}
	agg, err := e.aggregates(addr, &overlay{
		asset:           asset,
		reserve:         reserve,
		position:        position,
		collateralDelta: amount,
	})
	if err != nil {
		return false, err
	}
	if agg.debtValue.Sign() == 0 {
		return true, nil
	}
	return agg.liquidationValue.Cmp(agg.debtValue) >= 0, nil
}

func (e *Engine) hasDebt(addr crypto.Address, touchedAsset string, touched *UserPosition) (bool, error) {
	if touched != nil && touched.BorrowPrincipal.Sign() > 0 {
		return true, nil
	}
	assets, err := e.state.UserAssets(addr)
	if err != nil {
		return false, err
	}
	for _, asset := range assets {
		if asset == touchedAsset {
			continue
		}
		position, err := e.ensurePosition(asset, addr)
		if err != nil {
			return false, err
		}
		if position.BorrowPrincipal.Sign() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) freshPrice(asset string) (*big.Int, error) {
	if e.oracle == nil {
		return nil, ErrOracleNotConfigured
	}
	quote, err := e.oracle.GetPriceWithTimestamp(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoValidPrice, asset)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoValidPrice, asset)
	}
	age := e.nowFn().Sub(quote.UpdatedAt)
	if age > e.maxPriceAge {
		return nil, fmt.Errorf("%w: %s quote is stale", ErrNoValidPrice, asset)
	}
	return quote.Price, nil
}

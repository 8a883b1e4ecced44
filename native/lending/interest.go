package lending

import "math/big"

const secondsPerYear = 31_536_000

// InterestModel encapsulates the parameters that shape how borrow rates react
// to market utilisation.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	Kink *big.Rat
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	clone := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	return clone
}

// NewInterestModel constructs an interest model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	model := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// Utilisation computes the reserve utilisation ratio U = totalBorrows /
// totalDeposits. When no liquidity exists the utilisation is defined as zero.
func (m *InterestModel) Utilisation(totalBorrows, totalDeposits *big.Int) *big.Rat {
	if totalBorrows == nil || totalBorrows.Sign() == 0 {
		return new(big.Rat)
	}
	if totalDeposits == nil || totalDeposits.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrows, totalDeposits)
}

// BorrowAPR derives the dynamic borrow APR based on the current utilisation.
// The curve is monotone non-decreasing in utilisation by construction as long
// as both slopes are non-negative.
func (m *InterestModel) BorrowAPR(totalBorrows, totalDeposits *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	base := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalBorrows, totalDeposits)
	if utilisation.Sign() == 0 {
		return base
	}

	rate := base
	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	// Rate at the kink using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))

	// Additional rate beyond the kink using slope2.
	excess := new(big.Rat).Sub(utilisation, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// SupplyAPY derives the deposit-side APY based on the borrow APR, utilisation
// and the reserve factor. The reserve factor is expected in basis points.
func (m *InterestModel) SupplyAPY(totalBorrows, totalDeposits *big.Int, reserveFactorBps uint64) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}

	borrowAPR := m.BorrowAPR(totalBorrows, totalDeposits)
	if borrowAPR.Sign() == 0 {
		return new(big.Rat)
	}

	utilisation := m.Utilisation(totalBorrows, totalDeposits)
	if utilisation.Sign() == 0 {
		return new(big.Rat)
	}

	reserveFactor := new(big.Rat).SetFrac(big.NewInt(int64(reserveFactorBps)), big.NewInt(10_000))
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), reserveFactor)
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}

	supplyAPY := new(big.Rat).Mul(borrowAPR, utilisation)
	supplyAPY.Mul(supplyAPY, oneMinusReserve)
	return supplyAPY
}

// rateFactor converts an annual rate into the wad-scaled index multiplier
// 1 + rate*elapsed/secondsPerYear. Rounding is towards +inf so a non-zero
// rate over a non-zero interval always moves the index forward.
func rateFactor(rate *big.Rat, elapsedSeconds uint64) *big.Int {
	if rate == nil || rate.Sign() <= 0 || elapsedSeconds == 0 {
		return new(big.Int).Set(wad)
	}
	perInterval := new(big.Rat).Set(rate)
	perInterval.Quo(perInterval, new(big.Rat).SetUint64(secondsPerYear))
	perInterval.Mul(perInterval, new(big.Rat).SetUint64(elapsedSeconds))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perInterval)
	scaled := new(big.Rat).Mul(factor, new(big.Rat).SetInt(wad))
	out := ceilDiv(scaled.Num(), scaled.Denom())
	if out.Cmp(wad) < 0 {
		return new(big.Int).Set(wad)
	}
	return out
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel provides a reasonable starting configuration featuring
// a kinked interest rate curve with a modest base rate.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)

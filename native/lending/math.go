package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 precision
	one         = big.NewInt(1)
)

// MaxAmount is the sentinel callers pass to Withdraw and Repay to request
// their full balance after accrual.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(one, 256), one)

// MaxHealthFactor is returned for accounts with zero outstanding debt.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(one, 256), one)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// ceilDiv returns ceil(num / den) for non-negative inputs.
func ceilDiv(num, den *big.Int) *big.Int {
	if num == nil || num.Sign() <= 0 || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Add(num, new(big.Int).Sub(den, one))
	return out.Quo(out, den)
}

// wadMulUp multiplies two wad-scaled values, rounding the result up. Index
// updates go through here so the borrow index can never tick down.
func wadMulUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	return ceilDiv(new(big.Int).Mul(a, b), wad)
}

// wadMulDown multiplies two wad-scaled values, truncating the result. Used
// for value-out conversions where rounding must not favour the caller.
func wadMulDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, wad)
}

// wadDiv returns a/b scaled to wad, truncating.
func wadDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, wad)
	return out.Quo(out, b)
}

// bpsShare returns amount scaled by bps out of 10 000, truncating.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

// rebaseDebt rolls a debt principal recorded at snapshot forward to the
// current index. Interest rounds up so the protocol never loses to
// truncation.
func rebaseDebt(principal, snapshot, current *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	if snapshot == nil || snapshot.Sign() == 0 || current == nil || current.Sign() == 0 {
		return new(big.Int).Set(principal)
	}
	if snapshot.Cmp(current) == 0 {
		return new(big.Int).Set(principal)
	}
	return ceilDiv(new(big.Int).Mul(principal, current), snapshot)
}

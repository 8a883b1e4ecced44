package lending

import (
	"math/big"

	"lendnet/crypto"
)

// ReserveState captures the aggregate ledger for a single asset. Amounts are
// denominated in the asset's native unit and expressed as big integers to
// preserve full precision.
type ReserveState struct {
	// Asset is the market symbol this reserve accounts for.
	Asset string
	// TotalDeposits is the aggregate liquidity currently deposited,
	// inclusive of the depositors' share of accrued interest.
	TotalDeposits *big.Int
	// TotalBorrows tracks the outstanding borrowed amount across all
	// accounts, inclusive of accrued interest.
	TotalBorrows *big.Int
	// BorrowIndex is the cumulative wad-scaled interest index applied to
	// borrower debt. It starts at 1e18 and never decreases.
	BorrowIndex *big.Int
	// LastAccrualTime records the unix timestamp when the index was last
	// refreshed.
	LastAccrualTime uint64
}

// Clone returns a deep copy of the reserve state.
func (r *ReserveState) Clone() *ReserveState {
	if r == nil {
		return nil
	}
	clone := &ReserveState{Asset: r.Asset, LastAccrualTime: r.LastAccrualTime}
	if r.TotalDeposits != nil {
		clone.TotalDeposits = new(big.Int).Set(r.TotalDeposits)
	}
	if r.TotalBorrows != nil {
		clone.TotalBorrows = new(big.Int).Set(r.TotalBorrows)
	}
	if r.BorrowIndex != nil {
		clone.BorrowIndex = new(big.Int).Set(r.BorrowIndex)
	}
	return clone
}

// UserPosition maintains one participant's balances in a single market.
type UserPosition struct {
	// Asset is the market symbol the position belongs to.
	Asset string
	// Address is the unique account identifier of the position owner.
	Address crypto.Address
	// DepositPrincipal records the deposited amount. Deposits are not
	// index-scaled; withdrawals and deposits mutate it directly.
	DepositPrincipal *big.Int
	// BorrowPrincipal stores the debt as of the last interaction,
	// denominated at BorrowIndexSnapshot.
	BorrowPrincipal *big.Int
	// BorrowIndexSnapshot is the borrow index observed at the position's
	// last touch. Accrued interest is materialised lazily by rebasing
	// BorrowPrincipal from this snapshot to the current index.
	BorrowIndexSnapshot *big.Int
	// TotalBorrowed is a running lifetime counter of amounts borrowed,
	// exposed for downstream consumers.
	TotalBorrowed *big.Int
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	clone := &UserPosition{Asset: p.Asset, Address: p.Address}
	if p.DepositPrincipal != nil {
		clone.DepositPrincipal = new(big.Int).Set(p.DepositPrincipal)
	}
	if p.BorrowPrincipal != nil {
		clone.BorrowPrincipal = new(big.Int).Set(p.BorrowPrincipal)
	}
	if p.BorrowIndexSnapshot != nil {
		clone.BorrowIndexSnapshot = new(big.Int).Set(p.BorrowIndexSnapshot)
	}
	if p.TotalBorrowed != nil {
		clone.TotalBorrowed = new(big.Int).Set(p.TotalBorrowed)
	}
	return clone
}

// FeeAccrual captures the protocol-owned reserves for one asset: the
// reserve-factor share of compounding interest plus flash-loan fees.
type FeeAccrual struct {
	ReservesWei *big.Int
}

// Clone returns a deep copy of the fee accrual structure.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.ReservesWei != nil {
		clone.ReservesWei = new(big.Int).Set(f.ReservesWei)
	}
	return clone
}

// BorrowCaps captures the throttles applied to a market to limit borrow
// growth. A nil or zero Total means uncapped; a zero UtilisationBps means no
// utilisation ceiling.
type BorrowCaps struct {
	// Total constrains the aggregate outstanding borrow exposure.
	Total *big.Int
	// UtilisationBps bounds the borrow utilisation relative to deposited
	// liquidity.
	UtilisationBps uint64
}

// Clone returns a deep copy of the borrow caps structure.
func (c BorrowCaps) Clone() BorrowCaps {
	clone := BorrowCaps{UtilisationBps: c.UtilisationBps}
	if c.Total != nil {
		clone.Total = new(big.Int).Set(c.Total)
	}
	return clone
}

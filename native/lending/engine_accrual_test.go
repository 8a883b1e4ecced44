package lending

import (
	"math/big"
	"testing"
	"time"
)

// borrowedMarket stands up a market with 1000 deposited and 500 borrowed by
// the same account, a 50% utilisation baseline for accrual tests.
func borrowedMarket(t *testing.T) (*testEnv, *ReserveState) {
	t.Helper()
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.setPrice("USDX", ether(1))

	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(1000))
	if err := env.engine.Borrow(alice, "USDX", ether(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	reserve, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return env, reserve
}

func TestAccrualAdvancesBorrowIndex(t *testing.T) {
	env, before := borrowedMarket(t)
	cfg, err := env.engine.AssetConfigOf("USDX")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	elapsed := 30 * 24 * time.Hour
	rate := cfg.Model().BorrowAPR(before.TotalBorrows, before.TotalDeposits)
	factor := rateFactor(rate, uint64(elapsed/time.Second))
	wantIndex := wadMulUp(before.BorrowIndex, factor)
	wantInterest := ceilDiv(new(big.Int).Mul(before.TotalBorrows, new(big.Int).Sub(factor, wad)), wad)
	wantReserveShare := bpsShare(wantInterest, cfg.ReserveFactorBps)

	env.advance(elapsed)
	// Any mutating call accrues; a fresh depositor pokes the reserve.
	env.deposit(testAddress(0x02), "USDX", big.NewInt(1))

	after, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if after.BorrowIndex.Cmp(wantIndex) != 0 {
		t.Fatalf("borrow index = %s, want %s", after.BorrowIndex, wantIndex)
	}
	wantBorrows := new(big.Int).Add(before.TotalBorrows, wantInterest)
	if after.TotalBorrows.Cmp(wantBorrows) != 0 {
		t.Fatalf("total borrows = %s, want %s", after.TotalBorrows, wantBorrows)
	}
	// Depositors receive the interest net of the reserve share, plus the
	// 1 wei poke deposit.
	wantDeposits := new(big.Int).Add(before.TotalDeposits, new(big.Int).Sub(wantInterest, wantReserveShare))
	wantDeposits.Add(wantDeposits, big.NewInt(1))
	if after.TotalDeposits.Cmp(wantDeposits) != 0 {
		t.Fatalf("total deposits = %s, want %s", after.TotalDeposits, wantDeposits)
	}
	reserves, err := env.engine.Reserves("USDX")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if reserves.Cmp(wantReserveShare) != 0 {
		t.Fatalf("protocol reserves = %s, want %s", reserves, wantReserveShare)
	}
}

func TestAccrualIdempotentWithinSameSecond(t *testing.T) {
	env, _ := borrowedMarket(t)
	env.advance(time.Hour)
	env.deposit(testAddress(0x02), "USDX", big.NewInt(1))

	first, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Same timestamp: a second mutation must not accrue again.
	env.deposit(testAddress(0x03), "USDX", big.NewInt(1))
	second, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if second.BorrowIndex.Cmp(first.BorrowIndex) != 0 {
		t.Fatalf("index changed without elapsed time: %s -> %s", first.BorrowIndex, second.BorrowIndex)
	}
	wantBorrows := first.TotalBorrows
	if second.TotalBorrows.Cmp(wantBorrows) != 0 {
		t.Fatalf("borrows changed without elapsed time: %s -> %s", wantBorrows, second.TotalBorrows)
	}
}

func TestAccrualNeverTicksIndexDown(t *testing.T) {
	env, before := borrowedMarket(t)

	// One second at a tiny per-second rate still moves the index forward:
	// the factor rounds towards +inf.
	env.advance(time.Second)
	env.deposit(testAddress(0x02), "USDX", big.NewInt(1))

	after, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if after.BorrowIndex.Cmp(before.BorrowIndex) <= 0 {
		t.Fatalf("index did not advance: %s -> %s", before.BorrowIndex, after.BorrowIndex)
	}
}

func TestAccrualSkipsIdleMarkets(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(100))

	env.advance(365 * 24 * time.Hour)
	env.deposit(alice, "USDX", big.NewInt(1))

	reserve, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserve.BorrowIndex.Cmp(wad) != 0 {
		t.Fatalf("index moved with zero borrows: %s", reserve.BorrowIndex)
	}
	reserves, err := env.engine.Reserves("USDX")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if reserves.Sign() != 0 {
		t.Fatalf("reserves accrued with zero borrows: %s", reserves)
	}
}

func TestDebtRebasesLazily(t *testing.T) {
	env, before := borrowedMarket(t)
	alice := testAddress(0x01)
	cfg, err := env.engine.AssetConfigOf("USDX")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	elapsed := 90 * 24 * time.Hour
	rate := cfg.Model().BorrowAPR(before.TotalBorrows, before.TotalDeposits)
	factor := rateFactor(rate, uint64(elapsed/time.Second))
	newIndex := wadMulUp(before.BorrowIndex, factor)
	wantDebt := rebaseDebt(ether(500), before.BorrowIndex, newIndex)

	env.advance(elapsed)
	env.deposit(testAddress(0x02), "USDX", big.NewInt(1))

	// The stored principal is untouched until the borrower transacts, but
	// the query surface reports the rebased figure.
	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.BorrowPrincipal.Cmp(wantDebt) != 0 {
		t.Fatalf("rebased debt = %s, want %s", position.BorrowPrincipal, wantDebt)
	}
	if wantDebt.Cmp(ether(500)) <= 0 {
		t.Fatalf("debt did not grow: %s", wantDebt)
	}
}

func TestRepayMaxAfterAccrualClearsDebt(t *testing.T) {
	env, _ := borrowedMarket(t)
	alice := testAddress(0x01)

	env.advance(180 * 24 * time.Hour)

	// The borrower holds the 500 drawn plus headroom for the interest.
	env.fund("USDX", alice, ether(100))
	applied, err := env.engine.Repay(alice, "USDX", MaxAmount)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied.Cmp(ether(500)) <= 0 {
		t.Fatalf("applied %s does not include interest", applied)
	}
	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.BorrowPrincipal.Sign() != 0 {
		t.Fatalf("outstanding debt after max repay: %s", position.BorrowPrincipal)
	}
}

func TestBorrowAPRKink(t *testing.T) {
	model := DefaultInterestModel

	// Half utilisation stays in the linear region: base + slope1*U.
	half := model.BorrowAPR(ether(50), ether(100))
	wantHalf := new(big.Rat).Add(model.BaseRate, new(big.Rat).Mul(model.Slope1, big.NewRat(1, 2)))
	if half.Cmp(wantHalf) != 0 {
		t.Fatalf("rate at half utilisation = %s, want %s", half.FloatString(4), wantHalf.FloatString(4))
	}

	// Full utilisation pays the kink rate plus the steep slope over the
	// excess above the kink.
	full := model.BorrowAPR(ether(100), ether(100))
	wantFull := new(big.Rat).Add(model.BaseRate, new(big.Rat).Mul(model.Slope1, model.Kink))
	excess := new(big.Rat).Sub(big.NewRat(1, 1), model.Kink)
	wantFull.Add(wantFull, new(big.Rat).Mul(model.Slope2, excess))
	if full.Cmp(wantFull) != 0 {
		t.Fatalf("rate at full utilisation = %s, want %s", full.FloatString(4), wantFull.FloatString(4))
	}
	if full.Cmp(half) <= 0 {
		t.Fatalf("curve not increasing past kink: %s <= %s", full.FloatString(4), half.FloatString(4))
	}

	idle := model.BorrowAPR(big.NewInt(0), ether(100))
	if idle.Cmp(model.BaseRate) != 0 {
		t.Fatalf("idle rate = %s, want base %s", idle.FloatString(4), model.BaseRate.FloatString(4))
	}
}

func TestSupplyAPYBelowBorrowAPR(t *testing.T) {
	model := DefaultInterestModel
	borrows, deposits := ether(50), ether(100)

	apr := model.BorrowAPR(borrows, deposits)
	apy := model.SupplyAPY(borrows, deposits, 1000)
	if apy.Cmp(apr) >= 0 {
		t.Fatalf("supply APY %s not below borrow APR %s", apy.FloatString(4), apr.FloatString(4))
	}
	// APR * U * (1 - reserve factor)
	want := new(big.Rat).Mul(apr, big.NewRat(1, 2))
	want.Mul(want, big.NewRat(9, 10))
	if apy.Cmp(want) != 0 {
		t.Fatalf("supply APY = %s, want %s", apy.FloatString(6), want.FloatString(6))
	}
}

// Lazy rebasing must keep individual debts and the aggregate in step: after a
// mixed history of borrows, repays and accrual gaps, the sum of per-user
// rebased debt may differ from TotalBorrows only by the round-up wei the
// index arithmetic introduces.
func TestAccrualConsistencyAcrossBorrowers(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.setPrice("USDX", ether(1))

	whale := testAddress(0x01)
	alice := testAddress(0x02)
	bob := testAddress(0x03)
	env.deposit(whale, "USDX", ether(100_000))
	env.deposit(alice, "USDX", ether(10_000))
	env.deposit(bob, "USDX", ether(20_000))

	if err := env.engine.Borrow(alice, "USDX", ether(5000)); err != nil {
		t.Fatalf("alice borrow: %v", err)
	}
	env.advance(30 * 24 * time.Hour)
	if err := env.engine.Borrow(bob, "USDX", ether(8000)); err != nil {
		t.Fatalf("bob borrow: %v", err)
	}
	env.advance(60 * 24 * time.Hour)
	if _, err := env.engine.Repay(alice, "USDX", ether(1000)); err != nil {
		t.Fatalf("alice repay: %v", err)
	}
	env.advance(45 * 24 * time.Hour)
	// Final poke so the stored aggregate reflects the last interval.
	env.deposit(whale, "USDX", big.NewInt(1))

	reserve, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sum := big.NewInt(0)
	for _, seed := range []byte{0x02, 0x03} {
		position, err := env.engine.Position("USDX", testAddress(seed))
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		sum.Add(sum, position.BorrowPrincipal)
	}
	gap := new(big.Int).Sub(sum, reserve.TotalBorrows)
	gap.Abs(gap)
	// Each accrual and rebase rounds up by at most a wei relative to the
	// index scale, so the drift stays far below a gwei on 1e22-scale debt.
	if gap.Cmp(big.NewInt(1_000_000)) > 0 {
		t.Fatalf("debt sum %s vs total borrows %s, gap %s", sum, reserve.TotalBorrows, gap)
	}

	// Pool holdings plus claims on borrowers must cover every depositor
	// claim.
	poolBalance, err := env.tokens["USDX"].BalanceOf(env.module)
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	covered := new(big.Int).Add(poolBalance, reserve.TotalBorrows)
	if covered.Cmp(reserve.TotalDeposits) < 0 {
		t.Fatalf("pool %s + borrows %s < deposits %s", poolBalance, reserve.TotalBorrows, reserve.TotalDeposits)
	}
}

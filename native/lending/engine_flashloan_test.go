package lending

import (
	"errors"
	"math/big"
	"testing"

	"lendnet/crypto"
	nativecommon "lendnet/native/common"
)

// testReceiver is a scriptable FlashLoanReceiver. By default it repays
// amount+fee and reports success; tests override repayShort, fail or
// execute to exercise the failure paths.
type testReceiver struct {
	addr  crypto.Address
	token *MemToken

	repayShort *big.Int
	fail       bool
	execute    func(asset string, amount, fee *big.Int) error

	gotAsset  string
	gotAmount *big.Int
	gotFee    *big.Int
}

func (r *testReceiver) Address() crypto.Address { return r.addr }

func (r *testReceiver) ExecuteOperation(asset string, amount, fee *big.Int, initiator crypto.Address, params []byte) (bool, error) {
	r.gotAsset = asset
	r.gotAmount = new(big.Int).Set(amount)
	r.gotFee = new(big.Int).Set(fee)
	if r.execute != nil {
		if err := r.execute(asset, amount, fee); err != nil {
			return false, err
		}
	}
	repay := new(big.Int).Add(amount, fee)
	if r.repayShort != nil {
		repay.Sub(repay, r.repayShort)
	}
	if err := r.token.TransferFrom(r.addr, repay); err != nil {
		return false, err
	}
	return !r.fail, nil
}

func flashLoanMarket(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.deposit(testAddress(0x0F), "USDX", ether(100_000))
	return env
}

func TestFlashLoanChargesFee(t *testing.T) {
	env := flashLoanMarket(t)
	initiator := testAddress(0x01)
	receiver := &testReceiver{addr: testAddress(0x02), token: env.tokens["USDX"]}
	// The receiver funds the fee out of pocket.
	env.fund("USDX", receiver.addr, ether(10))

	before, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	fee, err := env.engine.FlashLoan(initiator, "USDX", ether(5000), receiver, []byte("payload"))
	if err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	// 9 bps of 5000 is 4.5 units.
	wantFee := bpsShare(ether(5000), 9)
	if fee.Cmp(wantFee) != 0 {
		t.Fatalf("fee = %s, want %s", fee, wantFee)
	}
	if receiver.gotAsset != "USDX" || receiver.gotAmount.Cmp(ether(5000)) != 0 || receiver.gotFee.Cmp(wantFee) != 0 {
		t.Fatalf("callback saw %s %s/%s", receiver.gotAsset, receiver.gotAmount, receiver.gotFee)
	}

	reserves, err := env.engine.Reserves("USDX")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if reserves.Cmp(wantFee) != 0 {
		t.Fatalf("protocol reserves = %s, want %s", reserves, wantFee)
	}

	// The loan never shows up as debt or deposit movement.
	after, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if after.TotalDeposits.Cmp(before.TotalDeposits) != 0 {
		t.Fatalf("deposits moved: %s -> %s", before.TotalDeposits, after.TotalDeposits)
	}
	if after.TotalBorrows.Cmp(before.TotalBorrows) != 0 {
		t.Fatalf("borrows moved: %s -> %s", before.TotalBorrows, after.TotalBorrows)
	}
}

func TestFlashLoanUnrepaid(t *testing.T) {
	env := flashLoanMarket(t)
	receiver := &testReceiver{
		addr:       testAddress(0x02),
		token:      env.tokens["USDX"],
		repayShort: big.NewInt(1), // one wei short of amount+fee
	}
	env.fund("USDX", receiver.addr, ether(10))

	_, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(5000), receiver, nil)
	if !errors.Is(err, ErrFlashLoanNotRepaid) {
		t.Fatalf("got %v, want %v", err, ErrFlashLoanNotRepaid)
	}
	reserves, rerr := env.engine.Reserves("USDX")
	if rerr != nil {
		t.Fatalf("reserves: %v", rerr)
	}
	if reserves.Sign() != 0 {
		t.Fatalf("failed loan credited reserves: %s", reserves)
	}
}

func TestFlashLoanCallbackFailure(t *testing.T) {
	env := flashLoanMarket(t)

	boom := errors.New("strategy reverted")
	byError := &testReceiver{
		addr:    testAddress(0x02),
		token:   env.tokens["USDX"],
		execute: func(string, *big.Int, *big.Int) error { return boom },
	}
	if _, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(100), byError, nil); !errors.Is(err, ErrFlashLoanExecutionFailed) {
		t.Fatalf("callback error: got %v, want %v", err, ErrFlashLoanExecutionFailed)
	}

	byFlag := &testReceiver{addr: testAddress(0x03), token: env.tokens["USDX"], fail: true}
	env.fund("USDX", byFlag.addr, ether(1))
	if _, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(100), byFlag, nil); !errors.Is(err, ErrFlashLoanExecutionFailed) {
		t.Fatalf("callback false: got %v, want %v", err, ErrFlashLoanExecutionFailed)
	}

	reserves, err := env.engine.Reserves("USDX")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if reserves.Sign() != 0 {
		t.Fatalf("failed loans credited reserves: %s", reserves)
	}
}

func TestFlashLoanBoundedByLiquidity(t *testing.T) {
	env := flashLoanMarket(t)
	receiver := &testReceiver{addr: testAddress(0x02), token: env.tokens["USDX"]}

	_, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(100_001), receiver, nil)
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want %v", err, ErrInsufficientLiquidity)
	}
}

func TestFlashLoanRejectsNilReceiver(t *testing.T) {
	env := flashLoanMarket(t)

	_, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(100), nil, nil)
	if !errors.Is(err, ErrFlashLoanExecutionFailed) {
		t.Fatalf("got %v, want %v", err, ErrFlashLoanExecutionFailed)
	}
}

func TestFlashLoanBlocksReentrancy(t *testing.T) {
	env := flashLoanMarket(t)
	var inner error
	receiver := &testReceiver{addr: testAddress(0x02), token: env.tokens["USDX"]}
	receiver.execute = func(string, *big.Int, *big.Int) error {
		env.fund("USDX", receiver.addr, ether(1))
		inner = env.engine.Deposit(receiver.addr, "USDX", ether(1))
		return nil
	}
	env.fund("USDX", receiver.addr, ether(10))

	if _, err := env.engine.FlashLoan(testAddress(0x01), "USDX", ether(1000), receiver, nil); err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	if !errors.Is(inner, nativecommon.ErrReentrantCall) {
		t.Fatalf("inner call: got %v, want reentrancy error", inner)
	}
}

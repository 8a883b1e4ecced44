package lending

import (
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"lendnet/crypto"
)

// memState is an in-memory engineState double. It clones on both read and
// write so tests catch any reliance on shared pointers, mirroring the
// serialisation boundary of the real store.
type memState struct {
	reserves  map[string]*ReserveState
	positions map[string]*UserPosition
	fees      map[string]*FeeAccrual
	accounts  map[string][]string
}

func newMemState() *memState {
	return &memState{
		reserves:  make(map[string]*ReserveState),
		positions: make(map[string]*UserPosition),
		fees:      make(map[string]*FeeAccrual),
		accounts:  make(map[string][]string),
	}
}

func positionKey(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

func (m *memState) GetReserve(asset string) (*ReserveState, error) {
	reserve, ok := m.reserves[asset]
	if !ok {
		return nil, nil
	}
	return reserve.Clone(), nil
}

func (m *memState) PutReserve(reserve *ReserveState) error {
	m.reserves[reserve.Asset] = reserve.Clone()
	return nil
}

func (m *memState) GetPosition(asset string, addr crypto.Address) (*UserPosition, error) {
	position, ok := m.positions[positionKey(asset, addr)]
	if !ok {
		return nil, nil
	}
	return position.Clone(), nil
}

func (m *memState) PutPosition(position *UserPosition) error {
	m.positions[positionKey(position.Asset, position.Address)] = position.Clone()
	key := string(position.Address.Bytes())
	assets := m.accounts[key]
	for _, asset := range assets {
		if asset == position.Asset {
			return nil
		}
	}
	assets = append(assets, position.Asset)
	sort.Strings(assets)
	m.accounts[key] = assets
	return nil
}

func (m *memState) UserAssets(addr crypto.Address) ([]string, error) {
	return append([]string(nil), m.accounts[string(addr.Bytes())]...), nil
}

func (m *memState) GetFeeAccrual(asset string) (*FeeAccrual, error) {
	fees, ok := m.fees[asset]
	if !ok {
		return nil, nil
	}
	return fees.Clone(), nil
}

func (m *memState) PutFeeAccrual(asset string, fees *FeeAccrual) error {
	m.fees[asset] = fees.Clone()
	return nil
}

// testEnv wires an engine against in-memory collaborators with a
// controllable clock. Oracle quotes are re-stamped whenever the clock
// advances, modelling a feed that keeps publishing.
type testEnv struct {
	t      *testing.T
	engine *Engine
	state  *memState
	oracle *StaticOracle
	tokens map[string]*MemToken
	prices map[string]*big.Int
	now    time.Time

	module crypto.Address
	admin  crypto.Address
}

func testAddress(seed byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = seed
	}
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:      t,
		state:  newMemState(),
		oracle: NewStaticOracle(),
		tokens: make(map[string]*MemToken),
		prices: make(map[string]*big.Int),
		now:    time.Unix(1_700_000_000, 0),
		module: testAddress(0xAA),
		admin:  testAddress(0xAD),
	}
	env.engine = NewEngine(env.module, env.admin)
	env.engine.SetState(env.state)
	env.engine.SetOracle(env.oracle)
	env.engine.SetTimeSource(func() time.Time { return env.now })
	return env
}

func (env *testEnv) configure(cfg *AssetConfig) {
	env.t.Helper()
	if err := env.engine.ConfigureAsset(env.admin, cfg); err != nil {
		env.t.Fatalf("configure %s: %v", cfg.Symbol, err)
	}
	token := NewMemToken(env.module)
	env.tokens[cfg.Symbol] = token
	env.engine.RegisterToken(cfg.Symbol, token)
}

func (env *testEnv) setPrice(asset string, price *big.Int) {
	env.prices[asset] = new(big.Int).Set(price)
	env.oracle.SetPriceAt(asset, price, env.now)
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
	for asset, price := range env.prices {
		env.oracle.SetPriceAt(asset, price, env.now)
	}
}

func (env *testEnv) fund(asset string, addr crypto.Address, amount *big.Int) {
	env.tokens[asset].Mint(addr, amount)
}

func (env *testEnv) deposit(addr crypto.Address, asset string, amount *big.Int) {
	env.t.Helper()
	env.fund(asset, addr, amount)
	if err := env.engine.Deposit(addr, asset, amount); err != nil {
		env.t.Fatalf("deposit %s: %v", asset, err)
	}
}

func testAssetConfig(symbol string) *AssetConfig {
	return &AssetConfig{
		Symbol:                  symbol,
		CollateralFactorBps:     7500,
		LiquidationThresholdBps: 8000,
		LiquidationBonusBps:     500,
		ReserveFactorBps:        1000,
		Active:                  true,
		CanBorrow:               true,
		CanUseAsCollateral:      true,
	}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func TestDepositRecordsPrincipal(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)

	env.deposit(alice, "USDX", ether(100))

	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.DepositPrincipal.Cmp(ether(100)) != 0 {
		t.Fatalf("deposit principal = %s, want %s", position.DepositPrincipal, ether(100))
	}
	reserve, err := env.engine.ReserveSnapshot("USDX")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserve.TotalDeposits.Cmp(ether(100)) != 0 {
		t.Fatalf("total deposits = %s, want %s", reserve.TotalDeposits, ether(100))
	}
	if reserve.BorrowIndex.Cmp(wad) != 0 {
		t.Fatalf("borrow index = %s, want %s", reserve.BorrowIndex, wad)
	}

	poolBalance, _ := env.tokens["USDX"].BalanceOf(env.module)
	if poolBalance.Cmp(ether(100)) != 0 {
		t.Fatalf("pool balance = %s, want %s", poolBalance, ether(100))
	}
	aliceBalance, _ := env.tokens["USDX"].BalanceOf(alice)
	if aliceBalance.Sign() != 0 {
		t.Fatalf("depositor balance = %s, want 0", aliceBalance)
	}
}

func TestDepositRejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)

	if err := env.engine.Deposit(alice, "USDX", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil amount: got %v, want %v", err, ErrInvalidAmount)
	}
	if err := env.engine.Deposit(alice, "USDX", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v, want %v", err, ErrInvalidAmount)
	}
	if err := env.engine.Deposit(alice, "USDX", big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v, want %v", err, ErrInvalidAmount)
	}
}

func TestDepositUnknownAsset(t *testing.T) {
	env := newTestEnv(t)
	alice := testAddress(0x01)

	err := env.engine.Deposit(alice, "DOGE", ether(1))
	if !errors.Is(err, ErrAssetNotConfigured) {
		t.Fatalf("got %v, want %v", err, ErrAssetNotConfigured)
	}
}

func TestPositionUnknownAsset(t *testing.T) {
	env := newTestEnv(t)

	// Reads must not fabricate an empty position for markets that do not
	// exist.
	_, err := env.engine.Position("DOGE", testAddress(0x01))
	if !errors.Is(err, ErrAssetNotConfigured) {
		t.Fatalf("got %v, want %v", err, ErrAssetNotConfigured)
	}
}

func TestDepositInactiveAsset(t *testing.T) {
	env := newTestEnv(t)
	cfg := testAssetConfig("USDX")
	cfg.Active = false
	env.configure(cfg)
	alice := testAddress(0x01)

	err := env.engine.Deposit(alice, "USDX", ether(1))
	if !errors.Is(err, ErrAssetInactive) {
		t.Fatalf("got %v, want %v", err, ErrAssetInactive)
	}
}

func TestWithdrawMaxReturnsFullBalance(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(100))

	withdrawn, err := env.engine.Withdraw(alice, "USDX", MaxAmount)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Cmp(ether(100)) != 0 {
		t.Fatalf("withdrawn = %s, want %s", withdrawn, ether(100))
	}
	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.DepositPrincipal.Sign() != 0 {
		t.Fatalf("deposit principal = %s, want 0", position.DepositPrincipal)
	}
	balance, _ := env.tokens["USDX"].BalanceOf(alice)
	if balance.Cmp(ether(100)) != 0 {
		t.Fatalf("balance = %s, want %s", balance, ether(100))
	}
}

func TestWithdrawNilAmountMeansMax(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(42))

	withdrawn, err := env.engine.Withdraw(alice, "USDX", nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Cmp(ether(42)) != 0 {
		t.Fatalf("withdrawn = %s, want %s", withdrawn, ether(42))
	}
}

func TestWithdrawExceedingBalance(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(10))

	_, err := env.engine.Withdraw(alice, "USDX", ether(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want %v", err, ErrInsufficientBalance)
	}
}

func TestWithdrawBoundedByPoolLiquidity(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.configure(testAssetConfig("WETH"))
	env.setPrice("USDX", ether(1))
	env.setPrice("WETH", ether(2000))

	alice := testAddress(0x01)
	bob := testAddress(0x02)
	env.deposit(alice, "USDX", ether(100))
	env.deposit(bob, "WETH", ether(1))
	if err := env.engine.Borrow(bob, "USDX", ether(60)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Alice owns 100 but only 40 remain un-borrowed.
	if _, err := env.engine.Withdraw(alice, "USDX", ether(100)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want %v", err, ErrInsufficientLiquidity)
	}
	if _, err := env.engine.Withdraw(alice, "USDX", ether(40)); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestRepayCapsToOutstandingDebt(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.setPrice("USDX", ether(1))

	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(100))
	if err := env.engine.Borrow(alice, "USDX", ether(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	env.fund("USDX", alice, ether(80))
	applied, err := env.engine.Repay(alice, "USDX", ether(80))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied.Cmp(ether(50)) != 0 {
		t.Fatalf("applied = %s, want %s", applied, ether(50))
	}
	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.BorrowPrincipal.Sign() != 0 {
		t.Fatalf("borrow principal = %s, want 0", position.BorrowPrincipal)
	}
	// The 30 not applied stays with the payer.
	balance, _ := env.tokens["USDX"].BalanceOf(alice)
	if balance.Cmp(ether(80)) != 0 {
		t.Fatalf("payer balance = %s, want %s", balance, ether(80))
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(10))

	_, err := env.engine.Repay(alice, "USDX", ether(1))
	if !errors.Is(err, ErrNoDebtToRepay) {
		t.Fatalf("got %v, want %v", err, ErrNoDebtToRepay)
	}
}

func TestBorrowTracksLifetimeTotal(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.setPrice("USDX", ether(1))

	alice := testAddress(0x01)
	env.deposit(alice, "USDX", ether(100))
	if err := env.engine.Borrow(alice, "USDX", ether(20)); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	env.fund("USDX", alice, ether(20))
	if _, err := env.engine.Repay(alice, "USDX", MaxAmount); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := env.engine.Borrow(alice, "USDX", ether(30)); err != nil {
		t.Fatalf("second borrow: %v", err)
	}

	position, err := env.engine.Position("USDX", alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.TotalBorrowed.Cmp(ether(50)) != 0 {
		t.Fatalf("lifetime borrowed = %s, want %s", position.TotalBorrowed, ether(50))
	}
	if position.BorrowPrincipal.Cmp(ether(30)) != 0 {
		t.Fatalf("outstanding = %s, want %s", position.BorrowPrincipal, ether(30))
	}
}

func TestConfigureAssetAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	mallory := testAddress(0x66)

	err := env.engine.ConfigureAsset(mallory, testAssetConfig("USDX"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want %v", err, ErrUnauthorized)
	}
}

func TestConfigureAssetValidatesRiskParams(t *testing.T) {
	env := newTestEnv(t)

	cfg := testAssetConfig("USDX")
	cfg.LiquidationThresholdBps = cfg.CollateralFactorBps - 1
	if err := env.engine.ConfigureAsset(env.admin, cfg); !errors.Is(err, ErrInvalidRiskParams) {
		t.Fatalf("threshold below factor: got %v, want %v", err, ErrInvalidRiskParams)
	}

	cfg = testAssetConfig("USDX")
	cfg.CollateralFactorBps = 10_001
	if err := env.engine.ConfigureAsset(env.admin, cfg); !errors.Is(err, ErrInvalidRiskParams) {
		t.Fatalf("factor above 100%%: got %v, want %v", err, ErrInvalidRiskParams)
	}
}

func TestPureDepositorNeverConsultsOracle(t *testing.T) {
	env := newTestEnv(t)
	env.configure(testAssetConfig("USDX"))
	env.engine.SetOracle(nil)
	alice := testAddress(0x01)

	env.deposit(alice, "USDX", ether(10))
	if _, err := env.engine.Withdraw(alice, "USDX", ether(10)); err != nil {
		t.Fatalf("withdraw without oracle: %v", err)
	}
}

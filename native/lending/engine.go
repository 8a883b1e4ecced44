package lending

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"lendnet/crypto"
	nativecommon "lendnet/native/common"
)

var (
	ErrNilState              = errors.New("lending engine: state not configured")
	ErrInvalidAmount         = errors.New("lending engine: amount must be positive")
	ErrInsufficientBalance   = errors.New("lending engine: insufficient balance")
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	ErrHealthCheckFailed     = errors.New("lending engine: borrower health factor below 1")
	ErrNoDebtToRepay         = errors.New("lending engine: no outstanding debt to repay")
	ErrBorrowDisabled        = errors.New("lending engine: asset cannot be borrowed")
	ErrBorrowCapExceeded     = errors.New("lending engine: borrow cap exceeded")
	ErrUnauthorized          = errors.New("lending engine: caller is not the administrator")
)

const moduleName = "lending"

// engineState abstracts the persistence layer the engine mutates. The engine
// owns the records exclusively: no external component writes them directly.
type engineState interface {
	GetReserve(asset string) (*ReserveState, error)
	PutReserve(reserve *ReserveState) error
	GetPosition(asset string, addr crypto.Address) (*UserPosition, error)
	PutPosition(position *UserPosition) error
	UserAssets(addr crypto.Address) ([]string, error)
	GetFeeAccrual(asset string) (*FeeAccrual, error)
	PutFeeAccrual(asset string, fees *FeeAccrual) error
}

// Engine orchestrates the primary state transitions of the money market:
// deposits, withdrawals, borrows, repayments, liquidations and flash loans
// across any number of configured asset markets.
type Engine struct {
	state   engineState
	configs *ConfigStore
	oracle  PriceOracle
	tokens  map[string]Token

	moduleAddress crypto.Address
	admin         crypto.Address
	pauses        nativecommon.PauseView

	// mu serialises top-level calls; the latch is raised only while a
	// flash-loan callback executes and detects re-entry from it.
	mu    sync.RWMutex
	latch nativecommon.Latch

	maxPriceAge time.Duration
	nowFn       func() time.Time
}

// NewEngine constructs a lending engine bound to the ledger's module account
// and administrator identity.
func NewEngine(moduleAddr, admin crypto.Address) *Engine {
	return &Engine{
		configs:       NewConfigStore(),
		tokens:        make(map[string]Token),
		moduleAddress: moduleAddr,
		admin:         admin,
		maxPriceAge:   time.Minute,
		nowFn:         time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses installs the pause switches consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetOracle wires the price source used for risk aggregation.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// RotateOracle swaps the price source. Administrator only.
func (e *Engine) RotateOracle(caller crypto.Address, oracle PriceOracle) error {
	if e == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrUnauthorized
	}
	e.mu.Lock()
	e.oracle = oracle
	e.mu.Unlock()
	return nil
}

// SetMaxPriceAge configures the staleness bound applied to oracle quotes.
func (e *Engine) SetMaxPriceAge(age time.Duration) {
	if e == nil || age <= 0 {
		return
	}
	e.maxPriceAge = age
}

// SetTimeSource overrides the accrual clock. Tests drive time through this.
func (e *Engine) SetTimeSource(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// RegisterToken binds the transfer capability for an asset.
func (e *Engine) RegisterToken(asset string, token Token) {
	if e == nil || token == nil {
		return
	}
	if e.tokens == nil {
		e.tokens = make(map[string]Token)
	}
	e.tokens[asset] = token
}

// ModuleAddress returns the account holding the ledger's pooled liquidity.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// ConfigureAsset creates or updates a market's risk parameters.
// Administrator only; markets are never deleted, only deactivated.
func (e *Engine) ConfigureAsset(caller crypto.Address, cfg *AssetConfig) error {
	if e == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrUnauthorized
	}
	return e.configs.Put(cfg)
}

// AssetConfigOf returns the stored configuration for an asset.
func (e *Engine) AssetConfigOf(asset string) (*AssetConfig, error) {
	if e == nil {
		return nil, ErrNilState
	}
	return e.configs.Get(asset)
}

// Assets lists the configured market symbols.
func (e *Engine) Assets() []string {
	if e == nil {
		return nil
	}
	return e.configs.Symbols()
}

// Deposit transfers amount of asset from the caller into the pool and
// increases their deposit principal.
func (e *Engine) Deposit(caller crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.guard("deposit"); err != nil {
		return err
	}
	unlock, err := e.begin()
	if err != nil {
		return err
	}
	defer unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	cfg, err := e.activeConfig(asset)
	if err != nil {
		return err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return err
	}
	fees, feesChanged, err := e.accrueInterest(reserve, cfg)
	if err != nil {
		return err
	}

	token, err := e.token(asset)
	if err != nil {
		return err
	}

	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}

	if err := token.TransferFrom(caller, amount); err != nil {
		return err
	}

	position.DepositPrincipal = new(big.Int).Add(position.DepositPrincipal, amount)
	reserve.TotalDeposits = new(big.Int).Add(reserve.TotalDeposits, amount)

	if feesChanged {
		if err := e.state.PutFeeAccrual(asset, fees); err != nil {
			return err
		}
	}
	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	return e.state.PutReserve(reserve)
}

// Withdraw releases deposited liquidity back to the caller. Passing
// MaxAmount (or nil) withdraws the full balance after accrual. Withdrawals
// are bounded by non-borrowed liquidity even when the caller's own balance
// is larger, and must leave the position healthy.
func (e *Engine) Withdraw(caller crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.guard("withdraw"); err != nil {
		return nil, err
	}
	unlock, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := e.activeConfig(asset)
	if err != nil {
		return nil, err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return nil, err
	}
	fees, feesChanged, err := e.accrueInterest(reserve, cfg)
	if err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return nil, err
	}

	requested := amount
	if requested == nil || requested.Cmp(MaxAmount) == 0 {
		requested = new(big.Int).Set(position.DepositPrincipal)
	}
	if requested.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if requested.Cmp(position.DepositPrincipal) > 0 {
		return nil, ErrInsufficientBalance
	}
	if requested.Cmp(e.availableLiquidity(reserve)) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	// The remaining collateral must keep the account healthy against its
	// debt across every market.
	healthy, err := e.remainsHealthyAfterWithdraw(caller, asset, reserve, position, requested)
	if err != nil {
		return nil, err
	}
	if !healthy {
		return nil, ErrHealthCheckFailed
	}

	token, err := e.token(asset)
	if err != nil {
		return nil, err
	}
	if err := token.Transfer(caller, requested); err != nil {
		return nil, err
	}

	position.DepositPrincipal = new(big.Int).Sub(position.DepositPrincipal, requested)
	reserve.TotalDeposits = new(big.Int).Sub(reserve.TotalDeposits, requested)

	if feesChanged {
		if err := e.state.PutFeeAccrual(asset, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	return requested, nil
}

// Borrow draws amount of asset against the caller's collateral across all
// markets. The post-borrow position must satisfy the collateral-factor
// aggregate.
func (e *Engine) Borrow(caller crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.guard("borrow"); err != nil {
		return err
	}
	unlock, err := e.begin()
	if err != nil {
		return err
	}
	defer unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	cfg, err := e.activeConfig(asset)
	if err != nil {
		return err
	}
	if !cfg.CanBorrow {
		return ErrBorrowDisabled
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return err
	}
	fees, feesChanged, err := e.accrueInterest(reserve, cfg)
	if err != nil {
		return err
	}

	if amount.Cmp(e.availableLiquidity(reserve)) > 0 {
		return ErrInsufficientLiquidity
	}
	if cfg.BorrowCapReached(reserve, amount) {
		return ErrBorrowCapExceeded
	}

	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}
	e.syncDebt(position, reserve)

	// Gate on the collateral-factor aggregate over every market the caller
	// participates in, priced at current oracle quotes. The overlay makes
	// the in-flight accrual visible to the risk check before it persists.
	agg, err := e.aggregates(caller, &overlay{asset: asset, reserve: reserve, position: position})
	if err != nil {
		return err
	}
	price, err := e.freshPrice(asset)
	if err != nil {
		return err
	}
	projectedDebt := new(big.Int).Add(agg.debtValue, wadMulDown(amount, price))
	if agg.borrowableValue.Cmp(projectedDebt) < 0 {
		return ErrHealthCheckFailed
	}

	token, err := e.token(asset)
	if err != nil {
		return err
	}
	if err := token.Transfer(caller, amount); err != nil {
		return err
	}

	position.BorrowPrincipal = new(big.Int).Add(position.BorrowPrincipal, amount)
	position.BorrowIndexSnapshot = new(big.Int).Set(reserve.BorrowIndex)
	position.TotalBorrowed = new(big.Int).Add(position.TotalBorrowed, amount)
	reserve.TotalBorrows = new(big.Int).Add(reserve.TotalBorrows, amount)

	if feesChanged {
		if err := e.state.PutFeeAccrual(asset, fees); err != nil {
			return err
		}
	}
	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	return e.state.PutReserve(reserve)
}

// Repay settles the caller's debt after rebasing it to the current index.
// Passing MaxAmount (or nil) repays everything owed. Only the amount
// actually applied is pulled in, and it is returned to the caller.
func (e *Engine) Repay(caller crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	return e.repayOnBehalf(caller, caller, asset, amount)
}

func (e *Engine) repayOnBehalf(payer, borrower crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.guard("repay"); err != nil {
		return nil, err
	}
	unlock, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := e.activeConfig(asset)
	if err != nil {
		return nil, err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return nil, err
	}
	fees, feesChanged, err := e.accrueInterest(reserve, cfg)
	if err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(asset, borrower)
	if err != nil {
		return nil, err
	}
	e.syncDebt(position, reserve)
	if position.BorrowPrincipal.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}

	requested := amount
	if requested == nil || requested.Cmp(MaxAmount) == 0 {
		requested = new(big.Int).Set(position.BorrowPrincipal)
	}
	if requested.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	applied := new(big.Int).Set(requested)
	if applied.Cmp(position.BorrowPrincipal) > 0 {
		applied = new(big.Int).Set(position.BorrowPrincipal)
	}

	token, err := e.token(asset)
	if err != nil {
		return nil, err
	}
	if err := token.TransferFrom(payer, applied); err != nil {
		return nil, err
	}

	position.BorrowPrincipal = new(big.Int).Sub(position.BorrowPrincipal, applied)
	reserve.TotalBorrows = new(big.Int).Sub(reserve.TotalBorrows, applied)
	if reserve.TotalBorrows.Sign() < 0 {
		reserve.TotalBorrows = big.NewInt(0)
	}

	if feesChanged {
		if err := e.state.PutFeeAccrual(asset, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	return applied, nil
}

// ReserveSnapshot returns a copy of the aggregate state for the asset.
func (e *Engine) ReserveSnapshot(asset string) (*ReserveState, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.configs.Get(asset); err != nil {
		return nil, err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return nil, err
	}
	return reserve.Clone(), nil
}

// Position returns a copy of the caller's balances in one market. Debt is
// rebased to the current stored index without mutating state.
func (e *Engine) Position(asset string, addr crypto.Address) (*UserPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.configs.Get(asset); err != nil {
		return nil, err
	}
	reserve, err := e.ensureReserve(asset)
	if err != nil {
		return nil, err
	}
	position, err := e.ensurePosition(asset, addr)
	if err != nil {
		return nil, err
	}
	snapshot := position.Clone()
	snapshot.BorrowPrincipal = rebaseDebt(position.BorrowPrincipal, position.BorrowIndexSnapshot, reserve.BorrowIndex)
	snapshot.BorrowIndexSnapshot = new(big.Int).Set(reserve.BorrowIndex)
	return snapshot, nil
}

// --- internal helpers ---

func (e *Engine) activeConfig(asset string) (*AssetConfig, error) {
	cfg, err := e.configs.Get(asset)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, ErrAssetInactive
	}
	return cfg, nil
}

func (e *Engine) token(asset string) (Token, error) {
	token, ok := e.tokens[asset]
	if !ok || token == nil {
		return nil, ErrTokenNotConfigured
	}
	return token, nil
}

// guard enforces both the module-wide switch and the per-flow switch
// ("lending" and "lending.<flow>").
func (e *Engine) guard(flow string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	return nativecommon.Guard(e.pauses, moduleName+"."+flow)
}

// begin serialises a top-level mutating call. The latch is raised only while
// a flash-loan callback executes, so observing it raised means the caller is
// re-entering the engine from inside that callback; anything else waits for
// the write lock.
func (e *Engine) begin() (func(), error) {
	if e.latch.Held() {
		return nil, nativecommon.ErrReentrantCall
	}
	e.mu.Lock()
	return e.mu.Unlock, nil
}

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(e.nowFn().Unix())
}

func (e *Engine) ensureReserve(asset string) (*ReserveState, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	reserve, err := e.state.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	if reserve == nil {
		reserve = &ReserveState{Asset: asset, LastAccrualTime: e.now()}
	}
	if reserve.TotalDeposits == nil {
		reserve.TotalDeposits = big.NewInt(0)
	}
	if reserve.TotalBorrows == nil {
		reserve.TotalBorrows = big.NewInt(0)
	}
	if reserve.BorrowIndex == nil || reserve.BorrowIndex.Sign() == 0 {
		reserve.BorrowIndex = new(big.Int).Set(wad)
	}
	return reserve, nil
}

func (e *Engine) ensurePosition(asset string, addr crypto.Address) (*UserPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	position, err := e.state.GetPosition(asset, addr)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &UserPosition{Asset: asset, Address: addr}
	}
	if position.DepositPrincipal == nil {
		position.DepositPrincipal = big.NewInt(0)
	}
	if position.BorrowPrincipal == nil {
		position.BorrowPrincipal = big.NewInt(0)
	}
	if position.BorrowIndexSnapshot == nil || position.BorrowIndexSnapshot.Sign() == 0 {
		position.BorrowIndexSnapshot = new(big.Int).Set(wad)
	}
	if position.TotalBorrowed == nil {
		position.TotalBorrowed = big.NewInt(0)
	}
	return position, nil
}

func (e *Engine) availableLiquidity(reserve *ReserveState) *big.Int {
	liquidity := new(big.Int).Sub(reserve.TotalDeposits, reserve.TotalBorrows)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}

// accrueInterest advances the reserve's borrow index to now, compounds the
// outstanding debt and diverts the reserve-factor share of the interval's
// interest into protocol reserves. Idempotent when no time has elapsed.
func (e *Engine) accrueInterest(reserve *ReserveState, cfg *AssetConfig) (*FeeAccrual, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	fees, err := e.ensureFeeAccrual(reserve.Asset)
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	if reserve.LastAccrualTime == 0 {
		reserve.LastAccrualTime = now
		return fees, false, nil
	}
	if now <= reserve.LastAccrualTime {
		return fees, false, nil
	}
	elapsed := now - reserve.LastAccrualTime
	if reserve.TotalBorrows.Sign() == 0 {
		reserve.LastAccrualTime = now
		return fees, false, nil
	}

	rate := cfg.Model().BorrowAPR(reserve.TotalBorrows, reserve.TotalDeposits)
	factor := rateFactor(rate, elapsed)
	if factor.Cmp(wad) == 0 {
		reserve.LastAccrualTime = now
		return fees, false, nil
	}

	newIndex := wadMulUp(reserve.BorrowIndex, factor)
	interest := ceilDiv(new(big.Int).Mul(reserve.TotalBorrows, new(big.Int).Sub(factor, wad)), wad)
	reserve.BorrowIndex = newIndex
	reserve.LastAccrualTime = now
	if interest.Sign() == 0 {
		return fees, false, nil
	}

	reserveShare := bpsShare(interest, cfg.ReserveFactorBps)
	depositorShare := new(big.Int).Sub(interest, reserveShare)

	reserve.TotalBorrows = new(big.Int).Add(reserve.TotalBorrows, interest)
	reserve.TotalDeposits = new(big.Int).Add(reserve.TotalDeposits, depositorShare)
	if reserveShare.Sign() > 0 {
		fees.ReservesWei = new(big.Int).Add(fees.ReservesWei, reserveShare)
	}
	return fees, reserveShare.Sign() > 0, nil
}

func (e *Engine) ensureFeeAccrual(asset string) (*FeeAccrual, error) {
	fees, err := e.state.GetFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	if fees.ReservesWei == nil {
		fees.ReservesWei = big.NewInt(0)
	}
	return fees, nil
}

// syncDebt materialises the lazily accrued interest on a position by
// rebasing its principal to the reserve's current index.
func (e *Engine) syncDebt(position *UserPosition, reserve *ReserveState) {
	if position == nil || reserve == nil {
		return
	}
	position.BorrowPrincipal = rebaseDebt(position.BorrowPrincipal, position.BorrowIndexSnapshot, reserve.BorrowIndex)
	position.BorrowIndexSnapshot = new(big.Int).Set(reserve.BorrowIndex)
}

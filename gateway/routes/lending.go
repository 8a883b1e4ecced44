package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lendnet/crypto"
	nativecommon "lendnet/native/common"
	"lendnet/native/lending"
	"lendnet/observability"
)

const lendingRequestLimit = 1 << 20 // 1 MiB

// lendingRoutes wires HTTP handlers directly to the lending engine.
type lendingRoutes struct {
	engine *lending.Engine
	pauses *nativecommon.Switches
	logger *slog.Logger
}

func (lr *lendingRoutes) mount(r chi.Router) {
	r.Get("/markets", lr.listMarkets)
	r.Post("/markets/get", lr.getMarket)
	r.Post("/positions/get", lr.getPosition)
	r.Post("/health", lr.accountHealth)
	r.Post("/deposit", lr.deposit)
	r.Post("/withdraw", lr.withdraw)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/liquidate", lr.liquidate)
}

func (lr *lendingRoutes) mountAdmin(r chi.Router) {
	r.Post("/admin/markets/configure", lr.configureMarket)
	r.Post("/admin/reserves/withdraw", lr.withdrawReserves)
	r.Post("/admin/pause", lr.setPause)
}

// pauseFlows lists the switches an operator may flip, beside the
// module-wide "lending" switch itself.
var pauseFlows = map[string]bool{
	"deposit":   true,
	"withdraw":  true,
	"borrow":    true,
	"repay":     true,
	"flashloan": true,
	"liquidate": true,
	"reserves":  true,
}

type marketPayload struct {
	Symbol                  string `json:"symbol"`
	TotalDeposits           string `json:"totalDeposits"`
	TotalBorrows            string `json:"totalBorrows"`
	BorrowIndex             string `json:"borrowIndex"`
	LastAccrualTime         uint64 `json:"lastAccrualTime"`
	CollateralFactorBps     uint64 `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps"`
	Active                  bool   `json:"active"`
	CanBorrow               bool   `json:"canBorrow"`
	CanUseAsCollateral      bool   `json:"canUseAsCollateral"`
	BorrowAPR               string `json:"borrowApr"`
	SupplyAPY               string `json:"supplyApy"`
	ProtocolReserves        string `json:"protocolReserves"`
}

func (lr *lendingRoutes) marketPayload(symbol string) (*marketPayload, error) {
	cfg, err := lr.engine.AssetConfigOf(symbol)
	if err != nil {
		return nil, err
	}
	reserve, err := lr.engine.ReserveSnapshot(symbol)
	if err != nil {
		return nil, err
	}
	reserves, err := lr.engine.Reserves(symbol)
	if err != nil {
		return nil, err
	}
	model := cfg.Model()
	return &marketPayload{
		Symbol:                  symbol,
		TotalDeposits:           reserve.TotalDeposits.String(),
		TotalBorrows:            reserve.TotalBorrows.String(),
		BorrowIndex:             reserve.BorrowIndex.String(),
		LastAccrualTime:         reserve.LastAccrualTime,
		CollateralFactorBps:     cfg.CollateralFactorBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidationBonusBps:     cfg.LiquidationBonusBps,
		ReserveFactorBps:        cfg.ReserveFactorBps,
		Active:                  cfg.Active,
		CanBorrow:               cfg.CanBorrow,
		CanUseAsCollateral:      cfg.CanUseAsCollateral,
		BorrowAPR:               model.BorrowAPR(reserve.TotalBorrows, reserve.TotalDeposits).FloatString(6),
		SupplyAPY:               model.SupplyAPY(reserve.TotalBorrows, reserve.TotalDeposits, cfg.ReserveFactorBps).FloatString(6),
		ProtocolReserves:        reserves.String(),
	}, nil
}

func (lr *lendingRoutes) listMarkets(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	payloads := make([]*marketPayload, 0)
	var failure error
	for _, symbol := range lr.engine.Assets() {
		payload, err := lr.marketPayload(symbol)
		if err != nil {
			failure = err
			break
		}
		payloads = append(payloads, payload)
	}
	observability.Lending().Observe("list_markets", failure, started)
	if failure != nil {
		lr.writeEngineError(w, failure)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": payloads})
}

type marketKeyRequest struct {
	Symbol string `json:"symbol"`
}

func (lr *lendingRoutes) getMarket(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req marketKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	payload, err := lr.marketPayload(strings.TrimSpace(req.Symbol))
	observability.Lending().Observe("get_market", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": payload})
}

type positionRequest struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

func (lr *lendingRoutes) getPosition(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req positionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	position, err := lr.engine.Position(strings.TrimSpace(req.Symbol), addr)
	observability.Lending().Observe("get_position", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":           position.Asset,
		"address":          position.Address.String(),
		"depositPrincipal": position.DepositPrincipal.String(),
		"debt":             position.BorrowPrincipal.String(),
		"totalBorrowed":    position.TotalBorrowed.String(),
	})
}

type accountRequest struct {
	Address string `json:"address"`
}

func (lr *lendingRoutes) accountHealth(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req accountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	health, err := lr.engine.HealthFactor(addr)
	if err == nil {
		var maxBorrow, debtValue *big.Int
		maxBorrow, err = lr.engine.MaxBorrowValue(addr)
		if err == nil {
			debtValue, err = lr.engine.DebtValue(addr)
		}
		if err == nil {
			observability.Lending().Observe("account_health", nil, started)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"address":        addr.String(),
				"healthFactor":   health.String(),
				"maxBorrowValue": maxBorrow.String(),
				"debtValue":      debtValue.String(),
			})
			return
		}
	}
	observability.Lending().Observe("account_health", err, started)
	lr.writeEngineError(w, err)
}

type amountRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

func (req amountRequest) parse() (crypto.Address, string, *big.Int, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		return crypto.Address{}, "", nil, err
	}
	symbol := strings.TrimSpace(req.Symbol)
	trimmed := strings.TrimSpace(req.Amount)
	if strings.EqualFold(trimmed, "max") {
		return addr, symbol, lending.MaxAmount, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return crypto.Address{}, "", nil, errors.New("invalid amount")
	}
	return addr, symbol, amount, nil
}

func (lr *lendingRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, symbol, amount, err := req.parse()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	err = lr.engine.Deposit(addr, symbol, amount)
	observability.Lending().Observe("deposit", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deposited": amount.String()})
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, symbol, amount, err := req.parse()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	withdrawn, err := lr.engine.Withdraw(addr, symbol, amount)
	observability.Lending().Observe("withdraw", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawn": withdrawn.String()})
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, symbol, amount, err := req.parse()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	err = lr.engine.Borrow(addr, symbol, amount)
	observability.Lending().Observe("borrow", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"borrowed": amount.String()})
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, symbol, amount, err := req.parse()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	applied, err := lr.engine.Repay(addr, symbol, amount)
	observability.Lending().Observe("repay", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repaid": applied.String()})
}

type liquidateRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	CollateralAsset string `json:"collateralAsset"`
	DebtAsset       string `json:"debtAsset"`
	DebtToCover     string `json:"debtToCover"`
}

func (lr *lendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	liquidator, err := crypto.DecodeAddress(strings.TrimSpace(req.Liquidator))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	borrower, err := crypto.DecodeAddress(strings.TrimSpace(req.Borrower))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	debtToCover, ok := new(big.Int).SetString(strings.TrimSpace(req.DebtToCover), 10)
	if !ok {
		writeBadRequest(w, errors.New("invalid debtToCover"))
		return
	}
	repaid, seized, err := lr.engine.Liquidate(liquidator, strings.TrimSpace(req.CollateralAsset), strings.TrimSpace(req.DebtAsset), borrower, debtToCover)
	observability.Lending().Observe("liquidate", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repaid": repaid.String(),
		"seized": seized.String(),
	})
}

type configureMarketRequest struct {
	Admin                   string  `json:"admin"`
	Symbol                  string  `json:"symbol"`
	CollateralFactorBps     uint64  `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64  `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64  `json:"liquidationBonusBps"`
	ReserveFactorBps        uint64  `json:"reserveFactorBps"`
	Active                  bool    `json:"active"`
	CanBorrow               bool    `json:"canBorrow"`
	CanUseAsCollateral      bool    `json:"canUseAsCollateral"`
	BorrowCapWei            string  `json:"borrowCapWei"`
	UtilisationCapBps       uint64  `json:"utilisationCapBps"`
	BaseRate                float64 `json:"baseRate"`
	Slope1                  float64 `json:"slope1"`
	Slope2                  float64 `json:"slope2"`
	Kink                    float64 `json:"kink"`
}

func (lr *lendingRoutes) configureMarket(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req configureMarketRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	admin, err := crypto.DecodeAddress(strings.TrimSpace(req.Admin))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	cfg := &lending.AssetConfig{
		Symbol:                  strings.TrimSpace(req.Symbol),
		CollateralFactorBps:     req.CollateralFactorBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		LiquidationBonusBps:     req.LiquidationBonusBps,
		ReserveFactorBps:        req.ReserveFactorBps,
		Active:                  req.Active,
		CanBorrow:               req.CanBorrow,
		CanUseAsCollateral:      req.CanUseAsCollateral,
		Caps:                    lending.BorrowCaps{UtilisationBps: req.UtilisationCapBps},
	}
	if trimmed := strings.TrimSpace(req.BorrowCapWei); trimmed != "" {
		cap, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			writeBadRequest(w, errors.New("invalid borrowCapWei"))
			return
		}
		cfg.Caps.Total = cap
	}
	if req.BaseRate != 0 || req.Slope1 != 0 || req.Slope2 != 0 || req.Kink != 0 {
		cfg.InterestModel = lending.NewInterestModel(req.BaseRate, req.Slope1, req.Slope2, req.Kink)
	}
	err = lr.engine.ConfigureAsset(admin, cfg)
	observability.Lending().Observe("configure_market", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configured": cfg.Symbol})
}

type pauseRequest struct {
	Flow   string `json:"flow"`
	Paused bool   `json:"paused"`
}

func (lr *lendingRoutes) setPause(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	if lr.pauses == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "pause switches not configured"})
		return
	}
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	name := "lending"
	if flow := strings.TrimSpace(req.Flow); flow != "" {
		if !pauseFlows[flow] {
			writeBadRequest(w, errors.New("unknown flow"))
			return
		}
		name = name + "." + flow
	}
	lr.pauses.SetPaused(name, req.Paused)
	observability.Lending().Observe("set_pause", nil, started)
	lr.logger.Info("pause switch updated", "switch", name, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"switch": name, "paused": req.Paused})
}

type withdrawReservesRequest struct {
	Admin  string `json:"admin"`
	Symbol string `json:"symbol"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (lr *lendingRoutes) withdrawReserves(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req withdrawReservesRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	admin, err := crypto.DecodeAddress(strings.TrimSpace(req.Admin))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	to, err := crypto.DecodeAddress(strings.TrimSpace(req.To))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeBadRequest(w, errors.New("invalid amount"))
		return
	}
	withdrawn, err := lr.engine.WithdrawReserves(admin, strings.TrimSpace(req.Symbol), to, amount)
	observability.Lending().Observe("withdraw_reserves", err, started)
	if err != nil {
		lr.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawn": withdrawn.String()})
}

// --- plumbing ---

func decodeRequest(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, lendingRequestLimit))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (lr *lendingRoutes) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lending.ErrAssetNotConfigured):
		status = http.StatusNotFound
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidRiskParams):
		status = http.StatusBadRequest
	case errors.Is(err, lending.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, lending.ErrAssetInactive),
		errors.Is(err, lending.ErrBorrowDisabled),
		errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrBorrowCapExceeded),
		errors.Is(err, lending.ErrHealthCheckFailed),
		errors.Is(err, lending.ErrPositionHealthy),
		errors.Is(err, lending.ErrNoDebtToRepay),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, nativecommon.ErrReentrantCall):
		status = http.StatusConflict
	case errors.Is(err, lending.ErrNoValidPrice),
		errors.Is(err, lending.ErrOracleNotConfigured):
		status = http.StatusServiceUnavailable
	}
	lr.logger.Warn("lending operation rejected", "err", err, "status", status)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

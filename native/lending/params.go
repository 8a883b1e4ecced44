package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

var (
	ErrAssetNotConfigured = errors.New("lending engine: asset not configured")
	ErrAssetInactive      = errors.New("lending engine: asset not active")
	ErrInvalidRiskParams  = errors.New("lending engine: invalid risk parameters")
)

// AssetConfig groups the governance controlled risk parameters for a single
// market. All fractional values are expressed in basis points out of 10 000.
type AssetConfig struct {
	// Symbol identifies the market.
	Symbol string
	// CollateralFactorBps is the maximum loan-to-value ratio permitted when
	// opening new borrows.
	CollateralFactorBps uint64
	// LiquidationThresholdBps is the LTV where positions become eligible
	// for liquidation. Must be at least CollateralFactorBps.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the extra collateral fraction granted to
	// liquidators.
	LiquidationBonusBps uint64
	// ReserveFactorBps is the share of accrued interest routed to protocol
	// reserves instead of depositors.
	ReserveFactorBps uint64
	// Active gates every operation on the market.
	Active bool
	// CanBorrow gates new borrows.
	CanBorrow bool
	// CanUseAsCollateral controls whether deposits count towards the
	// account's collateral value.
	CanUseAsCollateral bool
	// Caps throttles borrow growth for the market.
	Caps BorrowCaps
	// InterestModel shapes the borrow rate curve. Nil selects
	// DefaultInterestModel.
	InterestModel *InterestModel
}

// Validate checks the internal consistency of the configuration.
func (c *AssetConfig) Validate() error {
	if c == nil {
		return ErrInvalidRiskParams
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidRiskParams)
	}
	if c.CollateralFactorBps > 10_000 || c.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("%w: factors exceed 100%%", ErrInvalidRiskParams)
	}
	if c.LiquidationThresholdBps < c.CollateralFactorBps {
		return fmt.Errorf("%w: liquidation threshold below collateral factor", ErrInvalidRiskParams)
	}
	if c.ReserveFactorBps > 10_000 {
		return fmt.Errorf("%w: reserve factor exceeds 100%%", ErrInvalidRiskParams)
	}
	if c.Caps.UtilisationBps > 10_000 {
		return fmt.Errorf("%w: utilisation cap exceeds 100%%", ErrInvalidRiskParams)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *AssetConfig) Clone() *AssetConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Caps = c.Caps.Clone()
	clone.InterestModel = c.InterestModel.Clone()
	return &clone
}

// Model resolves the interest model to use for accrual.
func (c *AssetConfig) Model() *InterestModel {
	if c == nil || c.InterestModel == nil {
		return DefaultInterestModel
	}
	return c.InterestModel
}

// BorrowCapReached reports whether a borrow of amount would breach the
// configured caps for the given reserve.
func (c *AssetConfig) BorrowCapReached(reserve *ReserveState, amount *big.Int) bool {
	if c == nil || reserve == nil {
		return false
	}
	projected := new(big.Int).Add(reserve.TotalBorrows, amount)
	if c.Caps.Total != nil && c.Caps.Total.Sign() > 0 && projected.Cmp(c.Caps.Total) > 0 {
		return true
	}
	if c.Caps.UtilisationBps > 0 && reserve.TotalDeposits.Sign() > 0 {
		// projected / deposits > cap  <=>  projected * 10_000 > deposits * cap
		lhs := new(big.Int).Mul(projected, basisPoints)
		rhs := new(big.Int).Mul(reserve.TotalDeposits, new(big.Int).SetUint64(c.Caps.UtilisationBps))
		if lhs.Cmp(rhs) > 0 {
			return true
		}
	}
	return false
}

// ConfigStore holds the per-asset risk parameters. Assets are never deleted;
// deactivation is expressed through the Active flag. Safe for concurrent
// use: governance updates arrive while the engine serves reads.
type ConfigStore struct {
	mu     sync.RWMutex
	assets map[string]*AssetConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{assets: make(map[string]*AssetConfig)}
}

// Put validates and upserts an asset configuration.
func (s *ConfigStore) Put(cfg *AssetConfig) error {
	if s == nil {
		return ErrInvalidRiskParams
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assets == nil {
		s.assets = make(map[string]*AssetConfig)
	}
	s.assets[cfg.Symbol] = cfg.Clone()
	return nil
}

// Get returns the configuration for the given asset symbol.
func (s *ConfigStore) Get(symbol string) (*AssetConfig, error) {
	if s == nil {
		return nil, ErrAssetNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.assets[strings.TrimSpace(symbol)]
	if !ok {
		return nil, ErrAssetNotConfigured
	}
	return cfg.Clone(), nil
}

// Symbols lists every configured asset in deterministic order.
func (s *ConfigStore) Symbols() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for symbol := range s.assets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

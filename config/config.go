package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"lendnet/crypto"
	"lendnet/native/lending"
)

// Config captures the runtime configuration for the lendnet daemon.
type Config struct {
	ListenAddress      string                  `toml:"ListenAddress"`
	MetricsAddress     string                  `toml:"MetricsAddress"`
	DataDir            string                  `toml:"DataDir"`
	Environment        string                  `toml:"Environment"`
	AdminAddress       string                  `toml:"AdminAddress"`
	ModuleAddress      string                  `toml:"ModuleAddress"`
	MaxPriceAgeSeconds uint64                  `toml:"MaxPriceAgeSeconds"`
	Auth               AuthConfig              `toml:"auth"`
	RateLimit          RateLimitConfig         `toml:"ratelimit"`
	Markets            map[string]MarketConfig `toml:"markets"`
}

// AuthConfig controls the gateway's bearer-token authentication.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// RateLimitConfig throttles gateway clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// MarketConfig describes one asset market's risk parameters. Fractions are
// basis points out of 10 000.
type MarketConfig struct {
	CollateralFactorBps     uint64         `toml:"CollateralFactorBps"`
	LiquidationThresholdBps uint64         `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64         `toml:"LiquidationBonusBps"`
	ReserveFactorBps        uint64         `toml:"ReserveFactorBps"`
	Active                  bool           `toml:"Active"`
	CanBorrow               bool           `toml:"CanBorrow"`
	CanUseAsCollateral      bool           `toml:"CanUseAsCollateral"`
	BorrowCapWei            string         `toml:"BorrowCapWei"`
	UtilisationCapBps       uint64         `toml:"UtilisationCapBps"`
	Interest                InterestConfig `toml:"interest"`
}

// InterestConfig mirrors the kinked rate curve parameters as decimals, e.g.
// a 2% base rate is 0.02 and an 80% kink is 0.8.
type InterestConfig struct {
	BaseRate float64 `toml:"BaseRate"`
	Slope1   float64 `toml:"Slope1"`
	Slope2   float64 `toml:"Slope2"`
	Kink     float64 `toml:"Kink"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lendnet-data"
	}
	if c.MaxPriceAgeSeconds == 0 {
		c.MaxPriceAgeSeconds = 60
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 30
	}
}

// Validate checks cross-field consistency without touching the filesystem.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdminAddress) != "" {
		if _, err := crypto.DecodeAddress(c.AdminAddress); err != nil {
			return fmt.Errorf("invalid AdminAddress: %w", err)
		}
	}
	if strings.TrimSpace(c.ModuleAddress) != "" {
		if _, err := crypto.DecodeAddress(c.ModuleAddress); err != nil {
			return fmt.Errorf("invalid ModuleAddress: %w", err)
		}
	}
	for symbol, market := range c.Markets {
		if _, err := market.AssetConfig(symbol); err != nil {
			return fmt.Errorf("market %s: %w", symbol, err)
		}
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth enabled without HMACSecret")
	}
	return nil
}

// AssetConfig converts the market stanza into engine risk parameters.
func (m MarketConfig) AssetConfig(symbol string) (*lending.AssetConfig, error) {
	cfg := &lending.AssetConfig{
		Symbol:                  symbol,
		CollateralFactorBps:     m.CollateralFactorBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		ReserveFactorBps:        m.ReserveFactorBps,
		Active:                  m.Active,
		CanBorrow:               m.CanBorrow,
		CanUseAsCollateral:      m.CanUseAsCollateral,
		Caps: lending.BorrowCaps{
			UtilisationBps: m.UtilisationCapBps,
		},
	}
	if trimmed := strings.TrimSpace(m.BorrowCapWei); trimmed != "" {
		cap, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || cap.Sign() < 0 {
			return nil, fmt.Errorf("invalid BorrowCapWei %q", m.BorrowCapWei)
		}
		cfg.Caps.Total = cap
	}
	if m.Interest != (InterestConfig{}) {
		cfg.InterestModel = lending.NewInterestModel(m.Interest.BaseRate, m.Interest.Slope1, m.Interest.Slope2, m.Interest.Kink)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Markets: map[string]MarketConfig{
			"USDX": {
				CollateralFactorBps:     7500,
				LiquidationThresholdBps: 8000,
				LiquidationBonusBps:     500,
				ReserveFactorBps:        1000,
				Active:                  true,
				CanBorrow:               true,
				CanUseAsCollateral:      true,
				Interest: InterestConfig{
					BaseRate: 0.02,
					Slope1:   0.15,
					Slope2:   0.6,
					Kink:     0.8,
				},
			},
		},
	}
	cfg.applyDefaults()

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

package lending

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	ErrOracleNotConfigured = errors.New("lending engine: price oracle not configured")
	ErrNoValidPrice        = errors.New("lending engine: no valid price")
)

// PriceQuote captures a price observation for one asset. Price is the
// wad-scaled value of one whole token in the oracle's quote unit.
type PriceQuote struct {
	Price     *big.Int
	UpdatedAt time.Time
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{UpdatedAt: q.UpdatedAt}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// PriceOracle resolves the current quote-denominated price for an asset.
// Staleness policy is enforced by the caller: the engine rejects quotes whose
// UpdatedAt is older than its configured maximum age.
type PriceOracle interface {
	GetPriceWithTimestamp(asset string) (PriceQuote, error)
}

// StaticOracle is a mutable in-memory oracle used by tests and by the
// standalone daemon when no external feed is wired.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
	nowFn  func() time.Time
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]PriceQuote), nowFn: time.Now}
}

// SetPrice records a fresh quote for the asset.
func (o *StaticOracle) SetPrice(asset string, price *big.Int) {
	o.SetPriceAt(asset, price, o.now())
}

// SetPriceAt records a quote with an explicit observation time.
func (o *StaticOracle) SetPriceAt(asset string, price *big.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.quotes == nil {
		o.quotes = make(map[string]PriceQuote)
	}
	quote := PriceQuote{UpdatedAt: at}
	if price != nil {
		quote.Price = new(big.Int).Set(price)
	}
	o.quotes[asset] = quote
}

func (o *StaticOracle) GetPriceWithTimestamp(asset string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	quote, ok := o.quotes[asset]
	if !ok || quote.Price == nil || quote.Price.Sign() <= 0 {
		return PriceQuote{}, ErrNoValidPrice
	}
	return quote.Clone(), nil
}

func (o *StaticOracle) now() time.Time {
	if o.nowFn != nil {
		return o.nowFn()
	}
	return time.Now()
}

package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var wad = decimal.New(1, 18)

// StaticOracle holds rates pushed by an operator or a test.
type StaticOracle struct {
	mu    sync.RWMutex
	rates map[common.Address]Quote
	now   func() time.Time
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		rates: make(map[common.Address]Quote),
		now:   time.Now,
	}
}

// WithClock overrides the clock used to stamp pushed rates.
func (o *StaticOracle) WithClock(now func() time.Time) *StaticOracle {
	o.now = now
	return o
}

// SetRate stores a 1e18-scaled rate for token.
func (o *StaticOracle) SetRate(token common.Address, value *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[token] = Quote{Value: new(uint256.Int).Set(value), UpdatedAt: o.now()}
}

// SetPrices stores rates for both tokens of a pair.
func (o *StaticOracle) SetPrices(token0, token1 common.Address, price0, price1 *uint256.Int) {
	o.SetRate(token0, price0)
	o.SetRate(token1, price1)
}

// SetDecimalRate parses a human price such as "0.5" and stores it scaled by 1e18.
func (o *StaticOracle) SetDecimalRate(token common.Address, price string) error {
	value, err := ParseRate(price)
	if err != nil {
		return err
	}
	o.SetRate(token, value)
	return nil
}

func (o *StaticOracle) Rate(_ context.Context, token common.Address) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.rates[token]
	if !ok {
		return Quote{}, fmt.Errorf("rate for %s: %w", token.Hex(), ErrPriceUnavailable)
	}
	return Quote{Value: new(uint256.Int).Set(q.Value), UpdatedAt: q.UpdatedAt}, nil
}

// ParseRate converts a decimal price into a 1e18-scaled integer.
func ParseRate(price string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("parse price %q: %w", price, ErrPriceUnavailable)
	}
	scaled := d.Mul(wad).Truncate(0)
	value, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse price %q: overflow", price)
	}
	return value, nil
}

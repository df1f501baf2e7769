package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/chain"
)

const aggregatorV3ABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "latestRoundData", "outputs": [
    {"name": "roundId", "type": "uint80"},
    {"name": "answer", "type": "int256"},
    {"name": "startedAt", "type": "uint256"},
    {"name": "updatedAt", "type": "uint256"},
    {"name": "answeredInRound", "type": "uint80"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	aggregatorABI     abi.ABI
	aggregatorABIOnce sync.Once
	aggregatorABIErr  error
)

// AggregatorV3ABI returns the parsed price feed ABI.
func AggregatorV3ABI() (abi.ABI, error) {
	aggregatorABIOnce.Do(func() {
		aggregatorABI, aggregatorABIErr = abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	})
	return aggregatorABI, aggregatorABIErr
}

// FeedConfig maps tokens to their on-chain price feed contracts.
type FeedConfig struct {
	Feeds        map[common.Address]common.Address
	MaxRetries   int
	RetryBackoff time.Duration
}

// FeedOracle pulls rates from AggregatorV3-style feeds and serves them from memory.
type FeedOracle struct {
	caller chain.Caller
	cfg    FeedConfig
	logger *zap.Logger

	mu       sync.RWMutex
	quotes   map[common.Address]Quote
	decimals map[common.Address]uint8
}

func NewFeedOracle(caller chain.Caller, cfg FeedConfig, logger *zap.Logger) *FeedOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedOracle{
		caller:   caller,
		cfg:      cfg,
		logger:   logger,
		quotes:   make(map[common.Address]Quote),
		decimals: make(map[common.Address]uint8),
	}
}

func (o *FeedOracle) Rate(_ context.Context, token common.Address) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[token]
	if !ok {
		return Quote{}, fmt.Errorf("rate for %s: %w", token.Hex(), ErrPriceUnavailable)
	}
	return Quote{Value: new(uint256.Int).Set(q.Value), UpdatedAt: q.UpdatedAt}, nil
}

// Refresh reads every configured feed once. Failed feeds keep their previous quote.
func (o *FeedOracle) Refresh(ctx context.Context) error {
	var errs []error
	for token, feed := range o.cfg.Feeds {
		var q Quote
		err := chain.WithRetry(ctx, o.cfg.MaxRetries, o.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			q, err = o.read(ctx, feed)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s for %s: %w", feed.Hex(), token.Hex(), err))
			continue
		}
		o.mu.Lock()
		o.quotes[token] = q
		o.mu.Unlock()
		o.logger.Debug("price updated",
			zap.String("token", token.Hex()),
			zap.String("rate", q.Value.Dec()),
			zap.Time("updated_at", q.UpdatedAt),
		)
	}
	return errors.Join(errs...)
}

// Run refreshes on every tick until ctx is cancelled.
func (o *FeedOracle) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("price refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.Refresh(ctx); err != nil {
				o.logger.Warn("price refresh failed", zap.Error(err))
			}
		}
	}
}

func (o *FeedOracle) read(ctx context.Context, feed common.Address) (Quote, error) {
	parsed, err := AggregatorV3ABI()
	if err != nil {
		return Quote{}, fmt.Errorf("parse aggregator abi: %w", err)
	}

	o.mu.RLock()
	dec, ok := o.decimals[feed]
	o.mu.RUnlock()
	if !ok {
		values, err := chain.Call(ctx, o.caller, feed, parsed, "decimals", nil)
		if err != nil {
			return Quote{}, err
		}
		if dec, err = chain.AsUint8(values[0]); err != nil {
			return Quote{}, err
		}
		o.mu.Lock()
		o.decimals[feed] = dec
		o.mu.Unlock()
	}

	values, err := chain.Call(ctx, o.caller, feed, parsed, "latestRoundData", nil)
	if err != nil {
		return Quote{}, err
	}
	if len(values) < 4 {
		return Quote{}, fmt.Errorf("latestRoundData: unexpected outputs %d", len(values))
	}
	answer, err := chain.AsBigInt(values[1])
	if err != nil {
		return Quote{}, fmt.Errorf("answer: %w", err)
	}
	updatedAt, err := chain.AsBigInt(values[3])
	if err != nil {
		return Quote{}, fmt.Errorf("updatedAt: %w", err)
	}
	if answer.Sign() <= 0 {
		return Quote{}, ErrPriceUnavailable
	}

	value, overflow := uint256.FromBig(scaleTo18(answer, dec))
	if overflow {
		return Quote{}, fmt.Errorf("answer %s: overflow", answer)
	}
	return Quote{Value: value, UpdatedAt: time.Unix(updatedAt.Int64(), 0)}, nil
}

func scaleTo18(v *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case decimals < 18:
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil))
	case decimals > 18:
		return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil))
	default:
		return out
	}
}

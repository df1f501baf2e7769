package aggregate

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"cofinance/internal/chain"
)

const defaultDecimals = 18

// TokenDecimals resolves token decimals from configuration, falling back to an
// ERC20 lookup when a chain caller is available.
type TokenDecimals struct {
	mu     sync.RWMutex
	data   map[common.Address]uint8
	caller chain.Caller
	meta   *chain.TokenMetaCache
	logger *zap.Logger
}

func NewTokenDecimals(known map[common.Address]uint8, caller chain.Caller, logger *zap.Logger) *TokenDecimals {
	if logger == nil {
		logger = zap.NewNop()
	}
	data := make(map[common.Address]uint8, len(known))
	for token, d := range known {
		data[token] = d
	}
	return &TokenDecimals{data: data, caller: caller, meta: chain.NewTokenMetaCache(), logger: logger}
}

func (c *TokenDecimals) Get(ctx context.Context, token string) (uint8, error) {
	if !common.IsHexAddress(token) {
		return defaultDecimals, fmt.Errorf("invalid token address: %s", token)
	}
	addr := common.HexToAddress(token)
	c.mu.RLock()
	d, ok := c.data[addr]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}
	if c.caller == nil {
		return defaultDecimals, nil
	}
	meta, err := c.meta.Resolve(ctx, c.caller, addr, c.logger)
	if err != nil {
		return defaultDecimals, err
	}
	c.mu.Lock()
	c.data[addr] = meta.Decimals
	c.mu.Unlock()
	return meta.Decimals, nil
}

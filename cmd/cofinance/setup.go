package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"cofinance/internal/chain"
	"cofinance/internal/config"
	"cofinance/internal/crosschain"
	"cofinance/internal/launchpad"
	"cofinance/internal/ledger"
	"cofinance/internal/oracle"
	"cofinance/internal/staking"
)

const defaultDecimals = 18

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseOptionalAddress(field, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, value)
}

// tokenDecimals collects the decimals declared by pool definitions.
func tokenDecimals(pools []config.PoolConfig) (map[common.Address]uint8, error) {
	out := make(map[common.Address]uint8)
	for i, p := range pools {
		t0, err := parseAddress(fmt.Sprintf("pools[%d].token0", i), p.Token0)
		if err != nil {
			return nil, err
		}
		t1, err := parseAddress(fmt.Sprintf("pools[%d].token1", i), p.Token1)
		if err != nil {
			return nil, err
		}
		if p.Decimals0 != 0 {
			out[t0] = p.Decimals0
		}
		if p.Decimals1 != 0 {
			out[t1] = p.Decimals1
		}
	}
	return out, nil
}

func decimalsOf(decimals map[common.Address]uint8, token common.Address) uint8 {
	if d, ok := decimals[token]; ok {
		return d
	}
	return defaultDecimals
}

// bootstrapLedger applies the configured roles, pools and genesis balances.
// Roles and balances are only applied to an empty ledger; missing pools are
// created on every start.
func bootstrapLedger(ctx context.Context, engine *ledger.Engine, cfg config.Config, decimals map[common.Address]uint8, logger *zap.Logger) error {
	admin, err := parseOptionalAddress("admin", cfg.Admin)
	if err != nil {
		return err
	}
	fresh := engine.Seq() == 0

	if fresh && admin != (common.Address{}) {
		if err := engine.Bootstrap(ctx, admin); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	if fresh && admin == (common.Address{}) && (len(cfg.Liquidators) > 0 || len(cfg.Genesis) > 0) {
		return errors.New("admin is required to grant liquidators or fund genesis balances")
	}

	if fresh {
		for _, raw := range cfg.Liquidators {
			acct, err := parseAddress("liquidators", raw)
			if err != nil {
				return err
			}
			if err := engine.GrantRole(ctx, admin, acct, ledger.RoleLiquidator); err != nil {
				return fmt.Errorf("grant liquidator %s: %w", acct.Hex(), err)
			}
		}
	}

	for i, p := range cfg.Pools {
		t0 := common.HexToAddress(p.Token0)
		t1 := common.HexToAddress(p.Token1)
		if _, err := engine.PoolFor(t0, t1); err == nil {
			continue
		} else if !errors.Is(err, ledger.ErrPoolNotFound) {
			return err
		}
		id, err := engine.CreatePool(ctx, admin, t0, t1, p.FeeBps, ledger.Pricing(p.Pricing))
		if err != nil {
			return fmt.Errorf("create pools[%d]: %w", i, err)
		}
		logger.Info("pool created",
			zap.String("pool", id.Hex()),
			zap.String("token0", t0.Hex()),
			zap.String("token1", t1.Hex()),
			zap.Uint64("fee_bps", p.FeeBps),
		)
	}

	if !fresh {
		return nil
	}
	for i, g := range cfg.Genesis {
		acct, err := parseAddress(fmt.Sprintf("genesis[%d].account", i), g.Account)
		if err != nil {
			return err
		}
		token, err := parseAddress(fmt.Sprintf("genesis[%d].token", i), g.Token)
		if err != nil {
			return err
		}
		amount, err := config.ParseAmount(g.Amount, decimalsOf(decimals, token))
		if err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if err := engine.Mint(ctx, admin, token, acct, amount); err != nil {
			return fmt.Errorf("mint genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// staticOracle seeds a StaticOracle from decimal prices keyed by token address.
func staticOracle(prices map[string]string) (*oracle.StaticOracle, error) {
	o := oracle.NewStaticOracle()
	for token, price := range prices {
		addr, err := parseAddress("prices", token)
		if err != nil {
			return nil, err
		}
		if err := o.SetDecimalRate(addr, price); err != nil {
			return nil, fmt.Errorf("price for %s: %w", addr.Hex(), err)
		}
	}
	return o, nil
}

func feedConfig(cfg config.Config) (oracle.FeedConfig, error) {
	feeds := make(map[common.Address]common.Address, len(cfg.Feeds))
	for token, feed := range cfg.Feeds {
		t, err := parseAddress("feeds", token)
		if err != nil {
			return oracle.FeedConfig{}, err
		}
		f, err := parseAddress("feeds", feed)
		if err != nil {
			return oracle.FeedConfig{}, err
		}
		feeds[t] = f
	}
	if len(feeds) == 0 {
		return oracle.FeedConfig{}, errors.New("chain oracle mode needs at least one feed")
	}
	return oracle.FeedConfig{
		Feeds:        feeds,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, nil
}

func stakingConfig(c config.StakingConfig) (staking.Config, error) {
	stakingToken, err := parseAddress("staking.staking-token", c.StakingToken)
	if err != nil {
		return staking.Config{}, err
	}
	rewardToken, err := parseAddress("staking.reward-token", c.RewardToken)
	if err != nil {
		return staking.Config{}, err
	}
	account, err := parseAddress("staking.account", c.Account)
	if err != nil {
		return staking.Config{}, err
	}
	rate, err := oracle.ParseRate(c.RatePerTokenSecond)
	if err != nil {
		return staking.Config{}, fmt.Errorf("staking.rate: %w", err)
	}
	return staking.Config{
		StakingToken:       stakingToken,
		RewardToken:        rewardToken,
		Account:            account,
		RatePerTokenSecond: rate,
	}, nil
}

func saleConfig(c config.SaleConfig, decimals map[common.Address]uint8) (launchpad.Config, error) {
	var (
		out launchpad.Config
		err error
	)
	if out.Owner, err = parseAddress("sale.owner", c.Owner); err != nil {
		return out, err
	}
	if out.SaleToken, err = parseAddress("sale.sale-token", c.SaleToken); err != nil {
		return out, err
	}
	if out.PaymentToken, err = parseAddress("sale.payment-token", c.PaymentToken); err != nil {
		return out, err
	}
	if out.Account, err = parseAddress("sale.account", c.Account); err != nil {
		return out, err
	}
	if out.Price, err = oracle.ParseRate(c.Price); err != nil {
		return out, fmt.Errorf("sale.price: %w", err)
	}
	if out.Supply, err = config.ParseAmount(c.Supply, decimalsOf(decimals, out.SaleToken)); err != nil {
		return out, fmt.Errorf("sale.supply: %w", err)
	}
	payDecimals := decimalsOf(decimals, out.PaymentToken)
	if out.MinPayment, err = config.ParseAmount(c.MinPayment, payDecimals); err != nil {
		return out, fmt.Errorf("sale.min-payment: %w", err)
	}
	if out.MaxPayment, err = config.ParseAmount(c.MaxPayment, payDecimals); err != nil {
		return out, fmt.Errorf("sale.max-payment: %w", err)
	}
	if out.Start, err = config.ParseTimestamp(c.Start); err != nil {
		return out, fmt.Errorf("sale.start: %w", err)
	}
	if out.End, err = config.ParseTimestamp(c.End); err != nil {
		return out, fmt.Errorf("sale.end: %w", err)
	}
	return out, nil
}

// adapterConfig resolves the cross-chain settings. The bridge pool must already exist.
func adapterConfig(cfg config.Config, engine *ledger.Engine) (crosschain.Config, error) {
	account, err := parseAddress("bridge-account", cfg.BridgeAccount)
	if err != nil {
		return crosschain.Config{}, err
	}
	escrow, err := parseAddress("escrow-account", cfg.EscrowAccount)
	if err != nil {
		return crosschain.Config{}, err
	}
	trusted := make(map[uint64]common.Address, len(cfg.Trusted))
	for rawID, rawAddr := range cfg.Trusted {
		id, err := config.ParseChainID(rawID)
		if err != nil {
			return crosschain.Config{}, err
		}
		addr, err := parseAddress("trusted", rawAddr)
		if err != nil {
			return crosschain.Config{}, err
		}
		trusted[id] = addr
	}

	out := crosschain.Config{
		ChainID:   cfg.ChainID,
		Address:   account,
		Account:   account,
		Escrow:    escrow,
		Trusted:   trusted,
		IntentTTL: cfg.IntentTTL,
	}
	switch len(cfg.BridgePool) {
	case 0:
	case 2:
		a, err := parseAddress("bridge-pool", cfg.BridgePool[0])
		if err != nil {
			return crosschain.Config{}, err
		}
		b, err := parseAddress("bridge-pool", cfg.BridgePool[1])
		if err != nil {
			return crosschain.Config{}, err
		}
		pool, err := engine.PoolFor(a, b)
		if err != nil {
			return crosschain.Config{}, fmt.Errorf("bridge pool: %w", err)
		}
		out.SwapPool = pool.ID
	default:
		return crosschain.Config{}, fmt.Errorf("bridge-pool needs a token pair, got %d entries", len(cfg.BridgePool))
	}
	return out, nil
}

// newChainClient connects when url is set and returns nil otherwise.
func newChainClient(ctx context.Context, url string) (*chain.Client, error) {
	if url == "" {
		return nil, nil
	}
	client, err := chain.NewClient(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	return client, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

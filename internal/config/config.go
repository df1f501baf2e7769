package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "COFINANCE"

// PoolConfig declares a pool created at startup.
type PoolConfig struct {
	Token0    string `mapstructure:"token0"`
	Token1    string `mapstructure:"token1"`
	FeeBps    uint64 `mapstructure:"fee-bps"`
	Pricing   string `mapstructure:"pricing"`
	Decimals0 uint8  `mapstructure:"decimals0"`
	Decimals1 uint8  `mapstructure:"decimals1"`
	Symbol0   string `mapstructure:"symbol0"`
	Symbol1   string `mapstructure:"symbol1"`
}

// GenesisBalance funds a wallet when the ledger starts empty. Amount is in whole tokens.
type GenesisBalance struct {
	Account string `mapstructure:"account"`
	Token   string `mapstructure:"token"`
	Amount  string `mapstructure:"amount"`
}

type StakingConfig struct {
	StakingToken string `mapstructure:"staking-token"`
	RewardToken  string `mapstructure:"reward-token"`
	Account      string `mapstructure:"account"`
	// RatePerTokenSecond is a decimal reward per staked token per second.
	RatePerTokenSecond string `mapstructure:"rate"`
}

func (c StakingConfig) Enabled() bool {
	return c.StakingToken != "" && c.RewardToken != ""
}

type SaleConfig struct {
	Owner        string `mapstructure:"owner"`
	SaleToken    string `mapstructure:"sale-token"`
	PaymentToken string `mapstructure:"payment-token"`
	Account      string `mapstructure:"account"`
	Price        string `mapstructure:"price"`
	Supply       string `mapstructure:"supply"`
	MinPayment   string `mapstructure:"min-payment"`
	MaxPayment   string `mapstructure:"max-payment"`
	Start        string `mapstructure:"start"`
	End          string `mapstructure:"end"`
}

func (c SaleConfig) Enabled() bool {
	return c.SaleToken != "" && c.PaymentToken != ""
}

// Config holds serve/inspect configuration loaded from flags, env, or config file.
type Config struct {
	Listen   string
	LogLevel string
	Admin    string

	Liquidators []string
	Pools       []PoolConfig
	Genesis     []GenesisBalance

	MinCollateralBps        uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64

	OracleMode     string
	Prices         map[string]string
	Feeds          map[string]string
	MaxPriceAge    time.Duration
	OracleInterval time.Duration
	RPCURL         string
	MaxRetries     int
	RetryBackoff   time.Duration

	EventsPath      string
	Snapshot        string
	SnapshotEnabled bool
	PGDSN           string

	ChainID       uint64
	RelayURL      string
	RelayPrefix   string
	Trusted       map[string]string
	BridgeAccount string
	EscrowAccount string
	BridgePool    []string
	IntentTTL     time.Duration

	Staking StakingConfig
	Sale    SaleConfig
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := newViper()

	v.SetDefault("listen", ":8545")
	v.SetDefault("log-level", "info")
	v.SetDefault("min-collateral-bps", uint64(15000))
	v.SetDefault("liquidation-threshold-bps", uint64(12000))
	v.SetDefault("liquidation-bonus-bps", uint64(500))
	v.SetDefault("oracle-mode", "static")
	v.SetDefault("max-price-age", time.Duration(0))
	v.SetDefault("oracle-interval", 15*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("events", "./data/events.jsonl")
	v.SetDefault("snapshot", "./data/state.json")
	v.SetDefault("snapshot-enabled", true)
	v.SetDefault("chain-id", uint64(1))
	v.SetDefault("relay-prefix", "cofinance.xchain")
	v.SetDefault("intent-ttl", time.Hour)

	if err := readInto(v, cfgFile, flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Listen:                  v.GetString("listen"),
		LogLevel:                v.GetString("log-level"),
		Admin:                   v.GetString("admin"),
		Liquidators:             getStringSlice(v, "liquidators"),
		MinCollateralBps:        v.GetUint64("min-collateral-bps"),
		LiquidationThresholdBps: v.GetUint64("liquidation-threshold-bps"),
		LiquidationBonusBps:     v.GetUint64("liquidation-bonus-bps"),
		OracleMode:              strings.ToLower(v.GetString("oracle-mode")),
		Prices:                  getStringMap(v, "prices"),
		Feeds:                   getStringMap(v, "feeds"),
		MaxPriceAge:             v.GetDuration("max-price-age"),
		OracleInterval:          v.GetDuration("oracle-interval"),
		RPCURL:                  v.GetString("rpc"),
		MaxRetries:              v.GetInt("max-retries"),
		RetryBackoff:            v.GetDuration("retry-backoff"),
		EventsPath:              v.GetString("events"),
		Snapshot:                v.GetString("snapshot"),
		SnapshotEnabled:         v.GetBool("snapshot-enabled"),
		PGDSN:                   v.GetString("pg-dsn"),
		ChainID:                 v.GetUint64("chain-id"),
		RelayURL:                v.GetString("relay-url"),
		RelayPrefix:             v.GetString("relay-prefix"),
		Trusted:                 getStringMap(v, "trusted"),
		BridgeAccount:           v.GetString("bridge-account"),
		EscrowAccount:           v.GetString("escrow-account"),
		BridgePool:              getStringSlice(v, "bridge-pool"),
		IntentTTL:               v.GetDuration("intent-ttl"),
	}
	if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
		return Config{}, fmt.Errorf("decode pools: %w", err)
	}
	if err := v.UnmarshalKey("genesis", &cfg.Genesis); err != nil {
		return Config{}, fmt.Errorf("decode genesis: %w", err)
	}
	if err := v.UnmarshalKey("staking", &cfg.Staking); err != nil {
		return Config{}, fmt.Errorf("decode staking: %w", err)
	}
	if err := v.UnmarshalKey("sale", &cfg.Sale); err != nil {
		return Config{}, fmt.Errorf("decode sale: %w", err)
	}

	switch cfg.OracleMode {
	case "static", "chain":
	default:
		return Config{}, fmt.Errorf("unknown oracle mode %q", cfg.OracleMode)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func readInto(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

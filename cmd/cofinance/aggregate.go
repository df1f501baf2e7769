package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cofinance/internal/aggregate"
	"cofinance/internal/chain"
	"cofinance/internal/config"
	"cofinance/internal/storage/postgres"
)

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAggregate(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Input == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	windowSeconds, err := parseWindow(cfg.Window)
	if err != nil {
		return err
	}
	known, err := parseDecimals(cfg.Decimals)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newChainClient(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	var caller chain.Caller
	if client != nil {
		defer client.Close()
		caller = client
	}

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var stateStore aggregate.StateStore
	if cfg.StateFile != "" {
		stateStore = &aggregate.FileStateStore{Path: cfg.StateFile}
	} else {
		stateStore = &aggregate.DBStateStore{Store: store, Name: fmt.Sprintf("aggregator:%d", windowSeconds)}
	}

	agg := aggregate.NewAggregator(aggregate.Config{
		WindowSeconds: windowSeconds,
		BatchSize:     cfg.BatchSize,
		RecomputeFrom: cfg.RecomputeFrom,
		StateStore:    stateStore,
	}, store, aggregate.NewTokenDecimals(known, caller, logger), logger)

	logger.Info("aggregate start",
		zap.String("input", cfg.Input),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Uint64("window_seconds", windowSeconds),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Uint64("recompute_from", cfg.RecomputeFrom),
		zap.Int("known_decimals", len(known)),
	)

	return agg.Run(ctx, cfg.Input)
}

func parseWindow(raw string) (uint64, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	seconds := uint64(d.Seconds())
	if seconds == 0 {
		return 0, fmt.Errorf("window must be at least 1s")
	}
	return seconds, nil
}

func parseDecimals(raw map[string]string) (map[common.Address]uint8, error) {
	out := make(map[common.Address]uint8, len(raw))
	for token, value := range raw {
		addr, err := parseAddress("decimals", token)
		if err != nil {
			return nil, err
		}
		d, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("decimals for %s: %w", addr.Hex(), err)
		}
		out[addr] = uint8(d)
	}
	return out, nil
}

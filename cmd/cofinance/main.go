package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "cofinance",
		Short:        "Oracle-priced pool ledger with lending and cross-chain relay",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger with its JSON-RPC, metrics and relay endpoints",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8545", "HTTP listen address")
	serveCmd.Flags().String("admin", "", "admin account granted on an empty ledger")
	serveCmd.Flags().StringSlice("liquidators", nil, "accounts granted the liquidator role (comma-separated)")
	serveCmd.Flags().String("oracle-mode", "static", "price source (static, chain)")
	serveCmd.Flags().Duration("max-price-age", 0, "reject prices older than this, 0 disables the check")
	serveCmd.Flags().Duration("oracle-interval", 15*time.Second, "feed polling interval in chain mode")
	serveCmd.Flags().String("rpc", "", "RPC URL for on-chain price feeds")
	serveCmd.Flags().String("events", "./data/events.jsonl", "event log JSONL path")
	serveCmd.Flags().String("snapshot", "./data/state.json", "state snapshot path")
	serveCmd.Flags().Bool("snapshot-enabled", true, "enable state snapshots")
	serveCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for events and processed messages")
	serveCmd.Flags().Uint64("chain-id", 1, "local chain id")
	serveCmd.Flags().String("relay-url", "", "NATS URL, empty disables the cross-chain adapter")
	serveCmd.Flags().Int("max-retries", 5, "maximum retry attempts for external calls")
	serveCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print pools, reserves and positions from a snapshot",
		RunE:  runInspect,
	}

	inspectCmd.Flags().String("snapshot", "./data/state.json", "state snapshot path")
	inspectCmd.Flags().String("pg-dsn", "", "when set, sync pools and positions to Postgres")
	inspectCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(inspectCmd)

	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate swap events into window metrics",
		RunE:  runAggregate,
	}

	aggregateCmd.Flags().String("rpc", "", "optional RPC URL to resolve token decimals")
	aggregateCmd.Flags().String("events", "./data/events.jsonl", "input event log JSONL")
	aggregateCmd.Flags().String("window", "5m", "aggregation window (e.g. 1m, 5m, 1h)")
	aggregateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	aggregateCmd.Flags().Int("batch-size", 1000, "batch size for DB writes")
	aggregateCmd.Flags().String("state-file", "", "optional local state file for progress tracking")
	aggregateCmd.Flags().Uint64("recompute-from", 0, "recompute from this event sequence")
	aggregateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(aggregateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}

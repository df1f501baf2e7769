package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cofinance/internal/api"
	"cofinance/internal/config"
	"cofinance/internal/crosschain"
	"cofinance/internal/launchpad"
	"cofinance/internal/ledger"
	"cofinance/internal/metrics"
	"cofinance/internal/oracle"
	"cofinance/internal/relay"
	"cofinance/internal/staking"
	"cofinance/internal/storage"
	"cofinance/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.EventsPath == "" {
		return fmt.Errorf("events path is required")
	}
	if cfg.RelayURL != "" && (!cfg.SnapshotEnabled || cfg.Snapshot == "") {
		return fmt.Errorf("relay needs snapshots enabled to keep processed message ids across restarts")
	}

	decimals, err := tokenDecimals(cfg.Pools)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, err := metrics.New()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	for token, d := range decimals {
		recorder.SetDecimals(token, d)
	}

	client, err := newChainClient(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	var (
		prices oracle.PriceOracle
		feeds  *oracle.FeedOracle
		static *oracle.StaticOracle
	)
	switch cfg.OracleMode {
	case "chain":
		if client == nil {
			return fmt.Errorf("rpc url is required in chain oracle mode")
		}
		feedCfg, err := feedConfig(cfg)
		if err != nil {
			return err
		}
		feedChain, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		logger.Info("price feeds", zap.Uint64("feed_chain_id", feedChain), zap.Int("feeds", len(feedCfg.Feeds)))
		feeds = oracle.NewFeedOracle(client, feedCfg, logger.Named("oracle"))
		if err := feeds.Refresh(ctx); err != nil {
			logger.Warn("initial feed refresh incomplete", zap.Error(err))
		}
		prices = feeds
	default:
		static, err = staticOracle(cfg.Prices)
		if err != nil {
			return err
		}
		prices = static
	}

	var pgStore *postgres.Store
	if cfg.PGDSN != "" {
		pgStore, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		if err := pgStore.Migrate(ctx); err != nil {
			return err
		}
	}

	sink := storage.MultiSink{storage.NewJsonlStorage(cfg.EventsPath)}
	if pgStore != nil {
		sink = append(sink, pgStore)
	}
	snapshots := storage.NewSnapshotStore(cfg.Snapshot, cfg.SnapshotEnabled)

	opts := []ledger.Option{
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithSink(sink),
		ledger.WithCheckpointer(snapshots),
		ledger.WithObserver(recorder),
	}
	restored := ledger.NewState()
	ok, err := snapshots.Load(restored)
	if err != nil {
		return err
	}
	if ok {
		opts = append(opts, ledger.WithState(restored))
		logger.Info("state restored", zap.String("snapshot", cfg.Snapshot), zap.Uint64("seq", restored.Seq))
	}
	if cfg.SnapshotEnabled {
		logged, err := storage.LastSeq(cfg.EventsPath)
		if err != nil {
			return err
		}
		if logged > restored.Seq {
			return fmt.Errorf("events log at seq %d is ahead of snapshot seq %d", logged, restored.Seq)
		}
	}

	engine := ledger.NewEngine(ledger.Config{
		MinCollateralBps:        cfg.MinCollateralBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidationBonusBps:     cfg.LiquidationBonusBps,
		MaxPriceAge:             cfg.MaxPriceAge,
	}, prices, opts...)
	recorder.ObserveState(engine.Snapshot())

	if err := bootstrapLedger(ctx, engine, cfg, decimals, logger); err != nil {
		return err
	}

	serviceOpts := []api.Option{api.WithLogger(logger.Named("api"))}
	if static != nil {
		n, err := api.RestorePrices(engine, static)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("price overrides restored", zap.Int("count", n))
		}
		serviceOpts = append(serviceOpts, api.WithPriceSetter(static))
	}

	if cfg.Staking.Enabled() {
		stakingCfg, err := stakingConfig(cfg.Staking)
		if err != nil {
			return err
		}
		serviceOpts = append(serviceOpts, api.WithStaking(staking.NewPool(stakingCfg, engine, logger.Named("staking"))))
	}
	if cfg.Sale.Enabled() {
		saleCfg, err := saleConfig(cfg.Sale, decimals)
		if err != nil {
			return err
		}
		sale, err := launchpad.NewSale(saleCfg, engine, logger.Named("launchpad"))
		if err != nil {
			return fmt.Errorf("sale: %w", err)
		}
		serviceOpts = append(serviceOpts, api.WithSale(sale))
	}

	var (
		bridge  *relay.Relay
		adapter *crosschain.Adapter
	)
	if cfg.RelayURL != "" {
		adapterCfg, err := adapterConfig(cfg, engine)
		if err != nil {
			return err
		}
		bridge, err = relay.Connect(relay.Config{
			URL:          cfg.RelayURL,
			Prefix:       cfg.RelayPrefix,
			Name:         fmt.Sprintf("cofinance-%d", cfg.ChainID),
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
		}, logger.Named("relay"))
		if err != nil {
			return err
		}
		defer bridge.Close()

		adapter = crosschain.NewAdapter(adapterCfg, engine, bridge, logger.Named("xchain"))
		adapter.OnResult(recorder.ObserveMessage)
		serviceOpts = append(serviceOpts, api.WithAdapter(adapter))
	}

	handler, err := api.NewHandler(api.NewService(engine, serviceOpts...), api.ServiceName)
	if err != nil {
		return fmt.Errorf("register rpc service: %w", err)
	}

	router := mux.NewRouter()
	router.Handle("/rpc", handler).Methods(http.MethodPost)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("serve start",
		zap.String("listen", cfg.Listen),
		zap.String("oracle_mode", cfg.OracleMode),
		zap.Int("pools", len(engine.Pools())),
		zap.Uint64("seq", engine.Seq()),
		zap.String("events", cfg.EventsPath),
		zap.String("snapshot", cfg.Snapshot),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Bool("relay", bridge != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if feeds != nil {
		g.Go(func() error {
			return feeds.Run(gctx, durationOr(cfg.OracleInterval, 15*time.Second))
		})
	}
	if adapter != nil {
		g.Go(func() error {
			return bridge.Run(gctx, cfg.ChainID, adapter.Handle)
		})
		g.Go(func() error {
			return adapter.Run(gctx, durationOr(cfg.IntentTTL/4, time.Minute))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("serve stopped", zap.Uint64("seq", engine.Seq()))
	return nil
}

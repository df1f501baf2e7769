// Package aggregate folds the ledger's swap events into per-pool window metrics.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"cofinance/internal/model"
	"cofinance/internal/storage"
)

const feeMethodEvents = "swap_events"

// MetricsStore receives aggregated rows.
type MetricsStore interface {
	UpsertPools(ctx context.Context, pools []model.Pool) error
	UpsertWindowMetrics(ctx context.Context, metrics []model.PoolWindowMetrics) error
}

// Config controls aggregation behavior.
type Config struct {
	WindowSeconds uint64
	BatchSize     int
	// RecomputeFrom restarts aggregation at this event sequence, ignoring saved state.
	RecomputeFrom uint64
	StateStore    StateStore
}

// Aggregator aggregates ledger events into pool window metrics.
type Aggregator struct {
	cfg          Config
	store        MetricsStore
	decimals     *TokenDecimals
	logger       *zap.Logger
	accumulators map[string]*Accumulator
	pools        map[string]model.Pool
	lastSeq      uint64
}

func NewAggregator(cfg Config, store MetricsStore, decimals *TokenDecimals, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if decimals == nil {
		decimals = NewTokenDecimals(nil, nil, logger)
	}

	return &Aggregator{
		cfg:          cfg,
		store:        store,
		decimals:     decimals,
		logger:       logger,
		accumulators: make(map[string]*Accumulator),
		pools:        make(map[string]model.Pool),
	}
}

// Run aggregates an events JSONL file written by the ledger's event log.
func (a *Aggregator) Run(ctx context.Context, inputPath string) error {
	if a.store == nil {
		return fmt.Errorf("store is nil")
	}
	if a.cfg.WindowSeconds == 0 {
		return fmt.Errorf("window seconds must be > 0")
	}
	if a.cfg.BatchSize <= 0 {
		a.cfg.BatchSize = 1000
	}

	startSeq, err := a.loadStartSeq(ctx)
	if err != nil {
		return err
	}
	a.lastSeq = startSeq

	batch := make([]model.PoolWindowMetrics, 0, a.cfg.BatchSize)
	var newPools []model.Pool
	var total, aggregated, skipped, failed int

	// Pool metadata is read from the whole log; only events past startSeq are aggregated.
	err = storage.ReadEvents(inputPath, 0, func(record model.EventRecord) error {
		total++
		if record.EventName == model.EventPoolCreated {
			pool, err := poolFromEvent(record)
			if err != nil {
				failed++
				a.logger.Warn("decode pool", zap.Error(err), zap.Uint64("seq", record.Seq))
				return nil
			}
			if _, ok := a.pools[pool.ID]; !ok {
				a.pools[pool.ID] = pool
				newPools = append(newPools, pool)
			}
		}
		if record.Seq <= startSeq || record.EventName != model.EventSwap {
			skipped++
			return nil
		}

		pool, ok := a.pools[record.Pool]
		if !ok {
			failed++
			a.logger.Warn("swap for unknown pool", zap.String("pool", record.Pool), zap.Uint64("seq", record.Seq))
			return nil
		}

		start := windowStart(record.Timestamp, a.cfg.WindowSeconds)
		acc := a.accumulators[pool.ID]
		if acc != nil && acc.WindowStart != start {
			metrics, err := a.flushAccumulator(ctx, acc)
			if err != nil {
				return err
			}
			batch = append(batch, metrics)
			aggregated++
			acc = nil
		}
		if acc == nil {
			acc = NewAccumulator(pool, record, start, start+a.cfg.WindowSeconds)
			a.accumulators[pool.ID] = acc
		}

		if err := acc.AddEvent(record); err != nil {
			failed++
			a.logger.Warn("aggregate event", zap.Error(err), zap.String("pool", record.Pool), zap.String("event", record.EventName))
			return nil
		}
		if record.Seq > a.lastSeq {
			a.lastSeq = record.Seq
		}

		if len(batch) >= a.cfg.BatchSize {
			if err := a.flushBatches(ctx, batch, newPools); err != nil {
				return err
			}
			batch = batch[:0]
			newPools = nil
			if err := a.saveState(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range sortedKeys(a.accumulators) {
		metrics, err := a.flushAccumulator(ctx, a.accumulators[id])
		if err != nil {
			return err
		}
		batch = append(batch, metrics)
		aggregated++
	}
	a.accumulators = make(map[string]*Accumulator)

	if len(batch) > 0 || len(newPools) > 0 {
		if err := a.flushBatches(ctx, batch, newPools); err != nil {
			return err
		}
	}
	if err := a.saveState(ctx); err != nil {
		return err
	}

	a.logger.Info("aggregate complete",
		zap.Int("total", total),
		zap.Int("windows", aggregated),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Uint64("last_seq", a.lastSeq),
	)
	return nil
}

func (a *Aggregator) loadStartSeq(ctx context.Context) (uint64, error) {
	if a.cfg.RecomputeFrom > 0 {
		return a.cfg.RecomputeFrom - 1, nil
	}
	if a.cfg.StateStore == nil {
		return 0, nil
	}
	last, ok, err := a.cfg.StateStore.Load(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return last, nil
}

// saveState records the highest sequence below every open window, so a restart
// rebuilds open windows from their first event.
func (a *Aggregator) saveState(ctx context.Context) error {
	if a.cfg.StateStore == nil {
		return nil
	}
	if len(a.accumulators) == 0 {
		return a.cfg.StateStore.Save(ctx, a.lastSeq)
	}
	safe := minOpenSeq(a.accumulators)
	if safe > 0 {
		safe--
	}
	return a.cfg.StateStore.Save(ctx, safe)
}

func (a *Aggregator) flushBatches(ctx context.Context, batch []model.PoolWindowMetrics, pools []model.Pool) error {
	if len(pools) > 0 {
		if err := a.store.UpsertPools(ctx, pools); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		if err := a.store.UpsertWindowMetrics(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) flushAccumulator(ctx context.Context, acc *Accumulator) (model.PoolWindowMetrics, error) {
	decimals0, err := a.decimals.Get(ctx, acc.Pool.Token0)
	if err != nil {
		a.logger.Warn("token0 decimals", zap.String("token", acc.Pool.Token0), zap.Error(err))
	}
	decimals1, err := a.decimals.Get(ctx, acc.Pool.Token1)
	if err != nil {
		a.logger.Warn("token1 decimals", zap.String("token", acc.Pool.Token1), zap.Error(err))
	}

	var tvl0Str, tvl1Str *string
	tvl0, tvl1, tvlMethod := windowTVL(acc)
	if tvl0 != nil {
		val := formatTokenAmount(tvl0, decimals0)
		tvl0Str = &val
	}
	if tvl1 != nil {
		val := formatTokenAmount(tvl1, decimals1)
		tvl1Str = &val
	}

	feeRate0, feeRate1 := computeFeeRates(acc.Fee0, acc.Fee1, tvl0, tvl1)
	apr := computeAPR(feeRate0, feeRate1, a.cfg.WindowSeconds)

	return model.PoolWindowMetrics{
		PoolID:         acc.Pool.ID,
		WindowSizeSecs: int64(a.cfg.WindowSeconds),
		WindowStart:    time.Unix(int64(acc.WindowStart), 0).UTC(),
		WindowEnd:      time.Unix(int64(acc.WindowEnd), 0).UTC(),
		SwapCount:      acc.SwapCount,
		Volume0:        formatTokenAmount(acc.Volume0, decimals0),
		Volume1:        formatTokenAmount(acc.Volume1, decimals1),
		Fee0:           formatTokenAmount(acc.Fee0, decimals0),
		Fee1:           formatTokenAmount(acc.Fee1, decimals1),
		FeeRate0:       feeRate0,
		FeeRate1:       feeRate1,
		TVL0:           tvl0Str,
		TVL1:           tvl1Str,
		APR:            apr,
		FeeMethod:      feeMethodEvents,
		TVLMethod:      tvlMethod,
	}, nil
}

func poolFromEvent(record model.EventRecord) (model.Pool, error) {
	var created model.PoolCreatedData
	if err := json.Unmarshal(record.Decoded, &created); err != nil {
		return model.Pool{}, fmt.Errorf("decode pool created: %w", err)
	}
	if record.Pool == "" || created.Token0 == "" || created.Token1 == "" {
		return model.Pool{}, errors.New("incomplete pool created event")
	}
	return model.Pool{
		ID:           record.Pool,
		Token0:       created.Token0,
		Token1:       created.Token1,
		FeeBps:       created.FeeBps,
		Pricing:      created.Pricing,
		CreatedAtSeq: record.Seq,
	}, nil
}

func windowStart(ts uint64, windowSec uint64) uint64 {
	return ts - (ts % windowSec)
}

func minOpenSeq(acc map[string]*Accumulator) uint64 {
	var min uint64
	for _, entry := range acc {
		if entry == nil {
			continue
		}
		if min == 0 || entry.FirstSeq < min {
			min = entry.FirstSeq
		}
	}
	return min
}

func sortedKeys(m map[string]*Accumulator) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

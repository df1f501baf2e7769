// Package postgres persists ledger projections with pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cofinance/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq        BIGINT NOT NULL,
	idx        INT NOT NULL,
	pool_id    TEXT,
	event_name TEXT NOT NULL,
	actor      TEXT NOT NULL,
	ts         BIGINT NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (seq, idx)
);
CREATE TABLE IF NOT EXISTS pools (
	pool_id        TEXT PRIMARY KEY,
	token0         TEXT NOT NULL,
	token1         TEXT NOT NULL,
	fee_bps        BIGINT NOT NULL,
	pricing        TEXT NOT NULL,
	created_at_seq BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS loan_positions (
	pool_id           TEXT NOT NULL,
	borrower          TEXT NOT NULL,
	borrowed_token    TEXT NOT NULL,
	borrowed_amount   NUMERIC NOT NULL,
	collateral_token  TEXT NOT NULL,
	collateral_amount NUMERIC NOT NULL,
	reclaim_token     TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool_id, borrower)
);
CREATE TABLE IF NOT EXISTS pool_window_metrics (
	pool_id             TEXT NOT NULL,
	window_size_seconds BIGINT NOT NULL,
	window_start_ts     TIMESTAMPTZ NOT NULL,
	window_end_ts       TIMESTAMPTZ NOT NULL,
	swap_count          BIGINT NOT NULL,
	volume0             NUMERIC NOT NULL,
	volume1             NUMERIC NOT NULL,
	fee0                NUMERIC NOT NULL,
	fee1                NUMERIC NOT NULL,
	fee_rate0           NUMERIC,
	fee_rate1           NUMERIC,
	tvl0                NUMERIC,
	tvl1                NUMERIC,
	apr                 NUMERIC,
	fee_method          TEXT NOT NULL,
	tvl_method          TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool_id, window_size_seconds, window_start_ts)
);
CREATE TABLE IF NOT EXISTS processed_messages (
	message_id      TEXT PRIMARY KEY,
	source_chain_id BIGINT NOT NULL,
	processed_at    TIMESTAMPTZ NOT NULL
);
ALTER TABLE processed_messages ADD COLUMN IF NOT EXISTS outcome TEXT NOT NULL DEFAULT 'executed';
ALTER TABLE processed_messages ADD COLUMN IF NOT EXISTS seq BIGINT;
CREATE TABLE IF NOT EXISTS ledger_state (
	name               TEXT PRIMARY KEY,
	last_processed_seq BIGINT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

// Store provides Postgres persistence for events, projections and metrics.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// PutEvents inserts committed ledger events. Replays of the same seq are ignored.
// Consumed relay message ids are mirrored into processed_messages for querying;
// the ledger state stays authoritative for deduplication.
func (s *Store) PutEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, ev := range events {
		ev := ev // per-iteration copy: poolID below points into it (go directive < 1.22)
		payload, err := json.Marshal(ev.Decoded)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		var poolID *string
		if ev.Pool != "" {
			poolID = &ev.Pool
		}
		batch.Queue(`
			INSERT INTO ledger_events (seq, idx, pool_id, event_name, actor, ts, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (seq, idx) DO NOTHING
		`,
			int64(ev.Seq),
			i,
			poolID,
			ev.EventName,
			ev.Actor,
			int64(ev.Timestamp),
			payload,
		)
		if msg, ok := ev.Decoded.(model.MessageData); ok {
			batch.Queue(`
				INSERT INTO processed_messages (message_id, source_chain_id, processed_at, outcome, seq)
				VALUES ($1, $2, to_timestamp($3), $4, $5)
				ON CONFLICT (message_id) DO NOTHING
			`, msg.MessageID, int64(msg.SourceChainID), float64(ev.Timestamp), msg.Outcome, int64(ev.Seq))
		}
	}
	return s.sendBatch(ctx, batch, batch.Len())
}

// UpsertPools inserts or updates pool metadata.
func (s *Store) UpsertPools(ctx context.Context, pools []model.Pool) error {
	if len(pools) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pool := range pools {
		batch.Queue(`
			INSERT INTO pools (
				pool_id, token0, token1, fee_bps, pricing, created_at_seq, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT (pool_id)
			DO UPDATE SET
				fee_bps = EXCLUDED.fee_bps,
				pricing = EXCLUDED.pricing,
				created_at_seq = LEAST(pools.created_at_seq, EXCLUDED.created_at_seq),
				updated_at = now()
		`,
			pool.ID,
			pool.Token0,
			pool.Token1,
			int64(pool.FeeBps),
			pool.Pricing,
			int64(pool.CreatedAtSeq),
		)
	}
	return s.sendBatch(ctx, batch, len(pools))
}

// ReplaceLoans rewrites the loan positions of the given pools.
func (s *Store) ReplaceLoans(ctx context.Context, poolIDs []string, loans []model.LoanRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM loan_positions WHERE pool_id = ANY($1)`, poolIDs); err != nil {
		return fmt.Errorf("delete loans: %w", err)
	}
	for _, l := range loans {
		if _, err := tx.Exec(ctx, `
			INSERT INTO loan_positions (
				pool_id, borrower, borrowed_token, borrowed_amount, collateral_token,
				collateral_amount, reclaim_token, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		`,
			l.Pool,
			l.Borrower,
			l.BorrowedToken,
			l.BorrowedAmount,
			l.CollateralToken,
			l.CollateralAmount,
			l.ReclaimToken,
		); err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UpsertWindowMetrics inserts or updates window metrics.
func (s *Store) UpsertWindowMetrics(ctx context.Context, metrics []model.PoolWindowMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`
			INSERT INTO pool_window_metrics (
				pool_id, window_size_seconds, window_start_ts, window_end_ts,
				swap_count, volume0, volume1, fee0, fee1, fee_rate0, fee_rate1,
				tvl0, tvl1, apr, fee_method, tvl_method, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())
			ON CONFLICT (pool_id, window_size_seconds, window_start_ts)
			DO UPDATE SET
				window_end_ts = EXCLUDED.window_end_ts,
				swap_count = EXCLUDED.swap_count,
				volume0 = EXCLUDED.volume0,
				volume1 = EXCLUDED.volume1,
				fee0 = EXCLUDED.fee0,
				fee1 = EXCLUDED.fee1,
				fee_rate0 = EXCLUDED.fee_rate0,
				fee_rate1 = EXCLUDED.fee_rate1,
				tvl0 = EXCLUDED.tvl0,
				tvl1 = EXCLUDED.tvl1,
				apr = EXCLUDED.apr,
				fee_method = EXCLUDED.fee_method,
				tvl_method = EXCLUDED.tvl_method,
				updated_at = now()
		`,
			m.PoolID,
			m.WindowSizeSecs,
			m.WindowStart,
			m.WindowEnd,
			int64(m.SwapCount),
			m.Volume0,
			m.Volume1,
			m.Fee0,
			m.Fee1,
			m.FeeRate0,
			m.FeeRate1,
			m.TVL0,
			m.TVL1,
			m.APR,
			m.FeeMethod,
			m.TVLMethod,
		)
	}
	return s.sendBatch(ctx, batch, len(metrics))
}

// LoadState returns last_processed_seq for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var seq int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_seq FROM ledger_state WHERE name=$1`, name)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(seq), true, nil
}

// SaveState upserts last_processed_seq for a name.
func (s *Store) SaveState(ctx context.Context, name string, seq uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_state (name, last_processed_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_seq = EXCLUDED.last_processed_seq, updated_at = now()
	`, name, int64(seq))
	return err
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Package ledger implements the pool ledger: liquidity, oracle-priced swaps,
// collateralized lending and liquidation, all linearized through one Engine.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/model"
	"cofinance/internal/oracle"
)

// Config holds the risk parameters, all in basis points.
type Config struct {
	MinCollateralBps        uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	MaxPriceAge             time.Duration
}

// DefaultConfig returns 150% minimum collateral, 120% liquidation threshold and a 5% bonus.
func DefaultConfig() Config {
	return Config{
		MinCollateralBps:        15_000,
		LiquidationThresholdBps: 12_000,
		LiquidationBonusBps:     500,
	}
}

// EventSink receives the events of each committed transition.
type EventSink interface {
	PutEvents(ctx context.Context, events []model.Event) error
}

// Checkpointer persists the committed state.
type Checkpointer interface {
	Save(v any) error
}

// Observer is notified of every transition outcome.
type Observer interface {
	ObserveTransition(op string, err error)
	ObserveState(s *State)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, error) {}
func (nopObserver) ObserveState(*State)             {}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithCheckpointer(cp Checkpointer) Option {
	return func(e *Engine) { e.checkpoint = cp }
}

func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observer = obs
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithState starts the engine from a previously committed state.
func WithState(s *State) Option {
	return func(e *Engine) {
		if s != nil {
			s.normalize()
			e.state = s
		}
	}
}

// Engine owns the ledger state and applies every transition atomically.
// A transition runs against a clone and replaces the state only on success.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	state      *State
	prices     oracle.PriceOracle
	sink       EventSink
	checkpoint Checkpointer
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time
}

func NewEngine(cfg Config, prices oracle.PriceOracle, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		state:    NewState(),
		prices:   prices,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's risk parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

type txn struct {
	ctx    context.Context
	cfg    Config
	state  *State
	prices oracle.PriceOracle
	now    time.Time
	quotes map[common.Address]*uint256.Int
	events []model.Event
}

func (e *Engine) begin(ctx context.Context, s *State) *txn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &txn{
		ctx:    ctx,
		cfg:    e.cfg,
		state:  s,
		prices: e.prices,
		now:    e.now(),
		quotes: make(map[common.Address]*uint256.Int),
	}
}

// apply runs fn against a clone of the state and commits it when fn succeeds.
func (e *Engine) apply(ctx context.Context, op string, actor common.Address, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.begin(ctx, e.state.Clone())
	if err := fn(tx); err != nil {
		e.logger.Info("transition rejected",
			zap.String("op", op),
			zap.String("actor", actor.Hex()),
			zap.String("category", Category(err).String()),
			zap.Error(err),
		)
		e.observer.ObserveTransition(op, err)
		return err
	}

	next := tx.state
	next.Seq++
	ts := uint64(tx.now.Unix())
	for i := range tx.events {
		tx.events[i].Seq = next.Seq
		tx.events[i].Timestamp = ts
	}

	// The snapshot is written before the event log so the log never runs ahead of it.
	if e.checkpoint != nil {
		if err := e.checkpoint.Save(next); err != nil {
			return e.abort(op, fmt.Errorf("save snapshot: %w", err))
		}
	}
	if e.sink != nil && len(tx.events) > 0 {
		if err := e.sink.PutEvents(tx.ctx, tx.events); err != nil {
			if e.checkpoint != nil {
				if rerr := e.checkpoint.Save(e.state); rerr != nil {
					e.logger.Error("restore snapshot failed", zap.Uint64("seq", e.state.Seq), zap.Error(rerr))
				}
			}
			return e.abort(op, fmt.Errorf("append events: %w", err))
		}
	}

	e.state = next
	e.observer.ObserveTransition(op, nil)
	e.observer.ObserveState(next)
	e.logger.Debug("transition committed",
		zap.String("op", op),
		zap.String("actor", actor.Hex()),
		zap.Uint64("seq", next.Seq),
		zap.Int("events", len(tx.events)),
	)
	return nil
}

func (e *Engine) abort(op string, err error) error {
	e.logger.Error("transition aborted", zap.String("op", op), zap.Error(err))
	e.observer.ObserveTransition(op, err)
	return err
}

// view runs fn against the live state without cloning. fn must not mutate it.
func (e *Engine) view(ctx context.Context, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.begin(ctx, e.state))
}

func (tx *txn) pool(id common.Hash) (*Pool, error) {
	p, ok := tx.state.Pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id.Hex(), ErrPoolNotFound)
	}
	return p, nil
}

// price reads a fresh rate for token, caching it for the rest of the transition.
func (tx *txn) price(token common.Address) (*uint256.Int, error) {
	if v, ok := tx.quotes[token]; ok {
		return v, nil
	}
	if tx.prices == nil {
		return nil, fmt.Errorf("rate for %s: %w", token.Hex(), oracle.ErrPriceUnavailable)
	}
	q, err := tx.prices.Rate(tx.ctx, token)
	if err != nil {
		return nil, err
	}
	if err := oracle.CheckFresh(q, tx.now, tx.cfg.MaxPriceAge); err != nil {
		return nil, fmt.Errorf("rate for %s: %w", token.Hex(), err)
	}
	tx.quotes[token] = q.Value
	return q.Value, nil
}

func (tx *txn) emit(pool common.Hash, name string, actor common.Address, data interface{}) {
	ev := model.Event{
		EventName: name,
		Actor:     actor.Hex(),
		Decoded:   data,
	}
	if pool != (common.Hash{}) {
		ev.Pool = pool.Hex()
	}
	tx.events = append(tx.events, ev)
}

func (tx *txn) requireRole(account common.Address, role Role) error {
	if !tx.state.Roles[account].Has(role) {
		return fmt.Errorf("%s lacks %s role: %w", account.Hex(), role, ErrUnauthorized)
	}
	return nil
}

// Snapshot returns a deep copy of the committed state.
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Seq returns the number of committed transitions.
func (e *Engine) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Seq
}

// Pool returns a copy of the pool.
func (e *Engine) Pool(id common.Hash) (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.state.Pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id.Hex(), ErrPoolNotFound)
	}
	return p.clone(), nil
}

// Pools returns copies of all pools in creation order.
func (e *Engine) Pools() []*Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Pool, 0, len(e.state.Order))
	for _, id := range e.state.Order {
		out = append(out, e.state.Pools[id].clone())
	}
	return out
}

// Position returns a copy of the borrower's loan position in pool.
func (e *Engine) Position(id common.Hash, borrower common.Address) (*LoanPosition, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.state.Pools[id]
	if !ok {
		return nil, false, fmt.Errorf("pool %s: %w", id.Hex(), ErrPoolNotFound)
	}
	pos, ok := p.Loans[borrower]
	if !ok {
		return nil, false, nil
	}
	return pos.clone(), true, nil
}

// Shares returns the liquidity shares held by provider in pool.
func (e *Engine) Shares(id common.Hash, provider common.Address) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.state.Pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id.Hex(), ErrPoolNotFound)
	}
	return cloneInt(p.Shares[provider]), nil
}

// Balance returns the wallet balance of account in token.
func (e *Engine) Balance(token, account common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Balance(token, account)
}

// HasRole reports whether account holds role.
func (e *Engine) HasRole(account common.Address, role Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Roles[account].Has(role)
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// Tx is a transition in progress handed to Update callbacks. Every change staged
// through it commits together when the callback returns nil and is discarded otherwise.
type Tx struct {
	t     *txn
	actor common.Address
}

// Update runs fn as one ledger transition. Collaborating packages use it to keep
// their bookkeeping in the same commit as the balances it describes.
func (e *Engine) Update(ctx context.Context, op string, actor common.Address, fn func(tx *Tx) error) error {
	return e.apply(ctx, op, actor, func(t *txn) error {
		return fn(&Tx{t: t, actor: actor})
	})
}

// Now is the transition's timestamp.
func (tx *Tx) Now() time.Time {
	return tx.t.now
}

func (tx *Tx) Transfer(from, to, token common.Address, amount *uint256.Int) error {
	return tx.t.transfer(from, to, token, amount)
}

func (tx *Tx) Swap(caller common.Address, poolID common.Hash, tokenIn common.Address, amountIn, minAmountOut *uint256.Int, recipient common.Address) (*uint256.Int, error) {
	return tx.t.swap(caller, poolID, tokenIn, amountIn, minAmountOut, recipient)
}

func (tx *Tx) BorrowFor(payer, borrower common.Address, poolID common.Hash, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	return tx.t.borrowFor(payer, borrower, poolID, borrowToken, borrowAmount, collateralToken, collateralAmount)
}

// PoolFor returns a copy of the pool of an unordered pair as staged so far.
func (tx *Tx) PoolFor(tokenA, tokenB common.Address) (*Pool, error) {
	p, err := tx.t.pool(PoolID(tokenA, tokenB))
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

func (tx *Tx) RequireRole(account common.Address, role Role) error {
	return tx.t.requireRole(account, role)
}

// Emit appends an event attributed to the transition's actor.
func (tx *Tx) Emit(name string, data interface{}) {
	tx.t.emit(common.Hash{}, name, tx.actor, data)
}

// Load decodes the module document stored under key into v.
func (tx *Tx) Load(key string, v any) (bool, error) {
	return loadModule(tx.t.state, key, v)
}

// Store replaces the module document under key.
func (tx *Tx) Store(key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	tx.t.state.Modules[key] = doc
	return nil
}

// RecordMessage consumes a relayed message id. A second record of the same id fails
// with ErrMessageProcessed, so at most one transition ever carries it.
func (tx *Tx) RecordMessage(id common.Hash, sourceChainID uint64, outcome string) error {
	if _, ok := tx.t.state.Messages[id]; ok {
		return fmt.Errorf("message %s: %w", id.Hex(), ErrMessageProcessed)
	}
	tx.t.state.Messages[id] = MessageRecord{
		SourceChainID: sourceChainID,
		Outcome:       outcome,
		Seq:           tx.t.state.Seq + 1,
	}
	tx.Emit(model.EventMessageProcessed, model.MessageData{
		MessageID:     id.Hex(),
		SourceChainID: sourceChainID,
		Outcome:       outcome,
	})
	return nil
}

// Load decodes the committed module document under key into v.
func (e *Engine) Load(key string, v any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return loadModule(e.state, key, v)
}

// Message reports how a relayed message id was consumed.
func (e *Engine) Message(id common.Hash) (MessageRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.state.Messages[id]
	return rec, ok
}

func loadModule(s *State, key string, v any) (bool, error) {
	doc, ok := s.Modules[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

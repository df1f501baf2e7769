package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// rate returns the tokenIn→tokenOut rate as a fraction num/den.
func (tx *txn) rate(p *Pool, tokenIn common.Address) (*uint256.Int, *uint256.Int, error) {
	in, err := tx.price(tokenIn)
	if err != nil {
		return nil, nil, err
	}
	if p.Pricing == PricingCross {
		out, err := tx.price(p.Other(tokenIn))
		if err != nil {
			return nil, nil, err
		}
		return in, out, nil
	}
	return in, wad, nil
}

// quote computes amountIn × rate × (1 − fee). The fee is returned in output units.
func (tx *txn) quote(p *Pool, tokenIn common.Address, amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if !p.Has(tokenIn) {
		return nil, nil, fmt.Errorf("token %s: %w", tokenIn.Hex(), ErrInvalidToken)
	}
	if !isPositive(amountIn) {
		return nil, nil, ErrInvalidAmount
	}
	num, den, err := tx.rate(p, tokenIn)
	if err != nil {
		return nil, nil, err
	}
	gross, err := mulDiv(amountIn, num, den)
	if err != nil {
		return nil, nil, err
	}
	out, err := mulDiv(gross, uint256.NewInt(BpsDenominator-p.FeeBps), bpsDen)
	if err != nil {
		return nil, nil, err
	}
	fee, _ := sub(gross, out)
	return out, fee, nil
}

// Quote previews a swap without changing state.
func (e *Engine) Quote(ctx context.Context, poolID common.Hash, tokenIn common.Address, amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	var out, fee *uint256.Int
	err := e.view(ctx, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		out, fee, err = tx.quote(p, tokenIn, amountIn)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fee, nil
}

// Swap exchanges amountIn of tokenIn from the caller's wallet for the pool's other asset,
// paid to recipient. The fee stays in the pool as reserve growth.
func (e *Engine) Swap(ctx context.Context, caller common.Address, poolID common.Hash, tokenIn common.Address, amountIn, minAmountOut *uint256.Int, recipient common.Address) (*uint256.Int, error) {
	var amountOut *uint256.Int
	err := e.apply(ctx, "swap", caller, func(tx *txn) error {
		var err error
		amountOut, err = tx.swap(caller, poolID, tokenIn, amountIn, minAmountOut, recipient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}

func (tx *txn) swap(caller common.Address, poolID common.Hash, tokenIn common.Address, amountIn, minAmountOut *uint256.Int, recipient common.Address) (*uint256.Int, error) {
	p, err := tx.pool(poolID)
	if err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	out, fee, err := tx.quote(p, tokenIn, amountIn)
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && out.Lt(minAmountOut) {
		return nil, fmt.Errorf("out %s below minimum %s: %w", out.Dec(), minAmountOut.Dec(), ErrInsufficientOutput)
	}
	tokenOut := p.Other(tokenIn)
	reserveOut := p.reserveRef(tokenOut)
	next, ok := sub(*reserveOut, out)
	if !ok {
		return nil, fmt.Errorf("reserve %s below %s: %w", (*reserveOut).Dec(), out.Dec(), ErrInsufficientReserves)
	}
	if err := tx.state.debit(tokenIn, caller, amountIn); err != nil {
		return nil, fmt.Errorf("swap input %s: %w", tokenIn.Hex(), err)
	}
	reserveIn := p.reserveRef(tokenIn)
	if *reserveIn, err = add(*reserveIn, amountIn); err != nil {
		return nil, err
	}
	*reserveOut = next
	if !out.IsZero() {
		if err := tx.state.credit(tokenOut, recipient, out); err != nil {
			return nil, err
		}
	}

	tx.emit(p.ID, model.EventSwap, caller, model.SwapData{
		Sender:    caller.Hex(),
		Recipient: recipient.Hex(),
		TokenIn:   tokenIn.Hex(),
		AmountIn:  amountIn.Dec(),
		TokenOut:  tokenOut.Hex(),
		AmountOut: out.Dec(),
		Fee:       fee.Dec(),
		Reserve0:  p.Reserve0.Dec(),
		Reserve1:  p.Reserve1.Dec(),
	})
	return out, nil
}

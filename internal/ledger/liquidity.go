package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// AddLiquidity deposits amount0 of Token0 and amount1 of Token1 from the caller's wallet.
// Minted shares equal amount0 + amount1.
func (e *Engine) AddLiquidity(ctx context.Context, caller common.Address, poolID common.Hash, amount0, amount1 *uint256.Int, tickLower, tickUpper int32) (*uint256.Int, error) {
	var minted *uint256.Int
	err := e.apply(ctx, "add_liquidity", caller, func(tx *txn) error {
		if !isPositive(amount0) || !isPositive(amount1) {
			return ErrInvalidAmount
		}
		if tickLower >= tickUpper {
			return fmt.Errorf("ticks [%d, %d): %w", tickLower, tickUpper, ErrInvalidTickRange)
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}

		shares, err := add(amount0, amount1)
		if err != nil {
			return err
		}
		if err := tx.state.debit(p.Token0, caller, amount0); err != nil {
			return fmt.Errorf("deposit %s: %w", p.Token0.Hex(), err)
		}
		if err := tx.state.debit(p.Token1, caller, amount1); err != nil {
			return fmt.Errorf("deposit %s: %w", p.Token1.Hex(), err)
		}
		if p.Reserve0, err = add(p.Reserve0, amount0); err != nil {
			return err
		}
		if p.Reserve1, err = add(p.Reserve1, amount1); err != nil {
			return err
		}
		held := p.Shares[caller]
		if held == nil {
			held = zero()
		}
		if p.Shares[caller], err = add(held, shares); err != nil {
			return err
		}
		if p.TotalShares, err = add(p.TotalShares, shares); err != nil {
			return err
		}
		p.Ticks[caller] = append(p.Ticks[caller], TickRange{Lower: tickLower, Upper: tickUpper})

		minted = shares
		tx.emit(p.ID, model.EventLiquidityAdded, caller, model.LiquidityAddedData{
			Provider:  caller.Hex(),
			Amount0:   amount0.Dec(),
			Amount1:   amount1.Dec(),
			Minted:    shares.Dec(),
			TickLower: tickLower,
			TickUpper: tickUpper,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// RemoveLiquidity burns shares and pays out a pro-rata slice of both reserves.
func (e *Engine) RemoveLiquidity(ctx context.Context, caller common.Address, poolID common.Hash, shares *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	var out0, out1 *uint256.Int
	err := e.apply(ctx, "remove_liquidity", caller, func(tx *txn) error {
		if !isPositive(shares) {
			return ErrInvalidAmount
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		held := p.Shares[caller]
		if held == nil || held.Lt(shares) {
			return ErrInsufficientShares
		}

		if out0, err = mulDiv(p.Reserve0, shares, p.TotalShares); err != nil {
			return err
		}
		if out1, err = mulDiv(p.Reserve1, shares, p.TotalShares); err != nil {
			return err
		}
		var ok bool
		if p.Reserve0, ok = sub(p.Reserve0, out0); !ok {
			return ErrInsufficientReserves
		}
		if p.Reserve1, ok = sub(p.Reserve1, out1); !ok {
			return ErrInsufficientReserves
		}
		remaining, _ := sub(held, shares)
		p.TotalShares, _ = sub(p.TotalShares, shares)
		if remaining.IsZero() {
			delete(p.Shares, caller)
			delete(p.Ticks, caller)
		} else {
			p.Shares[caller] = remaining
		}
		if !out0.IsZero() {
			if err := tx.state.credit(p.Token0, caller, out0); err != nil {
				return err
			}
		}
		if !out1.IsZero() {
			if err := tx.state.credit(p.Token1, caller, out1); err != nil {
				return err
			}
		}

		tx.emit(p.ID, model.EventLiquidityRemoved, caller, model.LiquidityRemovedData{
			Provider: caller.Hex(),
			Burned:   shares.Dec(),
			Amount0:  out0.Dec(),
			Amount1:  out1.Dec(),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out0, out1, nil
}

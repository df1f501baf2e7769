package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// liquidatable reports whether pos is open and its collateral value has fallen below
// the liquidation threshold. Exactly at the threshold is not liquidatable.
func (tx *txn) liquidatable(pos *LoanPosition) (bool, error) {
	if !pos.Open() {
		return false, nil
	}
	pb, err := tx.price(pos.BorrowedToken)
	if err != nil {
		return false, err
	}
	pc, err := tx.price(pos.CollateralToken)
	if err != nil {
		return false, err
	}
	return belowRatio(pos.CollateralAmount, pc, pos.BorrowedAmount, pb, tx.cfg.LiquidationThresholdBps), nil
}

// IsLiquidatable evaluates the borrower's position at current rates.
func (e *Engine) IsLiquidatable(ctx context.Context, poolID common.Hash, borrower common.Address) (bool, error) {
	var ok bool
	err := e.view(ctx, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		ok, err = tx.liquidatable(p.Loans[borrower])
		return err
	})
	return ok, err
}

// seizeAmount converts debt into collateral units plus the liquidation bonus.
func seizeAmount(debt, pb, pc *uint256.Int, bonusBps uint64) *big.Int {
	num := scaledValue(debt, pb, BpsDenominator+bonusBps)
	den := new(big.Int).Mul(pc.ToBig(), big.NewInt(BpsDenominator))
	return num.Quo(num, den)
}

// Liquidate settles an undercollateralized position. The liquidator repays the whole
// debt and receives collateral worth the debt plus the bonus, capped at what is held.
// A zero liquidator means the caller. The caller and the liquidator both need the
// liquidator role.
func (e *Engine) Liquidate(ctx context.Context, caller common.Address, poolID common.Hash, borrower, liquidator common.Address) (*uint256.Int, error) {
	if liquidator == (common.Address{}) {
		liquidator = caller
	}
	var seized *uint256.Int
	err := e.apply(ctx, "liquidate", caller, func(tx *txn) error {
		if err := tx.requireRole(caller, RoleLiquidator); err != nil {
			return err
		}
		if liquidator != caller {
			if err := tx.requireRole(liquidator, RoleLiquidator); err != nil {
				return err
			}
		}
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		pos := p.Loans[borrower]
		ok, err := tx.liquidatable(pos)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPositionNotLiquidatable
		}

		debtToken, collToken := pos.BorrowedToken, pos.CollateralToken
		debt := new(uint256.Int).Set(pos.BorrowedAmount)
		pb, _ := tx.price(debtToken)
		pc, _ := tx.price(collToken)

		if err := tx.state.debit(debtToken, liquidator, debt); err != nil {
			return fmt.Errorf("liquidator repay %s: %w", debtToken.Hex(), err)
		}
		reserve := p.reserveRef(debtToken)
		if *reserve, err = add(*reserve, debt); err != nil {
			return err
		}

		amount := seizeAmount(debt, pb, pc, tx.cfg.LiquidationBonusBps)
		if amount.Cmp(pos.CollateralAmount.ToBig()) > 0 {
			seized = new(uint256.Int).Set(pos.CollateralAmount)
		} else {
			seized, _ = uint256.FromBig(amount)
		}
		custody := p.custodyRef(collToken)
		next, ok := sub(*custody, seized)
		if !ok {
			return fmt.Errorf("custody %s: %w", collToken.Hex(), ErrInsufficientReserves)
		}
		*custody = next
		if !seized.IsZero() {
			if err := tx.state.credit(collToken, liquidator, seized); err != nil {
				return err
			}
		}
		pos.CollateralAmount, _ = sub(pos.CollateralAmount, seized)
		remaining := new(uint256.Int).Set(pos.CollateralAmount)
		closePosition(p, borrower, pos)

		tx.emit(p.ID, model.EventLiquidation, caller, model.LiquidationData{
			Borrower:        borrower.Hex(),
			Liquidator:      liquidator.Hex(),
			DebtToken:       debtToken.Hex(),
			DebtRepaid:      debt.Dec(),
			CollateralToken: collToken.Hex(),
			Seized:          seized.Dec(),
			Remaining:       remaining.Dec(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seized, nil
}

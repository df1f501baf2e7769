package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// Borrow opens a loan for the caller, who also supplies the collateral.
func (e *Engine) Borrow(ctx context.Context, caller common.Address, poolID common.Hash, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	return e.BorrowFor(ctx, caller, caller, poolID, borrowToken, borrowAmount, collateralToken, collateralAmount)
}

// BorrowFor opens a loan owned by borrower with collateral taken from payer's wallet.
// The principal is paid to borrower.
func (e *Engine) BorrowFor(ctx context.Context, payer, borrower common.Address, poolID common.Hash, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	return e.apply(ctx, "borrow", borrower, func(tx *txn) error {
		return tx.borrowFor(payer, borrower, poolID, borrowToken, borrowAmount, collateralToken, collateralAmount)
	})
}

func (tx *txn) borrowFor(payer, borrower common.Address, poolID common.Hash, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	p, err := tx.pool(poolID)
	if err != nil {
		return err
	}
	if !p.Has(borrowToken) || !p.Has(collateralToken) || borrowToken == collateralToken {
		return ErrInvalidToken
	}
	if !isPositive(borrowAmount) || !isPositive(collateralAmount) {
		return ErrInvalidAmount
	}

	pos := p.Loans[borrower]
	if pos.Open() {
		return ErrExistingBorrow
	}
	total := new(uint256.Int).Set(collateralAmount)
	if pos != nil && isPositive(pos.CollateralAmount) {
		if pos.heldToken() != collateralToken {
			return fmt.Errorf("held %s: %w", pos.heldToken().Hex(), ErrCollateralTokenMismatch)
		}
		if total, err = add(total, pos.CollateralAmount); err != nil {
			return err
		}
	}

	pb, err := tx.price(borrowToken)
	if err != nil {
		return err
	}
	pc, err := tx.price(collateralToken)
	if err != nil {
		return err
	}
	if !meetsRatio(total, pc, borrowAmount, pb, tx.cfg.MinCollateralBps) {
		return ErrInsufficientCollateral
	}
	reserve := p.reserveRef(borrowToken)
	nextReserve, ok := sub(*reserve, borrowAmount)
	if !ok {
		return fmt.Errorf("reserve %s below %s: %w", (*reserve).Dec(), borrowAmount.Dec(), ErrInsufficientReserves)
	}

	if err := tx.state.debit(collateralToken, payer, collateralAmount); err != nil {
		return fmt.Errorf("collateral %s: %w", collateralToken.Hex(), err)
	}
	custody := p.custodyRef(collateralToken)
	if *custody, err = add(*custody, collateralAmount); err != nil {
		return err
	}
	*reserve = nextReserve
	if err := tx.state.credit(borrowToken, borrower, borrowAmount); err != nil {
		return err
	}
	p.Loans[borrower] = &LoanPosition{
		BorrowedToken:    borrowToken,
		BorrowedAmount:   new(uint256.Int).Set(borrowAmount),
		CollateralToken:  collateralToken,
		CollateralAmount: total,
	}

	data := model.BorrowData{
		Borrower:         borrower.Hex(),
		BorrowToken:      borrowToken.Hex(),
		BorrowAmount:     borrowAmount.Dec(),
		CollateralToken:  collateralToken.Hex(),
		CollateralAmount: collateralAmount.Dec(),
	}
	if payer != borrower {
		data.Payer = payer.Hex()
	}
	tx.emit(p.ID, model.EventBorrow, borrower, data)
	return nil
}

// Repay returns amount of the caller's debt. Full repayment closes the position and
// leaves the collateral reclaimable through WithdrawCollateral.
func (e *Engine) Repay(ctx context.Context, caller common.Address, poolID common.Hash, borrowToken, collateralToken common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var remaining *uint256.Int
	err := e.apply(ctx, "repay", caller, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		pos := p.Loans[caller]
		if !pos.Open() {
			return ErrNoOpenPosition
		}
		if pos.BorrowedToken != borrowToken || pos.CollateralToken != collateralToken {
			return ErrPositionMismatch
		}
		if !isPositive(amount) || amount.Gt(pos.BorrowedAmount) {
			return fmt.Errorf("repay %s of %s owed: %w", amountString(amount), pos.BorrowedAmount.Dec(), ErrInvalidAmount)
		}

		if err := tx.state.debit(borrowToken, caller, amount); err != nil {
			return fmt.Errorf("repay %s: %w", borrowToken.Hex(), err)
		}
		reserve := p.reserveRef(borrowToken)
		if *reserve, err = add(*reserve, amount); err != nil {
			return err
		}
		pos.BorrowedAmount, _ = sub(pos.BorrowedAmount, amount)
		remaining = new(uint256.Int).Set(pos.BorrowedAmount)
		if pos.BorrowedAmount.IsZero() {
			closePosition(p, caller, pos)
		}

		tx.emit(p.ID, model.EventRepay, caller, model.RepayData{
			Borrower:  caller.Hex(),
			Token:     borrowToken.Hex(),
			Amount:    amount.Dec(),
			Remaining: remaining.Dec(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return remaining, nil
}

// AddCollateral tops up the collateral of the caller's open position.
func (e *Engine) AddCollateral(ctx context.Context, caller common.Address, poolID common.Hash, collateralToken common.Address, amount *uint256.Int) error {
	return e.apply(ctx, "add_collateral", caller, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		pos := p.Loans[caller]
		if !pos.Open() {
			return ErrNoOpenPosition
		}
		if pos.CollateralToken != collateralToken {
			return ErrPositionMismatch
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}

		if err := tx.state.debit(collateralToken, caller, amount); err != nil {
			return fmt.Errorf("collateral %s: %w", collateralToken.Hex(), err)
		}
		custody := p.custodyRef(collateralToken)
		if *custody, err = add(*custody, amount); err != nil {
			return err
		}
		if pos.CollateralAmount, err = add(pos.CollateralAmount, amount); err != nil {
			return err
		}

		tx.emit(p.ID, model.EventCollateralAdded, caller, model.CollateralData{
			Borrower: caller.Hex(),
			Token:    collateralToken.Hex(),
			Amount:   amount.Dec(),
			Balance:  pos.CollateralAmount.Dec(),
		})
		return nil
	})
}

// WithdrawCollateral releases collateral to the caller. While the position is open the
// remaining collateral must still meet the minimum ratio.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller common.Address, poolID common.Hash, collateralToken common.Address, amount *uint256.Int) error {
	return e.apply(ctx, "withdraw_collateral", caller, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		pos := p.Loans[caller]
		if pos == nil || !isPositive(pos.CollateralAmount) {
			return ErrNoOpenPosition
		}
		if pos.heldToken() != collateralToken {
			return ErrPositionMismatch
		}
		if !isPositive(amount) || amount.Gt(pos.CollateralAmount) {
			return fmt.Errorf("withdraw %s of %s held: %w", amountString(amount), pos.CollateralAmount.Dec(), ErrInvalidAmount)
		}
		left, _ := sub(pos.CollateralAmount, amount)

		if pos.Open() {
			pb, err := tx.price(pos.BorrowedToken)
			if err != nil {
				return err
			}
			pc, err := tx.price(collateralToken)
			if err != nil {
				return err
			}
			if !meetsRatio(left, pc, pos.BorrowedAmount, pb, tx.cfg.MinCollateralBps) {
				return ErrInsufficientCollateralAfterWithdrawal
			}
		}

		custody := p.custodyRef(collateralToken)
		next, ok := sub(*custody, amount)
		if !ok {
			return fmt.Errorf("custody %s: %w", collateralToken.Hex(), ErrInsufficientReserves)
		}
		*custody = next
		if err := tx.state.credit(collateralToken, caller, amount); err != nil {
			return err
		}
		pos.CollateralAmount = left
		if !pos.Open() && left.IsZero() {
			delete(p.Loans, caller)
		}

		tx.emit(p.ID, model.EventCollateralWithdrawn, caller, model.CollateralData{
			Borrower: caller.Hex(),
			Token:    collateralToken.Hex(),
			Amount:   amount.Dec(),
			Balance:  left.Dec(),
		})
		return nil
	})
}

// closePosition clears the token fields of a settled loan. Leftover collateral stays
// reclaimable under ReclaimToken.
func closePosition(p *Pool, borrower common.Address, pos *LoanPosition) {
	pos.BorrowedAmount = zero()
	if pos.CollateralAmount.IsZero() {
		delete(p.Loans, borrower)
		return
	}
	pos.ReclaimToken = pos.CollateralToken
	pos.BorrowedToken = common.Address{}
	pos.CollateralToken = common.Address{}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

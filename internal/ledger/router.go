package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Router resolves pools by token pair and forwards to the Engine.
type Router struct {
	engine *Engine
}

func NewRouter(engine *Engine) *Router {
	return &Router{engine: engine}
}

func (r *Router) Engine() *Engine {
	return r.engine
}

func (r *Router) resolve(tokenA, tokenB common.Address) (*Pool, error) {
	p, err := r.engine.PoolFor(tokenA, tokenB)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", tokenA.Hex(), tokenB.Hex(), err)
	}
	return p, nil
}

// AddLiquidity deposits amountA of tokenA and amountB of tokenB in either order.
func (r *Router) AddLiquidity(ctx context.Context, caller, tokenA, tokenB common.Address, amountA, amountB *uint256.Int, tickLower, tickUpper int32) (*uint256.Int, error) {
	p, err := r.resolve(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	amount0, amount1 := amountA, amountB
	if tokenA != p.Token0 {
		amount0, amount1 = amountB, amountA
	}
	return r.engine.AddLiquidity(ctx, caller, p.ID, amount0, amount1, tickLower, tickUpper)
}

func (r *Router) RemoveLiquidity(ctx context.Context, caller, tokenA, tokenB common.Address, shares *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p, err := r.resolve(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	return r.engine.RemoveLiquidity(ctx, caller, p.ID, shares)
}

// SwapExactInput swaps amountIn of tokenIn for tokenOut.
func (r *Router) SwapExactInput(ctx context.Context, caller, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, recipient common.Address) (*uint256.Int, error) {
	p, err := r.resolve(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return r.engine.Swap(ctx, caller, p.ID, tokenIn, amountIn, minAmountOut, recipient)
}

func (r *Router) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p, err := r.resolve(tokenIn, tokenOut)
	if err != nil {
		return nil, nil, err
	}
	return r.engine.Quote(ctx, p.ID, tokenIn, amountIn)
}

func (r *Router) Borrow(ctx context.Context, caller, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	p, err := r.resolve(borrowToken, collateralToken)
	if err != nil {
		return err
	}
	return r.engine.Borrow(ctx, caller, p.ID, borrowToken, borrowAmount, collateralToken, collateralAmount)
}

// BorrowFor opens a loan for borrower funded by payer's collateral.
func (r *Router) BorrowFor(ctx context.Context, payer, borrower, borrowToken common.Address, borrowAmount *uint256.Int, collateralToken common.Address, collateralAmount *uint256.Int) error {
	p, err := r.resolve(borrowToken, collateralToken)
	if err != nil {
		return err
	}
	return r.engine.BorrowFor(ctx, payer, borrower, p.ID, borrowToken, borrowAmount, collateralToken, collateralAmount)
}

func (r *Router) Repay(ctx context.Context, caller, borrowToken, collateralToken common.Address, amount *uint256.Int) (*uint256.Int, error) {
	p, err := r.resolve(borrowToken, collateralToken)
	if err != nil {
		return nil, err
	}
	return r.engine.Repay(ctx, caller, p.ID, borrowToken, collateralToken, amount)
}

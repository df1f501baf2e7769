package ledger

import (
	"math/big"

	"github.com/holiman/uint256"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var (
	wad    = uint256.NewInt(1e18)
	bpsDen = uint256.NewInt(BpsDenominator)
)

func add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

// sub returns x-y and false when y > x.
func sub(x, y *uint256.Int) (*uint256.Int, bool) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	return z, !underflow
}

func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func isPositive(x *uint256.Int) bool {
	return x != nil && !x.IsZero()
}

func zero() *uint256.Int {
	return new(uint256.Int)
}

// scaledValue returns amount*price*bps as a big.Int so ratio comparisons cannot overflow.
func scaledValue(amount, price *uint256.Int, bps uint64) *big.Int {
	v := new(big.Int).Mul(amount.ToBig(), price.ToBig())
	return v.Mul(v, new(big.Int).SetUint64(bps))
}

// meetsRatio reports collateral*pc*10000 >= debt*pd*ratioBps.
func meetsRatio(collateral, pc, debt, pd *uint256.Int, ratioBps uint64) bool {
	lhs := scaledValue(collateral, pc, BpsDenominator)
	rhs := scaledValue(debt, pd, ratioBps)
	return lhs.Cmp(rhs) >= 0
}

// belowRatio reports collateral*pc*10000 < debt*pd*ratioBps.
func belowRatio(collateral, pc, debt, pd *uint256.Int, ratioBps uint64) bool {
	return !meetsRatio(collateral, pc, debt, pd, ratioBps)
}

// RatioBps returns the collateral ratio in basis points, rounded down.
func RatioBps(collateral, pc, debt, pd *uint256.Int) *big.Int {
	den := new(big.Int).Mul(debt.ToBig(), pd.ToBig())
	if den.Sign() == 0 {
		return nil
	}
	num := scaledValue(collateral, pc, BpsDenominator)
	return num.Quo(num, den)
}

package aggregate

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const ratioScale = 18

var yearSeconds = decimal.NewFromInt(int64(365 * 24 * time.Hour / time.Second))

func formatTokenAmount(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).StringFixed(int32(decimals))
}

func computeFeeRates(fee0, fee1, tvl0, tvl1 *big.Int) (*string, *string) {
	var feeRate0 *string
	var feeRate1 *string

	if rate := computeRate(fee0, tvl0); rate != "" {
		feeRate0 = &rate
	}
	if rate := computeRate(fee1, tvl1); rate != "" {
		feeRate1 = &rate
	}
	return feeRate0, feeRate1
}

func computeRate(fee, tvl *big.Int) string {
	if fee == nil || fee.Sign() == 0 || tvl == nil || tvl.Sign() == 0 {
		return ""
	}
	rate := decimal.NewFromBigInt(fee, 0).DivRound(decimal.NewFromBigInt(tvl, 0), ratioScale)
	return rate.StringFixed(ratioScale)
}

// computeAPR annualizes a fee rate when exactly one side of the pool earned fees.
func computeAPR(feeRate0, feeRate1 *string, windowSeconds uint64) *string {
	if windowSeconds == 0 {
		return nil
	}
	var selected string
	if feeRate0 != nil && feeRate1 == nil {
		selected = *feeRate0
	} else if feeRate1 != nil && feeRate0 == nil {
		selected = *feeRate1
	} else {
		return nil
	}

	rate, err := decimal.NewFromString(selected)
	if err != nil {
		return nil
	}
	apr := rate.Mul(yearSeconds).DivRound(decimal.NewFromInt(int64(windowSeconds)), ratioScale)
	val := apr.StringFixed(ratioScale)
	return &val
}

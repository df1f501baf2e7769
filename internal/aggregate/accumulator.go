package aggregate

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"cofinance/internal/model"
)

// Accumulator holds aggregate values for a pool window.
type Accumulator struct {
	Pool        model.Pool
	WindowStart uint64
	WindowEnd   uint64
	SwapCount   uint64
	Volume0     *big.Int
	Volume1     *big.Int
	Fee0        *big.Int
	Fee1        *big.Int
	Reserve0    *big.Int
	Reserve1    *big.Int
	FirstSeq    uint64
	LastSeq     uint64
}

func NewAccumulator(pool model.Pool, record model.EventRecord, windowStart, windowEnd uint64) *Accumulator {
	return &Accumulator{
		Pool:        pool,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Volume0:     big.NewInt(0),
		Volume1:     big.NewInt(0),
		Fee0:        big.NewInt(0),
		Fee1:        big.NewInt(0),
		FirstSeq:    record.Seq,
		LastSeq:     record.Seq,
	}
}

func (a *Accumulator) AddEvent(record model.EventRecord) error {
	if record.Seq > a.LastSeq {
		a.LastSeq = record.Seq
	}
	if a.FirstSeq == 0 || record.Seq < a.FirstSeq {
		a.FirstSeq = record.Seq
	}

	switch record.EventName {
	case model.EventSwap:
		var swap model.SwapData
		if err := json.Unmarshal(record.Decoded, &swap); err != nil {
			return fmt.Errorf("decode swap: %w", err)
		}
		return a.applySwap(swap)
	default:
		return nil
	}
}

// applySwap books the input on its token's volume and the output with its fee on
// the other side. Fees are charged in output units.
func (a *Accumulator) applySwap(swap model.SwapData) error {
	amountIn, err := parseBigInt(swap.AmountIn)
	if err != nil {
		return err
	}
	amountOut, err := parseBigInt(swap.AmountOut)
	if err != nil {
		return err
	}
	fee, err := parseBigInt(swap.Fee)
	if err != nil {
		return err
	}

	switch {
	case strings.EqualFold(swap.TokenIn, a.Pool.Token0):
		a.Volume0.Add(a.Volume0, amountIn)
		a.Volume1.Add(a.Volume1, amountOut)
		a.Fee1.Add(a.Fee1, fee)
	case strings.EqualFold(swap.TokenIn, a.Pool.Token1):
		a.Volume1.Add(a.Volume1, amountIn)
		a.Volume0.Add(a.Volume0, amountOut)
		a.Fee0.Add(a.Fee0, fee)
	default:
		return fmt.Errorf("token %s not in pool %s", swap.TokenIn, a.Pool.ID)
	}

	if a.Reserve0, err = parseBigInt(swap.Reserve0); err != nil {
		return err
	}
	if a.Reserve1, err = parseBigInt(swap.Reserve1); err != nil {
		return err
	}
	a.SwapCount++
	return nil
}

func parseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}

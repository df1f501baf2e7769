package aggregate

import "math/big"

const (
	tvlMethodReserves = "reserves_at_last_swap"
	tvlMethodNone     = "unavailable"
)

// windowTVL reports the pool reserves recorded by the window's last swap.
func windowTVL(acc *Accumulator) (*big.Int, *big.Int, string) {
	if acc.SwapCount == 0 || acc.Reserve0 == nil || acc.Reserve1 == nil {
		return nil, nil, tvlMethodNone
	}
	return acc.Reserve0, acc.Reserve1, tvlMethodReserves
}

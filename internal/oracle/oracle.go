// Package oracle provides the price sources the ledger reads rates from.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("stale price")
)

// Quote is a rate scaled by 1e18 and the time it was last updated.
type Quote struct {
	Value     *uint256.Int
	UpdatedAt time.Time
}

// PriceOracle exposes token rates. Implementations must answer from memory.
type PriceOracle interface {
	Rate(ctx context.Context, token common.Address) (Quote, error)
}

// CheckFresh rejects zero rates and rates older than maxAge. maxAge <= 0 disables the age check.
func CheckFresh(q Quote, now time.Time, maxAge time.Duration) error {
	if q.Value == nil || q.Value.IsZero() {
		return ErrPriceUnavailable
	}
	if maxAge > 0 && now.Sub(q.UpdatedAt) > maxAge {
		return ErrStalePrice
	}
	return nil
}

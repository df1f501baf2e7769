package ledger

import (
	"errors"
	"sync"

	"cofinance/internal/oracle"
)

// Validation errors.
var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidTickRange = errors.New("invalid tick range")
	ErrIdenticalTokens  = errors.New("identical tokens")
	ErrZeroAddress      = errors.New("zero address")
	ErrInvalidFee       = errors.New("invalid fee")
	ErrInvalidPricing   = errors.New("invalid pricing mode")
	ErrInvalidRole      = errors.New("invalid role")
	ErrMathOverflow     = errors.New("math overflow")
)

// Solvency errors.
var (
	ErrInsufficientCollateral                = errors.New("insufficient collateral")
	ErrInsufficientCollateralAfterWithdrawal = errors.New("insufficient collateral after withdrawal")
	ErrInsufficientOutput                    = errors.New("insufficient output amount")
	ErrInsufficientReserves                  = errors.New("insufficient reserves")
	ErrInsufficientBalance                   = errors.New("insufficient balance")
	ErrInsufficientShares                    = errors.New("insufficient shares")
)

// State-conflict errors.
var (
	ErrExistingBorrow          = errors.New("existing borrow")
	ErrNoOpenPosition          = errors.New("no open position")
	ErrPositionMismatch        = errors.New("position mismatch")
	ErrCollateralTokenMismatch = errors.New("collateral token mismatch")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
	ErrPoolExists              = errors.New("pool exists")
	ErrPoolNotFound            = errors.New("pool not found")
	ErrMessageProcessed        = errors.New("message already processed")
)

// Authorization errors.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorCategory groups rejection reasons.
type ErrorCategory int

const (
	CategoryNone ErrorCategory = iota
	CategoryValidation
	CategorySolvency
	CategoryStateConflict
	CategoryAuthorization
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNone:
		return "ok"
	case CategoryValidation:
		return "validation"
	case CategorySolvency:
		return "solvency"
	case CategoryStateConflict:
		return "state_conflict"
	case CategoryAuthorization:
		return "authorization"
	default:
		return "internal"
	}
}

type categoryEntry struct {
	err      error
	category ErrorCategory
}

var (
	categoriesMu sync.RWMutex
	categories   = []categoryEntry{
		{ErrInvalidAmount, CategoryValidation},
		{ErrInvalidToken, CategoryValidation},
		{ErrInvalidTickRange, CategoryValidation},
		{ErrIdenticalTokens, CategoryValidation},
		{ErrZeroAddress, CategoryValidation},
		{ErrInvalidFee, CategoryValidation},
		{ErrInvalidPricing, CategoryValidation},
		{ErrInvalidRole, CategoryValidation},
		{ErrMathOverflow, CategoryValidation},
		{ErrInsufficientCollateral, CategorySolvency},
		{ErrInsufficientCollateralAfterWithdrawal, CategorySolvency},
		{ErrInsufficientOutput, CategorySolvency},
		{ErrInsufficientReserves, CategorySolvency},
		{ErrInsufficientBalance, CategorySolvency},
		{ErrInsufficientShares, CategorySolvency},
		{ErrExistingBorrow, CategoryStateConflict},
		{ErrNoOpenPosition, CategoryStateConflict},
		{ErrPositionMismatch, CategoryStateConflict},
		{ErrCollateralTokenMismatch, CategoryStateConflict},
		{ErrPositionNotLiquidatable, CategoryStateConflict},
		{ErrPoolExists, CategoryStateConflict},
		{ErrPoolNotFound, CategoryStateConflict},
		{ErrMessageProcessed, CategoryStateConflict},
		{oracle.ErrPriceUnavailable, CategoryStateConflict},
		{oracle.ErrStalePrice, CategoryStateConflict},
		{ErrUnauthorized, CategoryAuthorization},
	}
)

// Category classifies err. Errors other than ledger sentinels are CategoryInternal.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	categoriesMu.RLock()
	defer categoriesMu.RUnlock()
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryInternal
}

// RegisterCategory lets collaborating packages classify their own sentinels.
// It is meant for package init; later registrations are safe but only affect
// errors classified afterwards.
func RegisterCategory(err error, category ErrorCategory) {
	categoriesMu.Lock()
	defer categoriesMu.Unlock()
	categories = append(categories, categoryEntry{err, category})
}

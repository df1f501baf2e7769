// Package launchpad runs a fixed-price token sale settled in ledger wallet balances.
package launchpad

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/ledger"
	"cofinance/internal/model"
)

var (
	ErrSaleNotActive          = errors.New("sale not active")
	ErrSaleNotEnded           = errors.New("sale not ended")
	ErrSaleNotFinalized       = errors.New("sale not finalized")
	ErrAlreadyFinalized       = errors.New("sale already finalized")
	ErrInsufficientSaleSupply = errors.New("insufficient sale supply")
	ErrNothingToClaim         = errors.New("nothing to claim")
)

func init() {
	ledger.RegisterCategory(ErrSaleNotActive, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrSaleNotEnded, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrSaleNotFinalized, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrAlreadyFinalized, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrInsufficientSaleSupply, ledger.CategorySolvency)
	ledger.RegisterCategory(ErrNothingToClaim, ledger.CategoryStateConflict)
}

// Ledger runs sale updates as ledger transitions and reads the committed book.
type Ledger interface {
	Update(ctx context.Context, op string, actor common.Address, fn func(tx *ledger.Tx) error) error
	Load(key string, v any) (bool, error)
}

// DefaultKey names the sale book inside the ledger state.
const DefaultKey = "launchpad"

type Config struct {
	// Key names the book in the ledger state. Empty means DefaultKey.
	Key          string
	Owner        common.Address
	SaleToken    common.Address
	PaymentToken common.Address
	// Account holds the tokens on sale and the payments raised.
	Account common.Address
	// Price is payment token units per sale token, scaled by 1e18.
	Price      *uint256.Int
	Supply     *uint256.Int
	MinPayment *uint256.Int
	MaxPayment *uint256.Int
	Start      time.Time
	End        time.Time
}

func (c Config) validate() error {
	if c.Price == nil || c.Price.IsZero() || c.Supply == nil || c.Supply.IsZero() {
		return ledger.ErrInvalidAmount
	}
	if c.MinPayment == nil || c.MaxPayment == nil || c.MinPayment.Gt(c.MaxPayment) {
		return ledger.ErrInvalidAmount
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("sale window %s..%s: %w", c.Start, c.End, ledger.ErrInvalidAmount)
	}
	if c.Owner == (common.Address{}) || c.Account == (common.Address{}) {
		return ledger.ErrZeroAddress
	}
	return nil
}

type book struct {
	Purchased         map[common.Address]*uint256.Int `json:"purchased"`
	Sold              *uint256.Int                    `json:"sold"`
	Raised            *uint256.Int                    `json:"raised"`
	Finalized         bool                            `json:"finalized"`
	UnsoldWithdrawn   bool                            `json:"unsold_withdrawn"`
	PaymentsWithdrawn *uint256.Int                    `json:"payments_withdrawn"`
}

type Sale struct {
	cfg    Config
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewSale(cfg Config, l Ledger, logger *zap.Logger) (*Sale, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Sale{
		cfg:    cfg,
		ledger: l,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *Sale) WithClock(now func() time.Time) *Sale {
	s.now = now
	return s
}

var wad = uint256.NewInt(1_000_000_000_000_000_000)

type loader interface {
	Load(key string, v any) (bool, error)
}

func (s *Sale) book(src loader) (*book, error) {
	b := &book{}
	if _, err := src.Load(s.cfg.Key, b); err != nil {
		return nil, err
	}
	if b.Purchased == nil {
		b.Purchased = make(map[common.Address]*uint256.Int)
	}
	for _, ref := range []**uint256.Int{&b.Sold, &b.Raised, &b.PaymentsWithdrawn} {
		if *ref == nil {
			*ref = new(uint256.Int)
		}
	}
	return b, nil
}

func (s *Sale) update(ctx context.Context, op string, caller common.Address, fn func(tx *ledger.Tx, b *book) error) error {
	return s.ledger.Update(ctx, op, caller, func(tx *ledger.Tx) error {
		b, err := s.book(tx)
		if err != nil {
			return err
		}
		if err := fn(tx, b); err != nil {
			return err
		}
		return tx.Store(s.cfg.Key, b)
	})
}

// Buy spends payment of the payment token on sale tokens at the fixed price.
func (s *Sale) Buy(ctx context.Context, buyer common.Address, payment *uint256.Int) (*uint256.Int, error) {
	var tokens *uint256.Int
	err := s.update(ctx, "sale_buy", buyer, func(tx *ledger.Tx, b *book) error {
		now := s.now()
		if b.Finalized || now.Before(s.cfg.Start) || now.After(s.cfg.End) {
			return ErrSaleNotActive
		}
		if payment == nil || payment.Lt(s.cfg.MinPayment) || payment.Gt(s.cfg.MaxPayment) {
			return ledger.ErrInvalidAmount
		}
		var overflow bool
		tokens, overflow = new(uint256.Int).MulDivOverflow(payment, wad, s.cfg.Price)
		if overflow {
			return ledger.ErrMathOverflow
		}
		if tokens.IsZero() {
			return ledger.ErrInvalidAmount
		}
		sold := new(uint256.Int).Add(b.Sold, tokens)
		if sold.Gt(s.cfg.Supply) {
			return fmt.Errorf("%s left: %w", new(uint256.Int).Sub(s.cfg.Supply, b.Sold).Dec(), ErrInsufficientSaleSupply)
		}
		if err := tx.Transfer(buyer, s.cfg.Account, s.cfg.PaymentToken, payment); err != nil {
			return fmt.Errorf("pay: %w", err)
		}

		b.Sold = sold
		b.Raised = new(uint256.Int).Add(b.Raised, payment)
		prev := b.Purchased[buyer]
		if prev == nil {
			prev = new(uint256.Int)
		}
		b.Purchased[buyer] = new(uint256.Int).Add(prev, tokens)
		tx.Emit(model.EventSalePurchase, model.SaleData{Account: buyer.Hex(), Tokens: tokens.Dec(), Payment: payment.Dec()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tokens purchased",
		zap.String("buyer", buyer.Hex()),
		zap.String("tokens", tokens.Dec()),
		zap.String("payment", payment.Dec()),
	)
	return tokens, nil
}

// Finalize closes the sale once its window has ended.
func (s *Sale) Finalize(ctx context.Context, caller common.Address) error {
	var raised, sold string
	err := s.update(ctx, "sale_finalize", caller, func(tx *ledger.Tx, b *book) error {
		if caller != s.cfg.Owner {
			return ledger.ErrUnauthorized
		}
		if b.Finalized {
			return ErrAlreadyFinalized
		}
		if !s.now().After(s.cfg.End) {
			return ErrSaleNotEnded
		}
		b.Finalized = true
		raised, sold = b.Raised.Dec(), b.Sold.Dec()
		tx.Emit(model.EventSaleFinalized, model.SaleData{Account: caller.Hex(), Tokens: sold, Payment: raised})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("sale finalized", zap.String("raised", raised), zap.String("sold", sold))
	return nil
}

// Claim delivers the buyer's purchased tokens after finalization.
func (s *Sale) Claim(ctx context.Context, buyer common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := s.update(ctx, "sale_claim", buyer, func(tx *ledger.Tx, b *book) error {
		if !b.Finalized {
			return ErrSaleNotFinalized
		}
		amount = b.Purchased[buyer]
		if amount == nil || amount.IsZero() {
			return ErrNothingToClaim
		}
		if err := tx.Transfer(s.cfg.Account, buyer, s.cfg.SaleToken, amount); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
		delete(b.Purchased, buyer)
		tx.Emit(model.EventSaleClaimed, model.SaleData{Account: buyer.Hex(), Tokens: amount.Dec()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tokens claimed", zap.String("buyer", buyer.Hex()), zap.String("amount", amount.Dec()))
	return amount, nil
}

// WithdrawUnsold returns the unsold supply to the owner.
func (s *Sale) WithdrawUnsold(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	var unsold *uint256.Int
	err := s.update(ctx, "sale_withdraw_unsold", caller, func(tx *ledger.Tx, b *book) error {
		if caller != s.cfg.Owner {
			return ledger.ErrUnauthorized
		}
		if !b.Finalized {
			return ErrSaleNotFinalized
		}
		unsold = new(uint256.Int).Sub(s.cfg.Supply, b.Sold)
		if b.UnsoldWithdrawn || unsold.IsZero() {
			return ErrNothingToClaim
		}
		if err := tx.Transfer(s.cfg.Account, s.cfg.Owner, s.cfg.SaleToken, unsold); err != nil {
			return fmt.Errorf("withdraw unsold: %w", err)
		}
		b.UnsoldWithdrawn = true
		tx.Emit(model.EventSaleWithdrawal, model.SaleData{Account: caller.Hex(), Tokens: unsold.Dec()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unsold, nil
}

// WithdrawPayments sends the payments raised so far to the owner.
func (s *Sale) WithdrawPayments(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := s.update(ctx, "sale_withdraw_payments", caller, func(tx *ledger.Tx, b *book) error {
		if caller != s.cfg.Owner {
			return ledger.ErrUnauthorized
		}
		amount = new(uint256.Int).Sub(b.Raised, b.PaymentsWithdrawn)
		if amount.IsZero() {
			return ErrNothingToClaim
		}
		if err := tx.Transfer(s.cfg.Account, s.cfg.Owner, s.cfg.PaymentToken, amount); err != nil {
			return fmt.Errorf("withdraw payments: %w", err)
		}
		b.PaymentsWithdrawn = new(uint256.Int).Set(b.Raised)
		tx.Emit(model.EventSaleWithdrawal, model.SaleData{Account: caller.Hex(), Payment: amount.Dec()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (s *Sale) Purchased(buyer common.Address) (*uint256.Int, error) {
	b, err := s.book(s.ledger)
	if err != nil {
		return nil, err
	}
	if v, ok := b.Purchased[buyer]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (s *Sale) Raised() (*uint256.Int, error) {
	b, err := s.book(s.ledger)
	if err != nil {
		return nil, err
	}
	return b.Raised, nil
}

func (s *Sale) Finalized() (bool, error) {
	b, err := s.book(s.ledger)
	if err != nil {
		return false, err
	}
	return b.Finalized, nil
}

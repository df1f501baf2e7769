package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/crosschain"
	"cofinance/internal/launchpad"
	"cofinance/internal/ledger"
	"cofinance/internal/model"
	"cofinance/internal/oracle"
	"cofinance/internal/staking"
)

var errNotConfigured = errors.New("module not configured")

// PricesKey names the admin price overrides inside the ledger state.
const PricesKey = "prices"

// PriceSetter accepts admin price pushes, typically a static oracle.
type PriceSetter interface {
	SetRate(token common.Address, value *uint256.Int)
}

// Service is the JSON-RPC receiver. Callers pass their address explicitly.
type Service struct {
	engine  *ledger.Engine
	staking *staking.Pool
	sale    *launchpad.Sale
	adapter *crosschain.Adapter
	prices  PriceSetter
	logger  *zap.Logger
}

type Option func(*Service)

func WithStaking(p *staking.Pool) Option       { return func(s *Service) { s.staking = p } }
func WithSale(sale *launchpad.Sale) Option     { return func(s *Service) { s.sale = sale } }
func WithAdapter(a *crosschain.Adapter) Option { return func(s *Service) { s.adapter = a } }
func WithPriceSetter(p PriceSetter) Option     { return func(s *Service) { s.prices = p } }
func WithLogger(l *zap.Logger) Option          { return func(s *Service) { s.logger = l } }

func NewService(engine *ledger.Engine, opts ...Option) *Service {
	s := &Service{engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// rpcError attaches the rejection category so clients can branch on it.
func (s *Service) rpcError(err error) error {
	if err == nil {
		return nil
	}
	category := ledger.Category(err)
	s.logger.Debug("rpc rejected", zap.String("category", category.String()), zap.Error(err))
	return &json2.Error{
		Code:    json2.E_SERVER,
		Message: err.Error(),
		Data:    map[string]string{"category": category.String()},
	}
}

type CreatePoolArgs struct {
	Caller  common.Address `json:"caller"`
	TokenA  common.Address `json:"tokenA"`
	TokenB  common.Address `json:"tokenB"`
	FeeBps  uint64         `json:"feeBps"`
	Pricing string         `json:"pricing,omitempty"`
}

type PoolIDReply struct {
	PoolID common.Hash `json:"poolId"`
}

func (s *Service) CreatePool(r *http.Request, args *CreatePoolArgs, reply *PoolIDReply) error {
	id, err := s.engine.CreatePool(r.Context(), args.Caller, args.TokenA, args.TokenB, args.FeeBps, ledger.Pricing(args.Pricing))
	if err != nil {
		return s.rpcError(err)
	}
	reply.PoolID = id
	return nil
}

type AddLiquidityArgs struct {
	Caller    common.Address `json:"caller"`
	PoolID    common.Hash    `json:"poolId"`
	Amount0   *uint256.Int   `json:"amount0"`
	Amount1   *uint256.Int   `json:"amount1"`
	TickLower int32          `json:"tickLower"`
	TickUpper int32          `json:"tickUpper"`
}

type SharesReply struct {
	Shares *uint256.Int `json:"shares"`
}

func (s *Service) AddLiquidity(r *http.Request, args *AddLiquidityArgs, reply *SharesReply) error {
	shares, err := s.engine.AddLiquidity(r.Context(), args.Caller, args.PoolID, args.Amount0, args.Amount1, args.TickLower, args.TickUpper)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Shares = shares
	return nil
}

type RemoveLiquidityArgs struct {
	Caller common.Address `json:"caller"`
	PoolID common.Hash    `json:"poolId"`
	Shares *uint256.Int   `json:"shares"`
}

type AmountsReply struct {
	Amount0 *uint256.Int `json:"amount0"`
	Amount1 *uint256.Int `json:"amount1"`
}

func (s *Service) RemoveLiquidity(r *http.Request, args *RemoveLiquidityArgs, reply *AmountsReply) error {
	out0, out1, err := s.engine.RemoveLiquidity(r.Context(), args.Caller, args.PoolID, args.Shares)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount0, reply.Amount1 = out0, out1
	return nil
}

type SwapArgs struct {
	Caller       common.Address `json:"caller"`
	PoolID       common.Hash    `json:"poolId"`
	TokenIn      common.Address `json:"tokenIn"`
	AmountIn     *uint256.Int   `json:"amountIn"`
	MinAmountOut *uint256.Int   `json:"minAmountOut,omitempty"`
	Recipient    common.Address `json:"recipient"`
}

type AmountReply struct {
	Amount *uint256.Int `json:"amount"`
}

func (s *Service) Swap(r *http.Request, args *SwapArgs, reply *AmountReply) error {
	recipient := args.Recipient
	if recipient == (common.Address{}) {
		recipient = args.Caller
	}
	out, err := s.engine.Swap(r.Context(), args.Caller, args.PoolID, args.TokenIn, args.AmountIn, args.MinAmountOut, recipient)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = out
	return nil
}

type QuoteArgs struct {
	PoolID   common.Hash    `json:"poolId"`
	TokenIn  common.Address `json:"tokenIn"`
	AmountIn *uint256.Int   `json:"amountIn"`
}

type QuoteReply struct {
	AmountOut *uint256.Int `json:"amountOut"`
	Fee       *uint256.Int `json:"fee"`
}

func (s *Service) Quote(r *http.Request, args *QuoteArgs, reply *QuoteReply) error {
	out, fee, err := s.engine.Quote(r.Context(), args.PoolID, args.TokenIn, args.AmountIn)
	if err != nil {
		return s.rpcError(err)
	}
	reply.AmountOut, reply.Fee = out, fee
	return nil
}

type BorrowArgs struct {
	Caller           common.Address `json:"caller"`
	PoolID           common.Hash    `json:"poolId"`
	BorrowToken      common.Address `json:"borrowToken"`
	BorrowAmount     *uint256.Int   `json:"borrowAmount"`
	CollateralToken  common.Address `json:"collateralToken"`
	CollateralAmount *uint256.Int   `json:"collateralAmount"`
}

type Empty struct{}

func (s *Service) Borrow(r *http.Request, args *BorrowArgs, _ *Empty) error {
	return s.rpcError(s.engine.Borrow(r.Context(), args.Caller, args.PoolID, args.BorrowToken, args.BorrowAmount, args.CollateralToken, args.CollateralAmount))
}

type RepayArgs struct {
	Caller          common.Address `json:"caller"`
	PoolID          common.Hash    `json:"poolId"`
	BorrowToken     common.Address `json:"borrowToken"`
	CollateralToken common.Address `json:"collateralToken"`
	Amount          *uint256.Int   `json:"amount"`
}

type RepayReply struct {
	Remaining *uint256.Int `json:"remaining"`
}

func (s *Service) Repay(r *http.Request, args *RepayArgs, reply *RepayReply) error {
	remaining, err := s.engine.Repay(r.Context(), args.Caller, args.PoolID, args.BorrowToken, args.CollateralToken, args.Amount)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Remaining = remaining
	return nil
}

type CollateralArgs struct {
	Caller common.Address `json:"caller"`
	PoolID common.Hash    `json:"poolId"`
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

func (s *Service) AddCollateral(r *http.Request, args *CollateralArgs, _ *Empty) error {
	return s.rpcError(s.engine.AddCollateral(r.Context(), args.Caller, args.PoolID, args.Token, args.Amount))
}

func (s *Service) WithdrawCollateral(r *http.Request, args *CollateralArgs, _ *Empty) error {
	return s.rpcError(s.engine.WithdrawCollateral(r.Context(), args.Caller, args.PoolID, args.Token, args.Amount))
}

type PositionArgs struct {
	PoolID   common.Hash    `json:"poolId"`
	Borrower common.Address `json:"borrower"`
}

type LiquidatableReply struct {
	Liquidatable bool `json:"liquidatable"`
}

func (s *Service) IsLiquidatable(r *http.Request, args *PositionArgs, reply *LiquidatableReply) error {
	ok, err := s.engine.IsLiquidatable(r.Context(), args.PoolID, args.Borrower)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Liquidatable = ok
	return nil
}

type LiquidateArgs struct {
	Caller     common.Address `json:"caller"`
	PoolID     common.Hash    `json:"poolId"`
	Borrower   common.Address `json:"borrower"`
	Liquidator common.Address `json:"liquidator,omitempty"`
}

func (s *Service) Liquidate(r *http.Request, args *LiquidateArgs, reply *AmountReply) error {
	seized, err := s.engine.Liquidate(r.Context(), args.Caller, args.PoolID, args.Borrower, args.Liquidator)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = seized
	return nil
}

type PositionReply struct {
	Found    bool                 `json:"found"`
	Open     bool                 `json:"open"`
	Position *ledger.LoanPosition `json:"position,omitempty"`
}

func (s *Service) Position(_ *http.Request, args *PositionArgs, reply *PositionReply) error {
	pos, ok, err := s.engine.Position(args.PoolID, args.Borrower)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Found = ok
	if ok {
		reply.Open = pos.Open()
		reply.Position = pos
	}
	return nil
}

type PoolArgs struct {
	PoolID common.Hash    `json:"poolId"`
	TokenA common.Address `json:"tokenA,omitempty"`
	TokenB common.Address `json:"tokenB,omitempty"`
}

type PoolReply struct {
	Pool *ledger.Pool `json:"pool"`
}

// Pool looks a pool up by id, or by pair when no id is given.
func (s *Service) Pool(_ *http.Request, args *PoolArgs, reply *PoolReply) error {
	var (
		p   *ledger.Pool
		err error
	)
	if args.PoolID != (common.Hash{}) {
		p, err = s.engine.Pool(args.PoolID)
	} else {
		p, err = s.engine.PoolFor(args.TokenA, args.TokenB)
	}
	if err != nil {
		return s.rpcError(err)
	}
	reply.Pool = p
	return nil
}

type BalanceArgs struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
}

func (s *Service) Balance(_ *http.Request, args *BalanceArgs, reply *AmountReply) error {
	reply.Amount = s.engine.Balance(args.Token, args.Account)
	return nil
}

type StakeArgs struct {
	Caller common.Address `json:"caller"`
	Amount *uint256.Int   `json:"amount,omitempty"`
}

func (s *Service) Stake(r *http.Request, args *StakeArgs, _ *Empty) error {
	if s.staking == nil {
		return s.rpcError(errNotConfigured)
	}
	return s.rpcError(s.staking.Stake(r.Context(), args.Caller, args.Amount))
}

func (s *Service) Unstake(r *http.Request, args *StakeArgs, _ *Empty) error {
	if s.staking == nil {
		return s.rpcError(errNotConfigured)
	}
	return s.rpcError(s.staking.Withdraw(r.Context(), args.Caller, args.Amount))
}

func (s *Service) ClaimRewards(r *http.Request, args *StakeArgs, reply *AmountReply) error {
	if s.staking == nil {
		return s.rpcError(errNotConfigured)
	}
	reward, err := s.staking.ClaimRewards(r.Context(), args.Caller)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = reward
	return nil
}

// SaleArgs addresses the sale. Payment is only read by BuySale.
type SaleArgs struct {
	Caller  common.Address `json:"caller"`
	Payment *uint256.Int   `json:"payment,omitempty"`
}

func (s *Service) BuySale(r *http.Request, args *SaleArgs, reply *AmountReply) error {
	if s.sale == nil {
		return s.rpcError(errNotConfigured)
	}
	tokens, err := s.sale.Buy(r.Context(), args.Caller, args.Payment)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = tokens
	return nil
}

func (s *Service) ClaimSale(r *http.Request, args *SaleArgs, reply *AmountReply) error {
	if s.sale == nil {
		return s.rpcError(errNotConfigured)
	}
	tokens, err := s.sale.Claim(r.Context(), args.Caller)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = tokens
	return nil
}

// FinalizeSale closes the sale. Only the sale owner may call it.
func (s *Service) FinalizeSale(r *http.Request, args *SaleArgs, _ *Empty) error {
	if s.sale == nil {
		return s.rpcError(errNotConfigured)
	}
	return s.rpcError(s.sale.Finalize(r.Context(), args.Caller))
}

func (s *Service) WithdrawUnsold(r *http.Request, args *SaleArgs, reply *AmountReply) error {
	if s.sale == nil {
		return s.rpcError(errNotConfigured)
	}
	amount, err := s.sale.WithdrawUnsold(r.Context(), args.Caller)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = amount
	return nil
}

func (s *Service) WithdrawPayments(r *http.Request, args *SaleArgs, reply *AmountReply) error {
	if s.sale == nil {
		return s.rpcError(errNotConfigured)
	}
	amount, err := s.sale.WithdrawPayments(r.Context(), args.Caller)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Amount = amount
	return nil
}

type RoleArgs struct {
	Caller  common.Address `json:"caller"`
	Account common.Address `json:"account"`
	Role    string         `json:"role"`
}

func (s *Service) GrantRole(r *http.Request, args *RoleArgs, _ *Empty) error {
	role, err := ledger.ParseRole(args.Role)
	if err != nil {
		return s.rpcError(err)
	}
	return s.rpcError(s.engine.GrantRole(r.Context(), args.Caller, args.Account, role))
}

func (s *Service) RevokeRole(r *http.Request, args *RoleArgs, _ *Empty) error {
	role, err := ledger.ParseRole(args.Role)
	if err != nil {
		return s.rpcError(err)
	}
	return s.rpcError(s.engine.RevokeRole(r.Context(), args.Caller, args.Account, role))
}

type PriceArgs struct {
	Caller common.Address `json:"caller"`
	Token  common.Address `json:"token"`
	// Price is a decimal quote in the unit currency, e.g. "1.25".
	Price string `json:"price"`
}

// SetPrice pushes an admin price into the static oracle. The override is kept in
// the ledger state so it is restored on restart.
func (s *Service) SetPrice(r *http.Request, args *PriceArgs, reply *AmountReply) error {
	if s.prices == nil {
		return s.rpcError(errNotConfigured)
	}
	rate, err := oracle.ParseRate(args.Price)
	if err != nil || rate.IsZero() {
		return s.rpcError(fmt.Errorf("price %q: %w", args.Price, ledger.ErrInvalidAmount))
	}
	if args.Token == (common.Address{}) {
		return s.rpcError(ledger.ErrZeroAddress)
	}
	err = s.engine.Update(r.Context(), "set_price", args.Caller, func(tx *ledger.Tx) error {
		if err := tx.RequireRole(args.Caller, ledger.RoleAdmin); err != nil {
			return err
		}
		overrides := make(map[common.Address]*uint256.Int)
		if _, err := tx.Load(PricesKey, &overrides); err != nil {
			return err
		}
		overrides[args.Token] = rate
		tx.Emit(model.EventPriceSet, model.PriceData{Token: args.Token.Hex(), Price: rate.Dec()})
		return tx.Store(PricesKey, overrides)
	})
	if err != nil {
		return s.rpcError(err)
	}
	s.prices.SetRate(args.Token, rate)
	reply.Amount = rate
	return nil
}

// RestorePrices replays the stored admin price overrides into p.
func RestorePrices(engine *ledger.Engine, p PriceSetter) (int, error) {
	overrides := make(map[common.Address]*uint256.Int)
	if _, err := engine.Load(PricesKey, &overrides); err != nil {
		return 0, err
	}
	for token, rate := range overrides {
		p.SetRate(token, rate)
	}
	return len(overrides), nil
}

type CrossChainSwapArgs struct {
	Caller      common.Address `json:"caller"`
	DestChainID uint64         `json:"destChainId"`
	TokenIn     common.Address `json:"tokenIn"`
	AmountIn    *uint256.Int   `json:"amountIn"`
	Recipient   common.Address `json:"recipient"`
}

type IntentReply struct {
	Intent common.Hash `json:"intent"`
}

func (s *Service) SwapCrossChain(r *http.Request, args *CrossChainSwapArgs, reply *IntentReply) error {
	if s.adapter == nil {
		return s.rpcError(errNotConfigured)
	}
	id, err := s.adapter.SwapExactInputCrossChain(r.Context(), args.Caller, args.DestChainID, args.TokenIn, args.AmountIn, args.Recipient)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Intent = id
	return nil
}

type CrossChainLoanArgs struct {
	Caller           common.Address `json:"caller"`
	DestChainID      uint64         `json:"destChainId"`
	CollateralToken  common.Address `json:"collateralToken"`
	CollateralAmount *uint256.Int   `json:"collateralAmount"`
	BorrowToken      common.Address `json:"borrowToken"`
	BorrowAmount     *uint256.Int   `json:"borrowAmount"`
}

func (s *Service) RequestLoanCrossChain(r *http.Request, args *CrossChainLoanArgs, reply *IntentReply) error {
	if s.adapter == nil {
		return s.rpcError(errNotConfigured)
	}
	id, err := s.adapter.RequestCrossChainLoan(r.Context(), args.Caller, args.DestChainID,
		args.CollateralToken, args.CollateralAmount, args.BorrowToken, args.BorrowAmount)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Intent = id
	return nil
}

type IntentArgs struct {
	Caller common.Address `json:"caller"`
	Intent common.Hash    `json:"intent"`
}

// ConfirmIntent settles a pending intent by hand. Admin only.
func (s *Service) ConfirmIntent(r *http.Request, args *IntentArgs, _ *Empty) error {
	if s.adapter == nil {
		return s.rpcError(errNotConfigured)
	}
	if err := s.requireAdmin(args.Caller); err != nil {
		return s.rpcError(err)
	}
	return s.rpcError(s.adapter.Confirm(r.Context(), args.Intent))
}

// RefundIntent returns a pending intent's escrow by hand. Admin only.
func (s *Service) RefundIntent(r *http.Request, args *IntentArgs, _ *Empty) error {
	if s.adapter == nil {
		return s.rpcError(errNotConfigured)
	}
	if err := s.requireAdmin(args.Caller); err != nil {
		return s.rpcError(err)
	}
	return s.rpcError(s.adapter.Refund(r.Context(), args.Intent))
}

type IntentStatusReply struct {
	Found  bool               `json:"found"`
	Intent *crosschain.Intent `json:"intent,omitempty"`
}

func (s *Service) Intent(_ *http.Request, args *IntentArgs, reply *IntentStatusReply) error {
	if s.adapter == nil {
		return s.rpcError(errNotConfigured)
	}
	in, ok, err := s.adapter.Intent(args.Intent)
	if err != nil {
		return s.rpcError(err)
	}
	reply.Found = ok
	if ok {
		reply.Intent = &in
	}
	return nil
}

func (s *Service) requireAdmin(caller common.Address) error {
	if !s.engine.HasRole(caller, ledger.RoleAdmin) {
		return fmt.Errorf("%s lacks admin role: %w", caller.Hex(), ledger.ErrUnauthorized)
	}
	return nil
}

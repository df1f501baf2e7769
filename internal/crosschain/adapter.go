package crosschain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/ledger"
	"cofinance/internal/model"
)

// Ledger runs adapter updates as ledger transitions. Message ids, intents and
// the outbound nonce live in the ledger state so they commit with the balances.
type Ledger interface {
	Update(ctx context.Context, op string, actor common.Address, fn func(tx *ledger.Tx) error) error
	Load(key string, v any) (bool, error)
	Message(id common.Hash) (ledger.MessageRecord, bool)
}

// Publisher delivers messages to other chains.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DefaultKey names the intent book inside the ledger state.
const DefaultKey = "crosschain"

// Outcomes recorded against consumed message ids.
const (
	// OutcomeExecuted marks a request that ran; it is acknowledged with a confirm.
	OutcomeExecuted = "executed"
	// OutcomeRejected marks a request that failed for good; it is acknowledged with a refund.
	OutcomeRejected = "rejected"
	// OutcomeSettled marks an acknowledgement that resolved a local intent.
	OutcomeSettled = "settled"
	// OutcomeIgnored marks an acknowledgement for an unknown or already resolved intent.
	OutcomeIgnored = "ignored"
)

// Config describes this chain's adapter.
type Config struct {
	ChainID uint64
	// Address identifies this adapter to remote counterparts.
	Address common.Address
	// Account funds inbound executions and receives confirmed escrow.
	Account common.Address
	// Escrow holds funds of pending outbound intents.
	Escrow common.Address
	// SwapPool is the pool inbound swaps execute against.
	SwapPool common.Hash
	// Trusted maps a source chain id to its counterpart adapter address.
	Trusted   map[uint64]common.Address
	IntentTTL time.Duration
	// Key names the intent book in the ledger state. Empty means DefaultKey.
	Key string
}

// IntentStatus is the lifecycle state of an outbound intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentConfirmed IntentStatus = "confirmed"
	IntentRefunded  IntentStatus = "refunded"
)

// Intent is an outbound request whose input funds sit in escrow.
type Intent struct {
	ID          common.Hash    `json:"id"`
	Kind        Kind           `json:"kind"`
	DestChainID uint64         `json:"dest_chain_id"`
	User        common.Address `json:"user"`
	Token       common.Address `json:"token"`
	Amount      *uint256.Int   `json:"amount"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      IntentStatus   `json:"status"`
}

type book struct {
	Nonce   uint64                  `json:"nonce"`
	Intents map[common.Hash]*Intent `json:"intents"`
}

// Adapter executes trusted inbound messages at most once and manages outbound intents.
type Adapter struct {
	cfg     Config
	ledger  Ledger
	pub     Publisher
	logger  *zap.Logger
	now     func() time.Time
	observe func(result string)
}

func NewAdapter(cfg Config, l Ledger, pub Publisher, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Adapter{
		cfg:     cfg,
		ledger:  l,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		observe: func(string) {},
	}
}

// OnResult registers a callback receiving the outcome label of every inbound message.
func (a *Adapter) OnResult(fn func(result string)) {
	if fn != nil {
		a.observe = fn
	}
}

type loader interface {
	Load(key string, v any) (bool, error)
}

func (a *Adapter) book(src loader) (*book, error) {
	b := &book{}
	if _, err := src.Load(a.cfg.Key, b); err != nil {
		return nil, err
	}
	if b.Intents == nil {
		b.Intents = make(map[common.Hash]*Intent)
	}
	return b, nil
}

func (a *Adapter) update(ctx context.Context, op string, actor common.Address, fn func(tx *ledger.Tx, b *book) error) error {
	return a.ledger.Update(ctx, op, actor, func(tx *ledger.Tx) error {
		b, err := a.book(tx)
		if err != nil {
			return err
		}
		if err := fn(tx, b); err != nil {
			return err
		}
		return tx.Store(a.cfg.Key, b)
	})
}

// Handle verifies and executes an inbound message. The message id is consumed in
// the same ledger transition as its effects. A request that fails for any reason
// other than an internal error is consumed as rejected and refunded to the source,
// so redelivery never executes it later.
func (a *Adapter) Handle(ctx context.Context, msg Message) error {
	err := a.handle(ctx, msg)
	if errors.Is(err, ledger.ErrMessageProcessed) {
		err = fmt.Errorf("message %s: %w", msg.MessageID.Hex(), ErrDuplicateMessage)
	}
	result := "executed"
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateMessage):
		result = "duplicate"
	case errors.Is(err, ErrUntrustedSender):
		result = "untrusted"
	default:
		result = "rejected"
	}
	a.observe(result)
	if err != nil {
		a.logger.Info("message not executed",
			zap.String("message_id", msg.MessageID.Hex()),
			zap.Uint64("source_chain_id", msg.SourceChainID),
			zap.String("result", result),
			zap.Error(err),
		)
	}
	return err
}

func (a *Adapter) handle(ctx context.Context, msg Message) error {
	trusted, ok := a.cfg.Trusted[msg.SourceChainID]
	if !ok || trusted != msg.Sender {
		return fmt.Errorf("sender %s on chain %d: %w", msg.Sender.Hex(), msg.SourceChainID, ErrUntrustedSender)
	}
	if msg.DestChainID != 0 && msg.DestChainID != a.cfg.ChainID {
		return fmt.Errorf("destination %d: %w", msg.DestChainID, ErrUnsupportedChain)
	}
	if rec, ok := a.ledger.Message(msg.MessageID); ok {
		// The source may have missed the first reply.
		switch rec.Outcome {
		case OutcomeExecuted:
			a.acknowledge(ctx, msg, KindConfirm)
		case OutcomeRejected:
			a.acknowledge(ctx, msg, KindRefund)
		}
		return fmt.Errorf("message %s was %s: %w", msg.MessageID.Hex(), rec.Outcome, ErrDuplicateMessage)
	}

	payload, err := Decode(msg.Payload)
	if err != nil {
		return err
	}
	switch payload.Kind {
	case KindSwap, KindLoan:
		return a.execute(ctx, msg, payload)
	case KindConfirm, KindRefund:
		return a.settle(ctx, msg, payload)
	default:
		return fmt.Errorf("unknown %s: %w", payload.Kind, ErrMalformedPayload)
	}
}

// final reports whether err should consume the message instead of leaving it
// open for redelivery.
func final(err error) bool {
	return err != nil && !errors.Is(err, ledger.ErrMessageProcessed) && ledger.Category(err) != ledger.CategoryInternal
}

// consume records msg with outcome in a transition of its own.
func (a *Adapter) consume(ctx context.Context, msg Message, outcome string) error {
	return a.ledger.Update(ctx, "xchain_"+outcome, a.cfg.Account, func(tx *ledger.Tx) error {
		return tx.RecordMessage(msg.MessageID, msg.SourceChainID, outcome)
	})
}

func (a *Adapter) execute(ctx context.Context, msg Message, p Payload) error {
	err := a.ledger.Update(ctx, "xchain_"+p.Kind.String(), a.cfg.Account, func(tx *ledger.Tx) error {
		if err := tx.RecordMessage(msg.MessageID, msg.SourceChainID, OutcomeExecuted); err != nil {
			return err
		}
		switch p.Kind {
		case KindSwap:
			_, err := tx.Swap(a.cfg.Account, a.cfg.SwapPool, p.Swap.TokenIn, p.Swap.AmountIn, nil, p.Swap.Recipient)
			return err
		default:
			pool, err := tx.PoolFor(p.Loan.BorrowToken, p.Loan.CollateralToken)
			if err != nil {
				return err
			}
			return tx.BorrowFor(a.cfg.Account, p.Loan.User, pool.ID,
				p.Loan.BorrowToken, p.Loan.BorrowAmount, p.Loan.CollateralToken, p.Loan.CollateralAmount)
		}
	})
	if err == nil {
		a.acknowledge(ctx, msg, KindConfirm)
		a.logger.Debug("message executed",
			zap.String("message_id", msg.MessageID.Hex()),
			zap.String("kind", p.Kind.String()),
		)
		return nil
	}
	if !final(err) {
		return err
	}
	if rerr := a.consume(ctx, msg, OutcomeRejected); rerr != nil {
		return errors.Join(err, rerr)
	}
	a.acknowledge(ctx, msg, KindRefund)
	return err
}

// settle applies a confirm or refund for one of this chain's intents.
func (a *Adapter) settle(ctx context.Context, msg Message, p Payload) error {
	status := IntentConfirmed
	if p.Kind == KindRefund {
		status = IntentRefunded
	}
	var in *Intent
	err := a.update(ctx, "xchain_"+p.Kind.String(), a.cfg.Account, func(tx *ledger.Tx, b *book) error {
		if err := tx.RecordMessage(msg.MessageID, msg.SourceChainID, OutcomeSettled); err != nil {
			return err
		}
		var err error
		in, err = a.resolve(tx, b, p.Intent, status)
		return err
	})
	if err == nil {
		a.logResolved(in)
		return nil
	}
	if !final(err) {
		return err
	}
	if errors.Is(err, ErrIntentResolved) {
		a.logger.Warn("late acknowledgement",
			zap.String("intent", p.Intent.Hex()),
			zap.String("kind", p.Kind.String()),
			zap.Error(err),
		)
	}
	if rerr := a.consume(ctx, msg, OutcomeIgnored); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// acknowledge replies to the source chain. The reply id is derived from the
// request id alone, so repeated replies are recognised as duplicates remotely.
// It is skipped when no publisher is configured.
func (a *Adapter) acknowledge(ctx context.Context, msg Message, kind Kind) {
	if a.pub == nil {
		return
	}
	payload, err := EncodeAck(kind, msg.MessageID)
	if err == nil {
		err = a.pub.Publish(ctx, Message{
			MessageID:     NewMessageID(a.cfg.ChainID, msg.SourceChainID, a.cfg.Address, 0, payload),
			SourceChainID: a.cfg.ChainID,
			DestChainID:   msg.SourceChainID,
			Sender:        a.cfg.Address,
			Payload:       payload,
		})
	}
	if err != nil {
		a.logger.Warn("acknowledge failed", zap.String("message_id", msg.MessageID.Hex()), zap.Error(err))
	}
}

// SwapExactInputCrossChain escrows amountIn of tokenIn and asks destChainID to swap it
// for recipient. The returned id correlates the eventual confirmation or refund.
func (a *Adapter) SwapExactInputCrossChain(ctx context.Context, user common.Address, destChainID uint64, tokenIn common.Address, amountIn *uint256.Int, recipient common.Address) (common.Hash, error) {
	payload, err := EncodeSwap(SwapPayload{User: user, TokenIn: tokenIn, AmountIn: amountIn, Recipient: recipient})
	if err != nil {
		return common.Hash{}, err
	}
	return a.open(ctx, KindSwap, user, destChainID, tokenIn, amountIn, payload)
}

// RequestCrossChainLoan escrows the collateral and asks destChainID to open the loan.
func (a *Adapter) RequestCrossChainLoan(ctx context.Context, user common.Address, destChainID uint64, collateralToken common.Address, collateralAmount *uint256.Int, borrowToken common.Address, borrowAmount *uint256.Int) (common.Hash, error) {
	payload, err := EncodeLoan(LoanPayload{
		User:             user,
		CollateralToken:  collateralToken,
		CollateralAmount: collateralAmount,
		BorrowToken:      borrowToken,
		BorrowAmount:     borrowAmount,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return a.open(ctx, KindLoan, user, destChainID, collateralToken, collateralAmount, payload)
}

func intentData(in *Intent) model.IntentData {
	return model.IntentData{
		Intent:      in.ID.Hex(),
		Kind:        in.Kind.String(),
		DestChainID: in.DestChainID,
		User:        in.User.Hex(),
		Token:       in.Token.Hex(),
		Amount:      in.Amount.Dec(),
		Status:      string(in.Status),
	}
}

// open escrows the funds and records the pending intent in one transition, then
// publishes. A failed publish refunds the intent.
func (a *Adapter) open(ctx context.Context, kind Kind, user common.Address, dest uint64, token common.Address, amount *uint256.Int, payload []byte) (common.Hash, error) {
	if _, ok := a.cfg.Trusted[dest]; !ok || dest == a.cfg.ChainID {
		return common.Hash{}, fmt.Errorf("destination %d: %w", dest, ErrUnsupportedChain)
	}
	if a.pub == nil {
		return common.Hash{}, fmt.Errorf("no relay configured: %w", ErrUnsupportedChain)
	}
	if amount == nil || amount.IsZero() {
		return common.Hash{}, ledger.ErrInvalidAmount
	}

	var msg Message
	err := a.update(ctx, "xchain_open", user, func(tx *ledger.Tx, b *book) error {
		if err := tx.Transfer(user, a.cfg.Escrow, token, amount); err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		b.Nonce++
		id := NewMessageID(a.cfg.ChainID, dest, a.cfg.Address, b.Nonce, payload)
		in := &Intent{
			ID:          id,
			Kind:        kind,
			DestChainID: dest,
			User:        user,
			Token:       token,
			Amount:      new(uint256.Int).Set(amount),
			CreatedAt:   a.now(),
			Status:      IntentPending,
		}
		b.Intents[id] = in
		tx.Emit(model.EventIntentOpened, intentData(in))
		msg = Message{
			MessageID:     id,
			SourceChainID: a.cfg.ChainID,
			DestChainID:   dest,
			Sender:        a.cfg.Address,
			Payload:       payload,
		}
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}

	if err := a.pub.Publish(ctx, msg); err != nil {
		if rerr := a.finish(ctx, "xchain_unpublished", msg.MessageID, IntentRefunded); rerr != nil {
			a.logger.Error("escrow return failed", zap.String("intent", msg.MessageID.Hex()), zap.Error(rerr))
		}
		return common.Hash{}, fmt.Errorf("publish message: %w", err)
	}
	a.logger.Info("intent opened",
		zap.String("intent", msg.MessageID.Hex()),
		zap.String("kind", kind.String()),
		zap.Uint64("dest_chain_id", dest),
		zap.String("amount", amount.Dec()),
	)
	return msg.MessageID, nil
}

// Confirm settles a pending intent, releasing its escrow to the adapter account.
func (a *Adapter) Confirm(ctx context.Context, id common.Hash) error {
	return a.finish(ctx, "intent_confirm", id, IntentConfirmed)
}

// Refund returns a pending intent's escrow to its user.
func (a *Adapter) Refund(ctx context.Context, id common.Hash) error {
	return a.finish(ctx, "intent_refund", id, IntentRefunded)
}

func (a *Adapter) finish(ctx context.Context, op string, id common.Hash, status IntentStatus) error {
	var in *Intent
	err := a.update(ctx, op, a.cfg.Account, func(tx *ledger.Tx, b *book) error {
		var err error
		in, err = a.resolve(tx, b, id, status)
		return err
	})
	if err != nil {
		return err
	}
	a.logResolved(in)
	return nil
}

func (a *Adapter) resolve(tx *ledger.Tx, b *book, id common.Hash, status IntentStatus) (*Intent, error) {
	in, ok := b.Intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id.Hex(), ErrUnknownIntent)
	}
	if in.Status != IntentPending {
		return nil, fmt.Errorf("intent %s is %s: %w", id.Hex(), in.Status, ErrIntentResolved)
	}
	to := a.cfg.Account
	if status == IntentRefunded {
		to = in.User
	}
	if err := tx.Transfer(a.cfg.Escrow, to, in.Token, in.Amount); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	in.Status = status
	tx.Emit(model.EventIntentResolved, intentData(in))
	return in, nil
}

func (a *Adapter) logResolved(in *Intent) {
	a.logger.Info("intent resolved", zap.String("intent", in.ID.Hex()), zap.String("status", string(in.Status)))
}

// ExpireIntents refunds pending intents older than the configured TTL.
func (a *Adapter) ExpireIntents(ctx context.Context, now time.Time) (int, error) {
	if a.cfg.IntentTTL <= 0 {
		return 0, nil
	}
	b, err := a.book(a.ledger)
	if err != nil {
		return 0, err
	}

	var expired []*Intent
	for _, in := range b.Intents {
		if in.Status == IntentPending && now.Sub(in.CreatedAt) >= a.cfg.IntentTTL {
			expired = append(expired, in)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })

	var errs []error
	refunded := 0
	for _, in := range expired {
		err := a.finish(ctx, "intent_expire", in.ID, IntentRefunded)
		switch {
		case err == nil:
			refunded++
		case errors.Is(err, ErrIntentResolved):
			// settled since the book was read
		default:
			errs = append(errs, err)
		}
	}
	return refunded, errors.Join(errs...)
}

// Run expires intents on every tick until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := a.ExpireIntents(ctx, now)
			if err != nil {
				a.logger.Warn("expire intents failed", zap.Error(err))
			}
			if n > 0 {
				a.logger.Info("intents expired", zap.Int("count", n))
			}
		}
	}
}

// Intent returns an outbound intent as last committed.
func (a *Adapter) Intent(id common.Hash) (Intent, bool, error) {
	b, err := a.book(a.ledger)
	if err != nil {
		return Intent{}, false, err
	}
	in, ok := b.Intents[id]
	if !ok {
		return Intent{}, false, nil
	}
	return *in, true, nil
}

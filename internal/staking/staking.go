// Package staking accrues a flat per-token reward rate on staked balances held in
// the ledger's wallets.
package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/ledger"
	"cofinance/internal/model"
)

var ErrNoRewards = errors.New("no rewards")

func init() {
	ledger.RegisterCategory(ErrNoRewards, ledger.CategoryStateConflict)
}

// Ledger runs staking updates as ledger transitions and reads the committed book.
type Ledger interface {
	Update(ctx context.Context, op string, actor common.Address, fn func(tx *ledger.Tx) error) error
	Load(key string, v any) (bool, error)
}

// DefaultKey names the staking book inside the ledger state.
const DefaultKey = "staking"

type Config struct {
	// Key names the book in the ledger state. Empty means DefaultKey.
	Key          string
	StakingToken common.Address
	RewardToken  common.Address
	// Account holds staked tokens and the reward treasury.
	Account common.Address
	// RatePerTokenSecond is the reward per staked token per second, scaled by 1e18.
	RatePerTokenSecond *uint256.Int
}

type stake struct {
	Amount  *uint256.Int `json:"amount"`
	Rewards *uint256.Int `json:"rewards"`
	Updated time.Time    `json:"updated"`
}

type book struct {
	Stakes map[common.Address]*stake `json:"stakes"`
	Total  *uint256.Int              `json:"total"`
}

type Pool struct {
	cfg    Config
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewPool(cfg Config, l Ledger, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RatePerTokenSecond == nil {
		cfg.RatePerTokenSecond = new(uint256.Int)
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Pool{
		cfg:    cfg,
		ledger: l,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type loader interface {
	Load(key string, v any) (bool, error)
}

func (p *Pool) book(src loader) (*book, error) {
	b := &book{}
	if _, err := src.Load(p.cfg.Key, b); err != nil {
		return nil, err
	}
	if b.Stakes == nil {
		b.Stakes = make(map[common.Address]*stake)
	}
	if b.Total == nil {
		b.Total = new(uint256.Int)
	}
	for _, s := range b.Stakes {
		if s.Amount == nil {
			s.Amount = new(uint256.Int)
		}
		if s.Rewards == nil {
			s.Rewards = new(uint256.Int)
		}
	}
	return b, nil
}

// update loads the book inside a ledger transition and stores it back when fn succeeds.
func (p *Pool) update(ctx context.Context, op string, user common.Address, fn func(tx *ledger.Tx, b *book) error) error {
	return p.ledger.Update(ctx, op, user, func(tx *ledger.Tx) error {
		b, err := p.book(tx)
		if err != nil {
			return err
		}
		if err := fn(tx, b); err != nil {
			return err
		}
		return tx.Store(p.cfg.Key, b)
	})
}

// accrue folds rewards earned since the last update into the user's balance.
func (p *Pool) accrue(b *book, user common.Address, now time.Time) (*stake, error) {
	s, ok := b.Stakes[user]
	if !ok {
		s = &stake{Amount: new(uint256.Int), Rewards: new(uint256.Int), Updated: now}
		b.Stakes[user] = s
		return s, nil
	}
	earned, err := p.earned(s, now)
	if err != nil {
		return nil, err
	}
	s.Rewards = earned
	s.Updated = now
	return s, nil
}

func (p *Pool) earned(s *stake, now time.Time) (*uint256.Int, error) {
	elapsed := int64(now.Sub(s.Updated) / time.Second)
	if elapsed <= 0 || s.Amount.IsZero() {
		return new(uint256.Int).Set(s.Rewards), nil
	}
	v := new(big.Int).Mul(s.Amount.ToBig(), big.NewInt(elapsed))
	v.Mul(v, p.cfg.RatePerTokenSecond.ToBig())
	v.Quo(v, wad)
	v.Add(v, s.Rewards.ToBig())
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ledger.ErrMathOverflow
	}
	return out, nil
}

func (p *Pool) stakeData(user, token common.Address, amount *uint256.Int) model.StakeData {
	return model.StakeData{User: user.Hex(), Token: token.Hex(), Amount: amount.Dec()}
}

// Stake moves amount of the staking token from user into the pool.
func (p *Pool) Stake(ctx context.Context, user common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ledger.ErrInvalidAmount
	}
	err := p.update(ctx, "stake", user, func(tx *ledger.Tx, b *book) error {
		s, err := p.accrue(b, user, p.now())
		if err != nil {
			return err
		}
		if err := tx.Transfer(user, p.cfg.Account, p.cfg.StakingToken, amount); err != nil {
			return fmt.Errorf("stake: %w", err)
		}
		s.Amount = new(uint256.Int).Add(s.Amount, amount)
		b.Total = new(uint256.Int).Add(b.Total, amount)
		tx.Emit(model.EventStaked, p.stakeData(user, p.cfg.StakingToken, amount))
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("staked", zap.String("user", user.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// Withdraw returns amount of staked tokens to user.
func (p *Pool) Withdraw(ctx context.Context, user common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ledger.ErrInvalidAmount
	}
	err := p.update(ctx, "unstake", user, func(tx *ledger.Tx, b *book) error {
		s, err := p.accrue(b, user, p.now())
		if err != nil {
			return err
		}
		if amount.Gt(s.Amount) {
			return fmt.Errorf("withdraw %s of %s staked: %w", amount.Dec(), s.Amount.Dec(), ledger.ErrInvalidAmount)
		}
		if err := tx.Transfer(p.cfg.Account, user, p.cfg.StakingToken, amount); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		s.Amount = new(uint256.Int).Sub(s.Amount, amount)
		b.Total = new(uint256.Int).Sub(b.Total, amount)
		tx.Emit(model.EventUnstaked, p.stakeData(user, p.cfg.StakingToken, amount))
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("withdrawn", zap.String("user", user.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// ClaimRewards pays out everything the user has earned so far.
func (p *Pool) ClaimRewards(ctx context.Context, user common.Address) (*uint256.Int, error) {
	var reward *uint256.Int
	err := p.update(ctx, "claim_rewards", user, func(tx *ledger.Tx, b *book) error {
		s, err := p.accrue(b, user, p.now())
		if err != nil {
			return err
		}
		if s.Rewards.IsZero() {
			return ErrNoRewards
		}
		reward = new(uint256.Int).Set(s.Rewards)
		if err := tx.Transfer(p.cfg.Account, user, p.cfg.RewardToken, reward); err != nil {
			return fmt.Errorf("pay rewards: %w", err)
		}
		s.Rewards = new(uint256.Int)
		tx.Emit(model.EventRewardsClaimed, p.stakeData(user, p.cfg.RewardToken, reward))
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("rewards claimed", zap.String("user", user.Hex()), zap.String("amount", reward.Dec()))
	return reward, nil
}

func (p *Pool) Staked(user common.Address) (*uint256.Int, error) {
	b, err := p.book(p.ledger)
	if err != nil {
		return nil, err
	}
	if s, ok := b.Stakes[user]; ok {
		return new(uint256.Int).Set(s.Amount), nil
	}
	return new(uint256.Int), nil
}

func (p *Pool) TotalStaked() (*uint256.Int, error) {
	b, err := p.book(p.ledger)
	if err != nil {
		return nil, err
	}
	return b.Total, nil
}

// Earned reports the user's claimable rewards at the current time.
func (p *Pool) Earned(user common.Address) (*uint256.Int, error) {
	b, err := p.book(p.ledger)
	if err != nil {
		return nil, err
	}
	s, ok := b.Stakes[user]
	if !ok {
		return new(uint256.Int), nil
	}
	return p.earned(s, p.now())
}

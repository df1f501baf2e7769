package staking

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/ledger"
	"cofinance/internal/model"
	"cofinance/internal/oracle"
	"cofinance/internal/storage"
)

var (
	stk   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	rwd   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	admin = common.HexToAddress("0x1000000000000000000000000000000000000001")
	user1 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	user2 = common.HexToAddress("0x3000000000000000000000000000000000000003")
	vault = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func ether(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := oracle.ParseRate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func staked(t *testing.T, pool *Pool, user common.Address) *uint256.Int {
	t.Helper()
	v, err := pool.Staked(user)
	if err != nil {
		t.Fatalf("staked: %v", err)
	}
	return v
}

func testConfig(t *testing.T) Config {
	return Config{
		StakingToken:       stk,
		RewardToken:        rwd,
		Account:            vault,
		RatePerTokenSecond: ether(t, "0.01"),
	}
}

func setup(t *testing.T) (*ledger.Engine, *Pool, *clock) {
	t.Helper()
	ctx := context.Background()
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle())
	if err := engine.Bootstrap(ctx, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, m := range []struct {
		token, to common.Address
		amount    string
	}{
		{stk, user1, "1000"},
		{stk, user2, "1000"},
		{rwd, vault, "10000"},
	} {
		if err := engine.Mint(ctx, admin, m.token, m.to, ether(t, m.amount)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	pool := NewPool(testConfig(t), engine, nil).WithClock(c.now)
	return engine, pool, c
}

func TestStake(t *testing.T) {
	engine, pool, _ := setup(t)
	ctx := context.Background()
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	total, err := pool.TotalStaked()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !staked(t, pool, user1).Eq(ether(t, "100")) || !total.Eq(ether(t, "100")) {
		t.Fatalf("staked %s total %s", staked(t, pool, user1), total)
	}
	if !engine.Balance(stk, user1).Eq(ether(t, "900")) {
		t.Fatalf("wallet %s", engine.Balance(stk, user1))
	}
	if err := pool.Stake(ctx, user1, new(uint256.Int)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	engine, pool, _ := setup(t)
	ctx := context.Background()
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := pool.Withdraw(ctx, user1, ether(t, "50")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !staked(t, pool, user1).Eq(ether(t, "50")) || !engine.Balance(stk, user1).Eq(ether(t, "950")) {
		t.Fatalf("staked %s wallet %s", staked(t, pool, user1), engine.Balance(stk, user1))
	}
	if err := pool.Withdraw(ctx, user1, ether(t, "51")); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestClaimRewardsAfterOneHour(t *testing.T) {
	engine, pool, c := setup(t)
	ctx := context.Background()
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	c.advance(time.Hour)

	earned, err := pool.Earned(user1)
	if err != nil || !earned.Eq(ether(t, "3600")) {
		t.Fatalf("earned %v err=%v", earned, err)
	}
	reward, err := pool.ClaimRewards(ctx, user1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !reward.Eq(ether(t, "3600")) || !engine.Balance(rwd, user1).Eq(ether(t, "3600")) {
		t.Fatalf("reward %s wallet %s", reward, engine.Balance(rwd, user1))
	}
	if _, err := pool.ClaimRewards(ctx, user1); !errors.Is(err, ErrNoRewards) {
		t.Fatalf("expected no rewards after claim, got %v", err)
	}
}

func TestClaimRewardsWithoutStake(t *testing.T) {
	_, pool, _ := setup(t)
	_, err := pool.ClaimRewards(context.Background(), user2)
	if !errors.Is(err, ErrNoRewards) {
		t.Fatalf("expected no rewards, got %v", err)
	}
	if ledger.Category(err) != ledger.CategoryStateConflict {
		t.Fatalf("category %s", ledger.Category(err))
	}
}

func TestRewardsAccrueAcrossStakeChanges(t *testing.T) {
	_, pool, c := setup(t)
	ctx := context.Background()
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	c.advance(10 * time.Second)
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	c.advance(10 * time.Second)
	// 100 * 10 * 0.01 + 200 * 10 * 0.01
	earned, err := pool.Earned(user1)
	if err != nil || !earned.Eq(ether(t, "30")) {
		t.Fatalf("earned %v err=%v", earned, err)
	}
}

func TestStakesSurviveRestart(t *testing.T) {
	engine, pool, c := setup(t)
	ctx := context.Background()
	if err := pool.Stake(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("stake: %v", err)
	}

	store := storage.NewSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"), true)
	if err := store.Save(engine.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	state := ledger.NewState()
	if ok, err := store.Load(state); err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	restarted := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle(), ledger.WithState(state))
	pool = NewPool(testConfig(t), restarted, nil).WithClock(c.now)
	c.advance(time.Hour)

	if !staked(t, pool, user1).Eq(ether(t, "100")) {
		t.Fatalf("stake lost: %s", staked(t, pool, user1))
	}
	if err := pool.Withdraw(ctx, user1, ether(t, "100")); err != nil {
		t.Fatalf("withdraw after restart: %v", err)
	}
	reward, err := pool.ClaimRewards(ctx, user1)
	if err != nil {
		t.Fatalf("claim after restart: %v", err)
	}
	if !reward.Eq(ether(t, "3600")) {
		t.Fatalf("reward %s", reward)
	}
	if !restarted.Balance(stk, user1).Eq(ether(t, "1000")) {
		t.Fatalf("wallet %s", restarted.Balance(stk, user1))
	}
}

func TestStakeRollsBackOnTransferFailure(t *testing.T) {
	engine, pool, _ := setup(t)
	seq := engine.Seq()
	err := pool.Stake(context.Background(), user1, ether(t, "5000"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if engine.Seq() != seq || !staked(t, pool, user1).IsZero() {
		t.Fatalf("failed stake was recorded")
	}
}

type eventLog struct{ names []string }

func (l *eventLog) PutEvents(_ context.Context, events []model.Event) error {
	for _, ev := range events {
		l.names = append(l.names, ev.EventName)
	}
	return nil
}

func TestStakeEmitsEvents(t *testing.T) {
	log := &eventLog{}
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle(), ledger.WithSink(log))
	ctx := context.Background()
	if err := engine.Bootstrap(ctx, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := engine.Mint(ctx, admin, stk, user1, ether(t, "10")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	pool := NewPool(testConfig(t), engine, nil)
	if err := pool.Stake(ctx, user1, ether(t, "10")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	n := len(log.names)
	if n < 2 || log.names[n-2] != model.EventTransfer || log.names[n-1] != model.EventStaked {
		t.Fatalf("events %v", log.names)
	}
}

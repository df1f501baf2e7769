package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
	"cofinance/internal/oracle"
	"cofinance/internal/storage"
)

var (
	asset0  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	asset1  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	admin   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	keeper  = common.HexToAddress("0x4000000000000000000000000000000000000004")
	funding = "1000"
)

type memorySink struct {
	mu     sync.Mutex
	events []model.Event
	fail   error
}

func (s *memorySink) PutEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) last() model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type memoryCheckpointer struct {
	saved []uint64
	fail  error
}

func (c *memoryCheckpointer) Save(v any) error {
	if c.fail != nil {
		return c.fail
	}
	c.saved = append(c.saved, v.(*State).Seq)
	return nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	prices *oracle.StaticOracle
	sink   *memorySink
	pool   common.Hash
	minted map[common.Address]*uint256.Int
}

// units scales a decimal amount by 1e18.
func units(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := oracle.ParseRate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newFixture(t *testing.T, pricing Pricing) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		prices: oracle.NewStaticOracle(),
		sink:   &memorySink{},
		minted: make(map[common.Address]*uint256.Int),
	}
	f.setPrices("2", "0.5")
	f.engine = NewEngine(DefaultConfig(), f.prices, WithSink(f.sink))

	if err := f.engine.Bootstrap(f.ctx, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := f.engine.GrantRole(f.ctx, admin, keeper, RoleLiquidator); err != nil {
		t.Fatalf("grant liquidator: %v", err)
	}
	for _, acct := range []common.Address{alice, bob, keeper} {
		for _, token := range []common.Address{asset0, asset1} {
			f.mint(token, acct, funding)
		}
	}
	id, err := f.engine.CreatePool(f.ctx, alice, asset0, asset1, 100, pricing)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	f.pool = id
	return f
}

func (f *fixture) setPrices(p0, p1 string) {
	f.t.Helper()
	f.prices.SetPrices(asset0, asset1, units(f.t, p0), units(f.t, p1))
}

func (f *fixture) mint(token, to common.Address, amount string) {
	f.t.Helper()
	v := units(f.t, amount)
	if err := f.engine.Mint(f.ctx, admin, token, to, v); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
	total := f.minted[token]
	if total == nil {
		total = new(uint256.Int)
	}
	f.minted[token] = new(uint256.Int).Add(total, v)
}

func (f *fixture) deposit(who common.Address, a0, a1 string) {
	f.t.Helper()
	if _, err := f.engine.AddLiquidity(f.ctx, who, f.pool, units(f.t, a0), units(f.t, a1), -60, 60); err != nil {
		f.t.Fatalf("add liquidity: %v", err)
	}
}

func (f *fixture) poolState() *Pool {
	f.t.Helper()
	p, err := f.engine.Pool(f.pool)
	if err != nil {
		f.t.Fatalf("pool: %v", err)
	}
	return p
}

func (f *fixture) balance(token, who common.Address) *uint256.Int {
	return f.engine.Balance(token, who)
}

// checkConservation asserts wallets + reserves + custody equal everything minted.
func (f *fixture) checkConservation() {
	f.t.Helper()
	s := f.engine.Snapshot()
	for token, minted := range f.minted {
		total := new(uint256.Int)
		for _, v := range s.Balances[token] {
			total.Add(total, v)
		}
		for _, p := range s.Pools {
			if p.Has(token) {
				total.Add(total, p.Reserve(token))
				total.Add(total, p.Custody(token))
			}
		}
		if !total.Eq(minted) {
			f.t.Fatalf("conservation broken for %s: %s != %s", token.Hex(), total.Dec(), minted.Dec())
		}
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error mismatch: got %v, want %v", err, want)
	}
}

func TestEngineRejectedTransitionLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")
	before := f.engine.Snapshot()
	events := len(f.sink.events)

	_, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "10"), units(t, "20"), bob)
	expectErr(t, err, ErrInsufficientOutput)

	after := f.engine.Snapshot()
	if after.Seq != before.Seq {
		t.Fatalf("seq advanced on rejection: %d != %d", after.Seq, before.Seq)
	}
	if !after.Pools[f.pool].Reserve0.Eq(before.Pools[f.pool].Reserve0) {
		t.Fatalf("reserve changed on rejection")
	}
	if !after.Balance(asset0, bob).Eq(before.Balance(asset0, bob)) {
		t.Fatalf("balance changed on rejection")
	}
	if len(f.sink.events) != events {
		t.Fatalf("events emitted on rejection")
	}
}

func TestEngineSinkFailureAbortsTransition(t *testing.T) {
	f := newFixture(t, PricingPair)
	seq := f.engine.Seq()
	f.sink.fail = errors.New("disk full")

	_, err := f.engine.AddLiquidity(f.ctx, alice, f.pool, units(t, "1"), units(t, "1"), 0, 1)
	if err == nil {
		t.Fatalf("expected sink error")
	}
	if Category(err) != CategoryInternal {
		t.Fatalf("category mismatch: %s", Category(err))
	}
	if f.engine.Seq() != seq {
		t.Fatalf("state committed despite sink failure")
	}
	if shares, _ := f.engine.Shares(f.pool, alice); !shares.IsZero() {
		t.Fatalf("shares minted despite sink failure: %s", shares.Dec())
	}
}

func TestEngineCheckpointFailureAbortsTransition(t *testing.T) {
	f := newFixture(t, PricingPair)
	cp := &memoryCheckpointer{fail: errors.New("read-only filesystem")}
	f.engine.checkpoint = cp
	seq := f.engine.Seq()
	events := len(f.sink.events)

	_, err := f.engine.AddLiquidity(f.ctx, alice, f.pool, units(t, "1"), units(t, "1"), -60, 60)
	if err == nil {
		t.Fatalf("expected checkpoint error")
	}
	if f.engine.Seq() != seq {
		t.Fatalf("state committed despite checkpoint failure")
	}
	if len(f.sink.events) != events {
		t.Fatalf("events logged for an uncheckpointed transition")
	}
	if shares, _ := f.engine.Shares(f.pool, alice); !shares.IsZero() {
		t.Fatalf("shares minted despite checkpoint failure: %s", shares.Dec())
	}

	cp.fail = nil
	f.deposit(alice, "1", "1")
	if len(cp.saved) != 1 || cp.saved[0] != seq+1 {
		t.Fatalf("checkpoint mismatch: %v", cp.saved)
	}
}

func TestEngineSinkFailureRestoresCheckpoint(t *testing.T) {
	f := newFixture(t, PricingPair)
	cp := &memoryCheckpointer{}
	f.engine.checkpoint = cp
	seq := f.engine.Seq()
	f.sink.fail = errors.New("disk full")

	if _, err := f.engine.AddLiquidity(f.ctx, alice, f.pool, units(t, "1"), units(t, "1"), -60, 60); err == nil {
		t.Fatalf("expected sink error")
	}
	// the attempted state is written first, then the committed one again
	if !reflect.DeepEqual(cp.saved, []uint64{seq + 1, seq}) {
		t.Fatalf("checkpoint sequence mismatch: %v", cp.saved)
	}
	if f.engine.Seq() != seq {
		t.Fatalf("state committed despite sink failure")
	}
}

func TestEngineEventsCarrySequence(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "1", "2")

	ev := f.sink.last()
	if ev.EventName != model.EventLiquidityAdded {
		t.Fatalf("event mismatch: %+v", ev)
	}
	if ev.Seq != f.engine.Seq() {
		t.Fatalf("seq mismatch: %d != %d", ev.Seq, f.engine.Seq())
	}
	if ev.Pool != f.pool.Hex() || ev.Actor != alice.Hex() {
		t.Fatalf("metadata mismatch: %+v", ev)
	}
	data, ok := ev.Decoded.(model.LiquidityAddedData)
	if !ok || data.Minted != units(t, "3").Dec() {
		t.Fatalf("payload mismatch: %+v", ev.Decoded)
	}
}

func TestEngineStalePriceRejected(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")

	cfg := DefaultConfig()
	cfg.MaxPriceAge = time.Minute
	f.engine.cfg = cfg
	f.engine.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "1"), nil, bob)
	expectErr(t, err, oracle.ErrStalePrice)
	if Category(err) != CategoryStateConflict {
		t.Fatalf("category mismatch: %s", Category(err))
	}
}

func TestEngineMissingPrice(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")
	f.engine.prices = oracle.NewStaticOracle()

	_, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "1"), nil, bob)
	expectErr(t, err, oracle.ErrPriceUnavailable)
}

func TestEngineWithStateRestores(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "5", "7")

	restored := NewEngine(DefaultConfig(), f.prices, WithState(f.engine.Snapshot()))
	p, err := restored.Pool(f.pool)
	if err != nil {
		t.Fatalf("restored pool: %v", err)
	}
	if !p.Reserve0.Eq(units(t, "5")) || !p.Reserve1.Eq(units(t, "7")) {
		t.Fatalf("reserves mismatch: %s %s", p.Reserve0.Dec(), p.Reserve1.Dec())
	}
	if restored.Seq() != f.engine.Seq() {
		t.Fatalf("seq mismatch: %d != %d", restored.Seq(), f.engine.Seq())
	}
	if !restored.HasRole(keeper, RoleLiquidator) {
		t.Fatalf("roles not restored")
	}
}

func TestEngineRestartFromSnapshotFile(t *testing.T) {
	f := newLendingFixture(t)
	if err := f.engine.Borrow(f.ctx, bob, f.pool, asset0, units(t, "50"), asset1, units(t, "300")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.engine.Borrow(f.ctx, alice, f.pool, asset0, units(t, "10"), asset1, units(t, "60")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Repay(f.ctx, alice, f.pool, asset0, asset1, units(t, "10")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	msgID := common.HexToHash("0x0a")
	err := f.engine.Update(f.ctx, "note", admin, func(tx *Tx) error {
		if err := tx.RecordMessage(msgID, 20, "executed"); err != nil {
			return err
		}
		return tx.Store("notes", map[string]string{"last": "restart"})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	shares, _ := f.engine.Shares(f.pool, alice)
	seq := f.engine.Seq()

	store := storage.NewSnapshotStore(filepath.Join(t.TempDir(), "state", "snapshot.json"), true)
	if err := store.Save(f.engine.Snapshot()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loaded := NewState()
	ok, err := store.Load(loaded)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	f.engine = NewEngine(DefaultConfig(), f.prices, WithState(loaded), WithSink(f.sink))

	if f.engine.Seq() != seq {
		t.Fatalf("seq mismatch: %d != %d", f.engine.Seq(), seq)
	}
	if got, _ := f.engine.Shares(f.pool, alice); !got.Eq(shares) {
		t.Fatalf("shares mismatch: %s != %s", got.Dec(), shares.Dec())
	}
	if ticks := f.poolState().Ticks[alice]; !reflect.DeepEqual(ticks, []TickRange{{Lower: -60, Upper: 60}}) {
		t.Fatalf("ticks mismatch: %+v", ticks)
	}
	if !f.engine.HasRole(admin, RoleAdmin) || !f.engine.HasRole(keeper, RoleLiquidator) {
		t.Fatalf("roles not restored")
	}
	if rec, ok := f.engine.Message(msgID); !ok || rec.SourceChainID != 20 || rec.Outcome != "executed" {
		t.Fatalf("message record mismatch: %+v ok=%v", rec, ok)
	}
	var notes map[string]string
	if ok, err := f.engine.Load("notes", &notes); !ok || err != nil || notes["last"] != "restart" {
		t.Fatalf("module document mismatch: %v ok=%v err=%v", notes, ok, err)
	}
	closed, ok, _ := f.engine.Position(f.pool, alice)
	if !ok || closed.Open() || closed.ReclaimToken != asset1 || !closed.CollateralAmount.Eq(units(t, "60")) {
		t.Fatalf("closed position mismatch: %+v", closed)
	}

	remaining, err := f.engine.Repay(f.ctx, bob, f.pool, asset0, asset1, units(t, "20"))
	if err != nil {
		t.Fatalf("repay after restart: %v", err)
	}
	if !remaining.Eq(units(t, "30")) {
		t.Fatalf("remaining mismatch: %s", remaining.Dec())
	}
	if err := f.engine.WithdrawCollateral(f.ctx, alice, f.pool, asset1, units(t, "60")); err != nil {
		t.Fatalf("reclaim after restart: %v", err)
	}
	if _, ok, _ := f.engine.Position(f.pool, alice); ok {
		t.Fatalf("reclaimed position not removed")
	}

	// 300 * 0.22 = 66 against 30 * 2 * 1.2 = 72
	f.setPrices("2", "0.22")
	seized, err := f.engine.Liquidate(f.ctx, keeper, f.pool, bob, keeper)
	if err != nil {
		t.Fatalf("liquidate after restart: %v", err)
	}
	if seized.IsZero() {
		t.Fatalf("nothing seized")
	}
	if pos, _, _ := f.engine.Position(f.pool, bob); pos.Open() {
		t.Fatalf("position still open: %+v", pos)
	}
	f.checkConservation()
}

func TestEngineUpdateIsAtomic(t *testing.T) {
	f := newFixture(t, PricingPair)
	seq := f.engine.Seq()
	boom := errors.New("boom")

	err := f.engine.Update(f.ctx, "pay", alice, func(tx *Tx) error {
		if err := tx.Transfer(alice, bob, asset0, units(t, "5")); err != nil {
			return err
		}
		if err := tx.Store("book", map[string]int{"paid": 5}); err != nil {
			return err
		}
		return boom
	})
	expectErr(t, err, boom)
	if f.engine.Seq() != seq || !f.balance(asset0, alice).Eq(units(t, funding)) {
		t.Fatalf("failed update leaked state")
	}
	var book map[string]int
	if ok, _ := f.engine.Load("book", &book); ok {
		t.Fatalf("failed update stored a document")
	}

	err = f.engine.Update(f.ctx, "pay", alice, func(tx *Tx) error {
		if err := tx.Transfer(alice, bob, asset0, units(t, "5")); err != nil {
			return err
		}
		tx.Emit(model.EventStaked, model.StakeData{User: alice.Hex(), Amount: "5"})
		return tx.Store("book", map[string]int{"paid": 5})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, err := f.engine.Load("book", &book); !ok || err != nil || book["paid"] != 5 {
		t.Fatalf("document mismatch: %v ok=%v err=%v", book, ok, err)
	}
	if !f.balance(asset0, bob).Eq(units(t, "1005")) {
		t.Fatalf("transfer not committed: %s", f.balance(asset0, bob).Dec())
	}
	if ev := f.sink.last(); ev.EventName != model.EventStaked || ev.Actor != alice.Hex() || ev.Seq != seq+1 {
		t.Fatalf("event mismatch: %+v", ev)
	}
}

func TestRecordMessageOnce(t *testing.T) {
	f := newFixture(t, PricingPair)
	id := common.HexToHash("0x01")
	record := func(tx *Tx) error { return tx.RecordMessage(id, 7, "rejected") }

	if err := f.engine.Update(f.ctx, "record", admin, record); err != nil {
		t.Fatalf("record: %v", err)
	}
	seq := f.engine.Seq()
	err := f.engine.Update(f.ctx, "record", admin, record)
	expectErr(t, err, ErrMessageProcessed)
	if Category(err) != CategoryStateConflict {
		t.Fatalf("category mismatch: %s", Category(err))
	}
	if f.engine.Seq() != seq {
		t.Fatalf("duplicate record committed")
	}
	rec, ok := f.engine.Message(id)
	if !ok || rec.Seq != seq || rec.Outcome != "rejected" {
		t.Fatalf("record mismatch: %+v", rec)
	}
	data, ok := f.sink.last().Decoded.(model.MessageData)
	if !ok || data.MessageID != id.Hex() || data.SourceChainID != 7 {
		t.Fatalf("event mismatch: %+v", f.sink.last())
	}
}

func TestCategory(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, CategoryNone},
		{ErrInvalidTickRange, CategoryValidation},
		{ErrInsufficientOutput, CategorySolvency},
		{ErrExistingBorrow, CategoryStateConflict},
		{ErrNoOpenPosition, CategoryStateConflict},
		{ErrUnauthorized, CategoryAuthorization},
		{ErrMessageProcessed, CategoryStateConflict},
		{errors.New("boom"), CategoryInternal},
	}
	for _, tc := range cases {
		if got := Category(tc.err); got != tc.want {
			t.Fatalf("category mismatch for %v: %s != %s", tc.err, got, tc.want)
		}
	}
}

func TestRegisterCategoryConcurrentWithLookups(t *testing.T) {
	late := errors.New("late sentinel")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = Category(ErrInvalidAmount)
			}
		}()
	}
	RegisterCategory(late, CategoryValidation)
	wg.Wait()
	if got := Category(fmt.Errorf("wrapped: %w", late)); got != CategoryValidation {
		t.Fatalf("category %s", got)
	}
}

package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/rpc/v2/json2"

	"cofinance/internal/crosschain"
	"cofinance/internal/launchpad"
	"cofinance/internal/ledger"
	"cofinance/internal/oracle"
)

var (
	saleToken = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	vault     = common.HexToAddress("0x4000000000000000000000000000000000000004")
	escrow    = common.HexToAddress("0x6000000000000000000000000000000000000006")
	bridge    = common.HexToAddress("0x7000000000000000000000000000000000000007")
)

type env struct {
	engine *ledger.Engine
	prices *oracle.StaticOracle
	srv    *httptest.Server
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{prices: oracle.NewStaticOracle()}
	e.prices.SetPrices(asset0, asset1, amount(t, "2"), amount(t, "0.5"))
	e.engine = ledger.NewEngine(ledger.DefaultConfig(), e.prices)
	if err := e.engine.Bootstrap(ctx, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, token := range []common.Address{asset0, asset1} {
		if err := e.engine.Mint(ctx, admin, token, alice, amount(t, "1000")); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	e.serve(t, opts...)
	return e
}

func (e *env) serve(t *testing.T, opts ...Option) {
	t.Helper()
	handler, err := NewHandler(NewService(e.engine, opts...), ServiceName)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	e.srv = httptest.NewServer(handler)
	t.Cleanup(e.srv.Close)
}

func category(t *testing.T, err error) string {
	t.Helper()
	var rpcErr *json2.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected json2 error, got %T %v", err, err)
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("error data %#v", rpcErr.Data)
	}
	c, _ := data["category"].(string)
	return c
}

func TestServiceSaleLifecycle(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	e := newEnv(t)
	if err := e.engine.Mint(context.Background(), admin, saleToken, vault, amount(t, "100000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	sale, err := launchpad.NewSale(launchpad.Config{
		Owner:        admin,
		SaleToken:    saleToken,
		PaymentToken: asset0,
		Account:      vault,
		Price:        amount(t, "0.01"),
		Supply:       amount(t, "100000"),
		MinPayment:   amount(t, "10"),
		MaxPayment:   amount(t, "1000"),
		Start:        start,
		End:          start.Add(time.Hour),
	}, e.engine, nil)
	if err != nil {
		t.Fatalf("new sale: %v", err)
	}
	e.serve(t, WithSale(sale.WithClock(func() time.Time { return now })))

	var bought AmountReply
	if err := call(t, e.srv, "BuySale", &SaleArgs{Caller: alice, Payment: amount(t, "50")}, &bought); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !bought.Amount.Eq(amount(t, "5000")) {
		t.Fatalf("bought %s", bought.Amount)
	}

	cases := []struct {
		name   string
		caller common.Address
		want   string
	}{
		{"not owner", alice, "authorization"},
		{"window open", admin, "state_conflict"},
	}
	for _, tc := range cases {
		err := call(t, e.srv, "FinalizeSale", &SaleArgs{Caller: tc.caller}, &Empty{})
		if err == nil || category(t, err) != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}

	now = start.Add(2 * time.Hour)
	if err := call(t, e.srv, "FinalizeSale", &SaleArgs{Caller: admin}, &Empty{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	var claimed AmountReply
	if err := call(t, e.srv, "ClaimSale", &SaleArgs{Caller: alice}, &claimed); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.Amount.Eq(amount(t, "5000")) {
		t.Fatalf("claimed %s", claimed.Amount)
	}

	if err := call(t, e.srv, "WithdrawUnsold", &SaleArgs{Caller: alice}, &AmountReply{}); err == nil || category(t, err) != "authorization" {
		t.Fatalf("expected authorization, got %v", err)
	}
	var unsold AmountReply
	if err := call(t, e.srv, "WithdrawUnsold", &SaleArgs{Caller: admin}, &unsold); err != nil {
		t.Fatalf("withdraw unsold: %v", err)
	}
	if !unsold.Amount.Eq(amount(t, "95000")) {
		t.Fatalf("unsold %s", unsold.Amount)
	}
	var paid AmountReply
	if err := call(t, e.srv, "WithdrawPayments", &SaleArgs{Caller: admin}, &paid); err != nil {
		t.Fatalf("withdraw payments: %v", err)
	}
	if !paid.Amount.Eq(amount(t, "50")) || !e.engine.Balance(asset0, admin).Eq(amount(t, "50")) {
		t.Fatalf("payments %s wallet %s", paid.Amount, e.engine.Balance(asset0, admin))
	}
}

func TestServiceRoles(t *testing.T) {
	e := newEnv(t)

	err := call(t, e.srv, "GrantRole", &RoleArgs{Caller: admin, Account: alice, Role: "keeper"}, &Empty{})
	if err == nil || category(t, err) != "validation" {
		t.Fatalf("expected validation, got %v", err)
	}
	err = call(t, e.srv, "GrantRole", &RoleArgs{Caller: alice, Account: alice, Role: "liquidator"}, &Empty{})
	if err == nil || category(t, err) != "authorization" {
		t.Fatalf("expected authorization, got %v", err)
	}

	if err := call(t, e.srv, "GrantRole", &RoleArgs{Caller: admin, Account: alice, Role: "liquidator"}, &Empty{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !e.engine.HasRole(alice, ledger.RoleLiquidator) {
		t.Fatalf("role not granted")
	}
	if err := call(t, e.srv, "RevokeRole", &RoleArgs{Caller: admin, Account: alice, Role: "Liquidator"}, &Empty{}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if e.engine.HasRole(alice, ledger.RoleLiquidator) {
		t.Fatalf("role not revoked")
	}
}

func TestServiceSetPrice(t *testing.T) {
	e := newEnv(t)
	if err := call(t, e.srv, "SetPrice", &PriceArgs{Caller: admin, Token: asset0, Price: "1.5"}, &AmountReply{}); err == nil {
		t.Fatalf("expected failure without a price setter")
	}
	e.serve(t, WithPriceSetter(e.prices))

	err := call(t, e.srv, "SetPrice", &PriceArgs{Caller: alice, Token: asset0, Price: "1.5"}, &AmountReply{})
	if err == nil || category(t, err) != "authorization" {
		t.Fatalf("expected authorization, got %v", err)
	}
	err = call(t, e.srv, "SetPrice", &PriceArgs{Caller: admin, Token: asset0, Price: "cheap"}, &AmountReply{})
	if err == nil || category(t, err) != "validation" {
		t.Fatalf("expected validation, got %v", err)
	}

	seq := e.engine.Seq()
	var set AmountReply
	if err := call(t, e.srv, "SetPrice", &PriceArgs{Caller: admin, Token: asset0, Price: "1.5"}, &set); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if !set.Amount.Eq(amount(t, "1.5")) || e.engine.Seq() != seq+1 {
		t.Fatalf("price %s seq %d", set.Amount, e.engine.Seq())
	}
	q, err := e.prices.Rate(context.Background(), asset0)
	if err != nil || !q.Value.Eq(amount(t, "1.5")) {
		t.Fatalf("oracle rate %v err %v", q.Value, err)
	}

	restored := oracle.NewStaticOracle()
	n, err := RestorePrices(e.engine, restored)
	if err != nil || n != 1 {
		t.Fatalf("restore n=%d err=%v", n, err)
	}
	if q, err := restored.Rate(context.Background(), asset0); err != nil || !q.Value.Eq(amount(t, "1.5")) {
		t.Fatalf("restored rate %v err %v", q.Value, err)
	}
}

type publisher struct {
	mu   sync.Mutex
	sent []crosschain.Message
}

func (p *publisher) Publish(_ context.Context, msg crosschain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func TestServiceIntentOverrides(t *testing.T) {
	e := newEnv(t)
	adapter := crosschain.NewAdapter(crosschain.Config{
		ChainID: 10,
		Address: bridge,
		Account: bridge,
		Escrow:  escrow,
		Trusted: map[uint64]common.Address{20: bridge},
	}, e.engine, &publisher{}, nil)
	e.serve(t, WithAdapter(adapter))

	var opened IntentReply
	err := call(t, e.srv, "SwapCrossChain", &CrossChainSwapArgs{
		Caller:      alice,
		DestChainID: 20,
		TokenIn:     asset0,
		AmountIn:    amount(t, "10"),
		Recipient:   alice,
	}, &opened)
	if err != nil {
		t.Fatalf("swap cross chain: %v", err)
	}

	err = call(t, e.srv, "RefundIntent", &IntentArgs{Caller: alice, Intent: opened.Intent}, &Empty{})
	if err == nil || category(t, err) != "authorization" {
		t.Fatalf("expected authorization, got %v", err)
	}
	if err := call(t, e.srv, "RefundIntent", &IntentArgs{Caller: admin, Intent: opened.Intent}, &Empty{}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !e.engine.Balance(asset0, alice).Eq(amount(t, "1000")) {
		t.Fatalf("alice %s", e.engine.Balance(asset0, alice))
	}
	err = call(t, e.srv, "ConfirmIntent", &IntentArgs{Caller: admin, Intent: opened.Intent}, &Empty{})
	if err == nil || category(t, err) != "state_conflict" {
		t.Fatalf("expected state conflict, got %v", err)
	}

	var status IntentStatusReply
	if err := call(t, e.srv, "Intent", &IntentArgs{Intent: opened.Intent}, &status); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if !status.Found || status.Intent.Status != crosschain.IntentRefunded {
		t.Fatalf("intent %+v", status)
	}
}

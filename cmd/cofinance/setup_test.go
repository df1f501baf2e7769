package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cofinance/internal/config"
	"cofinance/internal/ledger"
	"cofinance/internal/oracle"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	admin  = common.HexToAddress("0x0000000000000000000000000000000000000ad1")
	keeper = common.HexToAddress("0x0000000000000000000000000000000000000ee1")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func testConfig() config.Config {
	return config.Config{
		Admin:       admin.Hex(),
		Liquidators: []string{keeper.Hex()},
		Pools: []config.PoolConfig{
			{Token0: tokenA.Hex(), Token1: tokenB.Hex(), FeeBps: 30, Decimals0: 6},
		},
		Genesis: []config.GenesisBalance{
			{Account: alice.Hex(), Token: tokenA.Hex(), Amount: "12.5"},
			{Account: alice.Hex(), Token: tokenB.Hex(), Amount: "3"},
		},
	}
}

func TestBootstrapLedger(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	decimals, err := tokenDecimals(cfg.Pools)
	if err != nil {
		t.Fatalf("tokenDecimals: %v", err)
	}
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle())

	if err := bootstrapLedger(ctx, engine, cfg, decimals, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !engine.HasRole(admin, ledger.RoleAdmin) {
		t.Fatalf("admin role not granted")
	}
	if !engine.HasRole(keeper, ledger.RoleLiquidator) {
		t.Fatalf("liquidator role not granted")
	}
	if _, err := engine.PoolFor(tokenB, tokenA); err != nil {
		t.Fatalf("pool not created: %v", err)
	}
	if got := engine.Balance(tokenA, alice); got.Uint64() != 12_500_000 {
		t.Fatalf("expected 12.5 at 6 decimals, got %s", got.Dec())
	}
	want, _ := uint256.FromDecimal("3000000000000000000")
	if got := engine.Balance(tokenB, alice); !got.Eq(want) {
		t.Fatalf("expected 3e18, got %s", got.Dec())
	}

	seq := engine.Seq()
	if err := bootstrapLedger(ctx, engine, cfg, decimals, zap.NewNop()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if engine.Seq() != seq {
		t.Fatalf("restart applied transitions: seq %d -> %d", seq, engine.Seq())
	}
	if got := engine.Balance(tokenA, alice); got.Uint64() != 12_500_000 {
		t.Fatalf("genesis minted twice: %s", got.Dec())
	}
}

func TestBootstrapLedgerRequiresAdmin(t *testing.T) {
	cfg := testConfig()
	cfg.Admin = ""
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle())
	if err := bootstrapLedger(context.Background(), engine, cfg, nil, zap.NewNop()); err == nil {
		t.Fatalf("expected error without admin")
	}
}

func TestPrintState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	decimals, _ := tokenDecimals(cfg.Pools)
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle())
	if err := bootstrapLedger(ctx, engine, cfg, decimals, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	pool, err := engine.PoolFor(tokenA, tokenB)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	amountB, _ := uint256.FromDecimal("3000000000000000000")
	if _, err := engine.AddLiquidity(ctx, alice, pool.ID, uint256.NewInt(12_500_000), amountB, -60, 60); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	var out bytes.Buffer
	if err := printState(&out, engine.Snapshot(), decimals); err != nil {
		t.Fatalf("printState: %v", err)
	}
	text := out.String()
	for _, want := range []string{pool.ID.Hex(), "fee 30 bps", "12.5", tokenB.Hex()} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	pools, loans := projectState(engine.Snapshot())
	if len(pools) != 1 || pools[0].ID != pool.ID.Hex() || pools[0].FeeBps != 30 {
		t.Fatalf("unexpected pools %+v", pools)
	}
	if len(loans) != 0 {
		t.Fatalf("expected no loans, got %+v", loans)
	}
}

func TestAdapterConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	engine := ledger.NewEngine(ledger.DefaultConfig(), oracle.NewStaticOracle())
	if err := bootstrapLedger(ctx, engine, cfg, nil, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	remote := common.HexToAddress("0x0000000000000000000000000000000000000f20")
	cfg.ChainID = 10
	cfg.BridgeAccount = "0x0000000000000000000000000000000000000b01"
	cfg.EscrowAccount = "0x0000000000000000000000000000000000000e01"
	cfg.Trusted = map[string]string{"20": remote.Hex()}
	cfg.BridgePool = []string{tokenB.Hex(), tokenA.Hex()}

	got, err := adapterConfig(cfg, engine)
	if err != nil {
		t.Fatalf("adapterConfig: %v", err)
	}
	if got.Trusted[20] != remote {
		t.Fatalf("trusted remote not parsed: %v", got.Trusted)
	}
	if got.SwapPool != ledger.PoolID(tokenA, tokenB) {
		t.Fatalf("unexpected swap pool %s", got.SwapPool.Hex())
	}

	cfg.BridgePool = []string{tokenA.Hex()}
	if _, err := adapterConfig(cfg, engine); err == nil {
		t.Fatalf("expected error for incomplete bridge pool")
	}
}

func TestSaleConfig(t *testing.T) {
	got, err := saleConfig(config.SaleConfig{
		Owner:        admin.Hex(),
		SaleToken:    tokenB.Hex(),
		PaymentToken: tokenA.Hex(),
		Account:      alice.Hex(),
		Price:        "0.01",
		Supply:       "1000",
		MinPayment:   "1",
		MaxPayment:   "100",
		Start:        "1700000000",
		End:          "2023-12-01T00:00:00Z",
	}, map[common.Address]uint8{tokenA: 6})
	if err != nil {
		t.Fatalf("saleConfig: %v", err)
	}
	if got.Price.Uint64() != 10_000_000_000_000_000 {
		t.Fatalf("unexpected price %s", got.Price.Dec())
	}
	if got.MaxPayment.Uint64() != 100_000_000 {
		t.Fatalf("payment should use 6 decimals, got %s", got.MaxPayment.Dec())
	}
	supply, _ := uint256.FromDecimal("1000000000000000000000")
	if !got.Supply.Eq(supply) {
		t.Fatalf("unexpected supply %s", got.Supply.Dec())
	}
	if got.Start.Unix() != 1_700_000_000 || !got.End.After(got.Start) {
		t.Fatalf("unexpected window %s..%s", got.Start, got.End)
	}
}

func TestParseWindow(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"5m", 300, true},
		{"1h", 3600, true},
		{"0s", 0, false},
		{"500ms", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := parseWindow(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("parseWindow(%q) = %d, %v", tc.in, got, err)
		}
	}
}

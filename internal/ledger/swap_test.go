package ledger

import (
	"testing"

	"cofinance/internal/model"
)

func TestSwapAppliesOracleRateAndFee(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")

	out, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "10"), units(t, "19.8"), bob)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !out.Eq(units(t, "19.8")) {
		t.Fatalf("amount out mismatch: %s", out.Dec())
	}
	p := f.poolState()
	if !p.Reserve0.Eq(units(t, "110")) {
		t.Fatalf("reserve in mismatch: %s", p.Reserve0.Dec())
	}
	if !p.Reserve1.Eq(units(t, "80.2")) {
		t.Fatalf("reserve out mismatch: %s", p.Reserve1.Dec())
	}
	if !f.balance(asset1, bob).Eq(units(t, "1019.8")) {
		t.Fatalf("recipient balance mismatch: %s", f.balance(asset1, bob).Dec())
	}

	ev := f.sink.last()
	data, ok := ev.Decoded.(model.SwapData)
	if !ok || ev.EventName != model.EventSwap {
		t.Fatalf("event mismatch: %+v", ev)
	}
	if data.Fee != units(t, "0.2").Dec() || data.Reserve1 != units(t, "80.2").Dec() {
		t.Fatalf("swap payload mismatch: %+v", data)
	}
	f.checkConservation()
}

func TestSwapToOtherRecipient(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")

	out, err := f.engine.Swap(f.ctx, bob, f.pool, asset1, units(t, "10"), nil, keeper)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 10 * 0.5 * 0.99
	if !out.Eq(units(t, "4.95")) {
		t.Fatalf("amount out mismatch: %s", out.Dec())
	}
	if !f.balance(asset0, keeper).Eq(units(t, "1004.95")) {
		t.Fatalf("recipient balance mismatch: %s", f.balance(asset0, keeper).Dec())
	}
	if !f.balance(asset1, bob).Eq(units(t, "990")) {
		t.Fatalf("sender balance mismatch: %s", f.balance(asset1, bob).Dec())
	}
}

func TestSwapCrossPricing(t *testing.T) {
	f := newFixture(t, PricingCross)
	f.deposit(alice, "100", "100")

	out, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "10"), nil, bob)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 10 * 2 / 0.5 * 0.99
	if !out.Eq(units(t, "39.6")) {
		t.Fatalf("amount out mismatch: %s", out.Dec())
	}
}

func TestSwapRejections(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "600", "10")

	cases := []struct {
		name   string
		token  string
		amount string
		min    string
		want   error
	}{
		{"unknown token", "other", "1", "0.1", ErrInvalidToken},
		{"below minimum", "asset0", "1", "2", ErrInsufficientOutput},
		{"reserves short", "asset0", "6", "0.1", ErrInsufficientReserves},
		{"wallet short", "asset1", "1001", "0.1", ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := asset0
			switch tc.token {
			case "asset1":
				token = asset1
			case "other":
				token = keeper
			}
			_, err := f.engine.Swap(f.ctx, bob, f.pool, token, units(t, tc.amount), units(t, tc.min), bob)
			expectErr(t, err, tc.want)
		})
	}
	if _, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, nil, nil, bob); err == nil {
		t.Fatalf("expected invalid amount")
	} else {
		expectErr(t, err, ErrInvalidAmount)
	}
	f.checkConservation()
}

func TestQuoteMatchesSwap(t *testing.T) {
	f := newFixture(t, PricingPair)
	f.deposit(alice, "100", "100")
	seq := f.engine.Seq()

	quoted, fee, err := f.engine.Quote(f.ctx, f.pool, asset0, units(t, "3"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if f.engine.Seq() != seq {
		t.Fatalf("quote committed a transition")
	}
	if !fee.Eq(units(t, "0.06")) {
		t.Fatalf("fee mismatch: %s", fee.Dec())
	}
	out, err := f.engine.Swap(f.ctx, bob, f.pool, asset0, units(t, "3"), quoted, bob)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !out.Eq(quoted) {
		t.Fatalf("quote mismatch: %s != %s", quoted.Dec(), out.Dec())
	}
}

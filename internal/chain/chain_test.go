package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	responses map[string][]byte
	calls     int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	for selector, resp := range f.responses {
		if bytes.HasPrefix(msg.Data, []byte(selector)) {
			return resp, nil
		}
	}
	return nil, errors.New("execution reverted")
}

func TestFetchTokenMeta(t *testing.T) {
	parsed, err := ERC20ABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	decimals, err := parsed.Methods["decimals"].Outputs.Pack(uint8(6))
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	symbol, err := parsed.Methods["symbol"].Outputs.Pack("USDC")
	if err != nil {
		t.Fatalf("pack symbol: %v", err)
	}
	caller := &fakeCaller{responses: map[string][]byte{
		string(parsed.Methods["decimals"].ID): decimals,
		string(parsed.Methods["symbol"].ID):   symbol,
	}}

	token := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	cache := NewTokenMetaCache()
	meta, err := cache.Resolve(context.Background(), caller, token, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.Decimals != 6 || meta.Symbol != "USDC" || meta.Name != "" || meta.Address != token.Hex() {
		t.Fatalf("meta mismatch: %+v", meta)
	}

	calls := caller.calls
	if _, err := cache.Resolve(context.Background(), caller, token, nil); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if caller.calls != calls {
		t.Fatalf("cache miss on second resolve")
	}
}

func TestFetchTokenMetaRequiresDecimals(t *testing.T) {
	caller := &fakeCaller{}
	if _, err := FetchTokenMeta(context.Background(), caller, common.Address{}, nil); err == nil {
		t.Fatalf("expected error when decimals call fails")
	}
}

func TestWithRetry(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts mismatch: %d", attempts)
	}

	attempts = 0
	want := errors.New("permanent")
	err = WithRetry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		attempts++
		return want
	})
	if !errors.Is(err, want) || attempts != 3 {
		t.Fatalf("retry exhaustion mismatch: %v after %d", err, attempts)
	}
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 5, time.Hour, func(context.Context) error {
		return errors.New("temporary")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

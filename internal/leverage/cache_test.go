package leverage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
)

// fakeAdapter drives the cache without network access. Only the leverage
// surface matters here; the rest of the interface panics if touched.
type fakeAdapter struct {
	name         string
	bulk         []exchange.LeverageBracket
	bulkErr      error
	symbols      []string
	perSymbol    map[string]int
	perSymbolErr map[string]error
	calls        int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchLeverageBrackets(ctx context.Context) ([]exchange.LeverageBracket, error) {
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	return f.bulk, nil
}

func (f *fakeAdapter) FetchLeverageBracket(ctx context.Context, symbol string) (exchange.LeverageBracket, error) {
	f.calls++
	if err := f.perSymbolErr[symbol]; err != nil {
		return exchange.LeverageBracket{}, err
	}
	max, ok := f.perSymbol[symbol]
	if !ok {
		return exchange.LeverageBracket{}, errors.New("unknown symbol")
	}
	return exchange.LeverageBracket{Symbol: symbol, MaxLeverage: max}, nil
}

func (f *fakeAdapter) TradableSymbols(ctx context.Context) ([]string, error) {
	return f.symbols, nil
}

func (f *fakeAdapter) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	panic("not used")
}
func (f *fakeAdapter) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	panic("not used")
}
func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	panic("not used")
}
func (f *fakeAdapter) FetchBalance(ctx context.Context, wallet exchange.Wallet) (exchange.Balance, error) {
	panic("not used")
}
func (f *fakeAdapter) SymbolRule(ctx context.Context, symbol string) (exchange.SymbolRule, error) {
	panic("not used")
}
func (f *fakeAdapter) CreateMarketOrder(ctx context.Context, symbol string, side exchange.OrderSide, qty float64, reduceOnly bool) (exchange.Order, error) {
	panic("not used")
}
func (f *fakeAdapter) CreateStopOrder(ctx context.Context, symbol string, side exchange.OrderSide, qty, stopPrice float64, kind exchange.StopKind) (exchange.Order, error) {
	panic("not used")
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	panic("not used")
}
func (f *fakeAdapter) FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error) {
	panic("not used")
}
func (f *fakeAdapter) Transfer(ctx context.Context, asset string, amount float64, from, to exchange.Wallet) error {
	panic("not used")
}
func (f *fakeAdapter) Withdraw(ctx context.Context, asset string, amount float64, address, network string) error {
	panic("not used")
}

func testLeverageConfig() config.LeverageConfig {
	return config.LeverageConfig{
		BatchSize:         50,
		BatchDelay:        config.Duration(time.Millisecond),
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         config.Duration(time.Millisecond),
			MaxDelay:          config.Duration(5 * time.Millisecond),
			BackoffMultiplier: 2,
		},
	}
}

func TestRefreshFullBulk(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		bulk: []exchange.LeverageBracket{
			{Symbol: "BTCUSDT", MaxLeverage: 125},
			{Symbol: "1000PEPEUSDT", MaxLeverage: 50},
			{Symbol: "DEADUSDT", MaxLeverage: 0},
		},
	}
	cache := NewCache(testLeverageConfig())
	n, err := cache.RefreshFull(context.Background(), adapter)
	if err != nil {
		t.Fatalf("RefreshFull: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	if max, ok := cache.MaxLeverage("binance", "BTCUSDT"); !ok || max != 125 {
		t.Errorf("BTCUSDT = %d, %v", max, ok)
	}
	// Multiplier prefix collapses to the canonical coin.
	if max, ok := cache.MaxLeverage("binance", "PEPEUSDT"); !ok || max != 50 {
		t.Errorf("PEPEUSDT = %d, %v", max, ok)
	}
	if native, ok := cache.NativeSymbol("binance", "PEPEUSDT"); !ok || native != "1000PEPEUSDT" {
		t.Errorf("native = %q, %v", native, ok)
	}
	if _, ok := cache.MaxLeverage("binance", "DEADUSDT"); ok {
		t.Error("zero-leverage symbol must not be cached")
	}
}

func TestRefreshFullPerSymbolFallback(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "okx",
		bulkErr: exchange.ErrBulkUnsupported,
		symbols: []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP", "BROKEN-USDT-SWAP"},
		perSymbol: map[string]int{
			"BTC-USDT-SWAP": 100,
			"ETH-USDT-SWAP": 75,
		},
	}
	cache := NewCache(testLeverageConfig())
	n, err := cache.RefreshFull(context.Background(), adapter)
	if err != nil {
		t.Fatalf("RefreshFull: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d (broken symbol should be skipped)", n)
	}
	if max, ok := cache.MaxLeverage("okx", "BTCUSDT"); !ok || max != 100 {
		t.Errorf("BTCUSDT = %d, %v", max, ok)
	}
}

func TestRefreshFullAbortsOnAuth(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "okx",
		bulkErr: exchange.ErrBulkUnsupported,
		symbols: []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"},
		perSymbolErr: map[string]error{
			"BTC-USDT-SWAP": exchange.AuthError("okx", errors.New("bad key")),
		},
	}
	cache := NewCache(testLeverageConfig())
	if _, err := cache.RefreshFull(context.Background(), adapter); !exchange.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	// A single auth failure must stop the walk immediately.
	if adapter.calls != 1 {
		t.Errorf("expected 1 call before abort, got %d", adapter.calls)
	}
}

func TestRefreshFullRetriesTransient(t *testing.T) {
	flaky := &flakyAdapter{
		fakeAdapter: fakeAdapter{
			name:      "okx",
			bulkErr:   exchange.ErrBulkUnsupported,
			symbols:   []string{"BTC-USDT-SWAP"},
			perSymbol: map[string]int{"BTC-USDT-SWAP": 100},
		},
		failFirst: 2,
	}
	cache := NewCache(testLeverageConfig())
	n, err := cache.RefreshFull(context.Background(), flaky)
	if err != nil {
		t.Fatalf("RefreshFull: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry after retries, got %d", n)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
}

type flakyAdapter struct {
	fakeAdapter
	failFirst int
}

func (f *flakyAdapter) FetchLeverageBracket(ctx context.Context, symbol string) (exchange.LeverageBracket, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return exchange.LeverageBracket{}, errors.New("status 503: service unavailable")
	}
	max := f.perSymbol[symbol]
	return exchange.LeverageBracket{Symbol: symbol, MaxLeverage: max}, nil
}

func TestRefreshTargetedMerges(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		bulk: []exchange.LeverageBracket{
			{Symbol: "BTCUSDT", MaxLeverage: 125},
			{Symbol: "ETHUSDT", MaxLeverage: 100},
		},
		perSymbol: map[string]int{"BTCUSDT": 120, "ETHUSDT": 100},
	}
	cache := NewCache(testLeverageConfig())
	if _, err := cache.RefreshFull(context.Background(), adapter); err != nil {
		t.Fatalf("RefreshFull: %v", err)
	}
	updated, err := cache.RefreshTargeted(context.Background(), adapter, []string{"BTCUSDT", "UNKNOWNUSDT"})
	if err != nil {
		t.Fatalf("RefreshTargeted: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 update, got %d", updated)
	}
	if max, _ := cache.MaxLeverage("binance", "BTCUSDT"); max != 120 {
		t.Errorf("BTCUSDT after targeted refresh = %d, want 120", max)
	}
	// ETHUSDT stays from the full refresh.
	if max, _ := cache.MaxLeverage("binance", "ETHUSDT"); max != 100 {
		t.Errorf("ETHUSDT = %d, want 100", max)
	}
}

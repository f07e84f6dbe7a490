package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
)

type placedOrder struct {
	symbol     string
	side       exchange.OrderSide
	qty        float64
	reduceOnly bool
	stop       bool
	kind       exchange.StopKind
}

type fakeVenue struct {
	name        string
	balance     float64
	balanceSeq  []float64
	price       float64
	rule        exchange.SymbolRule
	orders      []placedOrder
	orderErrOn  int
	pnl         float64
	pnlErr      error
	cancelCount int
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) FetchBalance(ctx context.Context, wallet exchange.Wallet) (exchange.Balance, error) {
	if len(f.balanceSeq) > 0 {
		b := f.balanceSeq[0]
		if len(f.balanceSeq) > 1 {
			f.balanceSeq = f.balanceSeq[1:]
		}
		return exchange.Balance{Free: b, Total: b}, nil
	}
	return exchange.Balance{Free: f.balance, Total: f.balance}, nil
}

func (f *fakeVenue) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeVenue) SymbolRule(ctx context.Context, symbol string) (exchange.SymbolRule, error) {
	return f.rule, nil
}

func (f *fakeVenue) CreateMarketOrder(ctx context.Context, symbol string, side exchange.OrderSide, qty float64, reduceOnly bool) (exchange.Order, error) {
	if f.orderErrOn > 0 && len(f.orders)+1 == f.orderErrOn {
		return exchange.Order{}, errors.New("order rejected")
	}
	f.orders = append(f.orders, placedOrder{symbol: symbol, side: side, qty: qty, reduceOnly: reduceOnly})
	return exchange.Order{ID: "ord", AvgPrice: f.price}, nil
}

func (f *fakeVenue) CreateStopOrder(ctx context.Context, symbol string, side exchange.OrderSide, qty, stopPrice float64, kind exchange.StopKind) (exchange.Order, error) {
	f.orders = append(f.orders, placedOrder{symbol: symbol, side: side, qty: qty, stop: true, kind: kind})
	return exchange.Order{ID: "stop"}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelCount++
	return nil
}

func (f *fakeVenue) FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error) {
	return f.pnl, f.pnlErr
}

func (f *fakeVenue) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	return nil, errors.New("not used")
}
func (f *fakeVenue) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, errors.New("not used")
}
func (f *fakeVenue) FetchLeverageBrackets(ctx context.Context) ([]exchange.LeverageBracket, error) {
	return nil, errors.New("not used")
}
func (f *fakeVenue) FetchLeverageBracket(ctx context.Context, symbol string) (exchange.LeverageBracket, error) {
	return exchange.LeverageBracket{}, errors.New("not used")
}
func (f *fakeVenue) TradableSymbols(ctx context.Context) ([]string, error) {
	return nil, errors.New("not used")
}
func (f *fakeVenue) Transfer(ctx context.Context, asset string, amount float64, from, to exchange.Wallet) error {
	return errors.New("not used")
}
func (f *fakeVenue) Withdraw(ctx context.Context, asset string, amount float64, address, network string) error {
	return errors.New("not used")
}

func testExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		StopLossPercent:   50,
		TakeProfitPercent: 80,
		SettleWait:        config.Duration(time.Millisecond),
	}
}

func testOpportunity() models.ArbitrageOpportunity {
	return models.ArbitrageOpportunity{
		Symbol:            "BTCUSDT",
		ShortVenue:        "binance",
		LongVenue:         "bybit",
		ShortNativeSymbol: "BTCUSDT",
		LongNativeSymbol:  "BTCUSDT",
		CommonLeverage:    20,
	}
}

func TestOpenHedgeSizing(t *testing.T) {
	short := &fakeVenue{name: "binance", balance: 500, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001, MinNotional: 100}}
	long := &fakeVenue{name: "bybit", balance: 600, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001, MinNotional: 100}}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	cycle, err := x.OpenHedge(context.Background(), testOpportunity(), 0.5)
	if err != nil {
		t.Fatalf("OpenHedge: %v", err)
	}
	// Half of the smaller leg's 500 free is 250 collateral; at 20x over
	// 50000 that is 0.1.
	if math.Abs(cycle.ShortQty-0.1) > 1e-9 || math.Abs(cycle.LongQty-0.1) > 1e-9 {
		t.Errorf("qty = %v/%v, want 0.1", cycle.ShortQty, cycle.LongQty)
	}
	if cycle.Status != models.CycleOpen {
		t.Errorf("status = %v", cycle.Status)
	}
	if len(short.orders) == 0 || short.orders[0].side != exchange.SideSell {
		t.Fatalf("short leg orders = %+v", short.orders)
	}
	if len(long.orders) == 0 || long.orders[0].side != exchange.SideBuy {
		t.Fatalf("long leg orders = %+v", long.orders)
	}
	// Two protective orders per leg.
	if len(cycle.ShortStopOrderIDs) != 2 || len(cycle.LongStopOrderIDs) != 2 {
		t.Errorf("protective ids = %d/%d, want 2/2", len(cycle.ShortStopOrderIDs), len(cycle.LongStopOrderIDs))
	}
}

func TestOpenHedgeRespectsCapitalFraction(t *testing.T) {
	rule := exchange.SymbolRule{QtyStep: 0.001}
	open := func(fraction float64) (*models.TradeCycle, error) {
		short := &fakeVenue{name: "binance", balance: 1000, price: 50000, rule: rule}
		long := &fakeVenue{name: "bybit", balance: 1000, price: 50000, rule: rule}
		x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})
		return x.OpenHedge(context.Background(), testOpportunity(), fraction)
	}

	full, err := open(1.0)
	if err != nil {
		t.Fatalf("OpenHedge at full fraction: %v", err)
	}
	tenth, err := open(0.1)
	if err != nil {
		t.Fatalf("OpenHedge at tenth fraction: %v", err)
	}
	if math.Abs(full.ShortQty-0.4) > 1e-9 {
		t.Errorf("full-fraction qty = %v, want 0.4", full.ShortQty)
	}
	if math.Abs(tenth.ShortQty-0.04) > 1e-9 {
		t.Errorf("tenth-fraction qty = %v, want 0.04", tenth.ShortQty)
	}
	if math.Abs(full.ShortCollateral-1000) > 1e-9 || math.Abs(tenth.ShortCollateral-100) > 1e-9 {
		t.Errorf("collateral = %v/%v, want 1000/100", full.ShortCollateral, tenth.ShortCollateral)
	}

	for _, bad := range []float64{0, -0.5, 1.5} {
		if _, err := open(bad); err == nil {
			t.Errorf("fraction %v must be rejected", bad)
		}
	}
}

func TestOpenHedgeRejectsBelowMinNotional(t *testing.T) {
	short := &fakeVenue{name: "binance", balance: 1, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001, MinNotional: 100}}
	long := &fakeVenue{name: "bybit", balance: 1, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001, MinNotional: 100}}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	if _, err := x.OpenHedge(context.Background(), testOpportunity(), 0.5); err == nil {
		t.Fatal("expected sizing below the step or notional floor to fail")
	}
	if len(short.orders) != 0 || len(long.orders) != 0 {
		t.Error("no orders may be placed when sizing fails")
	}
}

func TestOpenHedgeUnwindsOnSecondLegFailure(t *testing.T) {
	short := &fakeVenue{name: "binance", balance: 250, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001}}
	long := &fakeVenue{name: "bybit", balance: 250, price: 50000, rule: exchange.SymbolRule{QtyStep: 0.001}, orderErrOn: 1}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	cycle, err := x.OpenHedge(context.Background(), testOpportunity(), 0.5)
	if err == nil || cycle != nil {
		t.Fatalf("expected failure, got cycle=%v err=%v", cycle, err)
	}
	if !strings.Contains(err.Error(), "long leg open") {
		t.Errorf("err = %v", err)
	}
	// Sell to open, then a reduce-only buy to unwind.
	if len(short.orders) != 2 {
		t.Fatalf("short orders = %+v", short.orders)
	}
	unwind := short.orders[1]
	if unwind.side != exchange.SideBuy || !unwind.reduceOnly {
		t.Errorf("unwind order = %+v", unwind)
	}
}

func openCycle() *models.TradeCycle {
	return &models.TradeCycle{
		ID:                "cycle-1",
		Coin:              "BTCUSDT",
		ShortVenue:        "binance",
		LongVenue:         "bybit",
		ShortNativeSymbol: "BTCUSDT",
		LongNativeSymbol:  "BTCUSDT",
		ShortQty:          0.1,
		LongQty:           0.1,
		ShortStopOrderIDs: []string{"s1", "s2"},
		LongStopOrderIDs:  []string{"l1", "l2"},
		Status:            models.CycleOpen,
		OpenTime:          time.Now().Add(-time.Hour),
	}
}

func TestCloseHedgePnlFromFills(t *testing.T) {
	short := &fakeVenue{name: "binance", balance: 250, price: 50000, pnl: 3.5}
	long := &fakeVenue{name: "bybit", balance: 250, price: 50000, pnl: -1.2}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	rec, err := x.CloseHedge(context.Background(), openCycle())
	if err != nil {
		t.Fatalf("CloseHedge: %v", err)
	}
	if rec.PnlSource != "fills" {
		t.Errorf("source = %q", rec.PnlSource)
	}
	if math.Abs(rec.RealizedPnl-2.3) > 1e-9 {
		t.Errorf("pnl = %v, want 2.3", rec.RealizedPnl)
	}
	if rec.Cycle.Status != models.CycleClosed {
		t.Errorf("status = %v", rec.Cycle.Status)
	}
	if short.cancelCount != 2 || long.cancelCount != 2 {
		t.Errorf("cancels = %d/%d", short.cancelCount, long.cancelCount)
	}
	// Both closes are reduce-only.
	if len(short.orders) != 1 || !short.orders[0].reduceOnly || short.orders[0].side != exchange.SideBuy {
		t.Errorf("short close = %+v", short.orders)
	}
	if len(long.orders) != 1 || !long.orders[0].reduceOnly || long.orders[0].side != exchange.SideSell {
		t.Errorf("long close = %+v", long.orders)
	}
}

func TestCloseHedgeBalanceDeltaFallback(t *testing.T) {
	// Balances are read once before the close and once after; the combined
	// book grows by 5.
	short := &fakeVenue{name: "binance", balanceSeq: []float64{250, 253}, price: 50000, pnlErr: errors.New("endpoint disabled")}
	long := &fakeVenue{name: "bybit", balanceSeq: []float64{250, 252}, price: 50000, pnlErr: errors.New("endpoint disabled")}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	rec, err := x.CloseHedge(context.Background(), openCycle())
	if err != nil {
		t.Fatalf("CloseHedge: %v", err)
	}
	if rec.PnlSource != "balance_delta" {
		t.Errorf("source = %q", rec.PnlSource)
	}
	if rec.RealizedPnl != 5 {
		t.Errorf("pnl = %v, want 5", rec.RealizedPnl)
	}
}

func TestCloseHedgeAlwaysReturnsRecord(t *testing.T) {
	short := &fakeVenue{name: "binance", balance: 250, price: 50000, orderErrOn: 1, pnl: 0}
	long := &fakeVenue{name: "bybit", balance: 250, price: 50000, pnl: 0}
	x := New(testExecutorConfig(), "USDT", map[string]exchange.Adapter{"binance": short, "bybit": long})

	rec, err := x.CloseHedge(context.Background(), openCycle())
	if err == nil {
		t.Fatal("expected close error to be reported")
	}
	if rec.Cycle.Status != models.CycleClosed {
		t.Error("record must be produced even when a leg fails to close")
	}
}

package opportunity

import (
	"math"
	"testing"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/models"
)

func testRankerConfig() config.RankerConfig {
	return config.RankerConfig{
		MinFundingDiff:     0.0003,
		MinPnlPercent:      1.0,
		MinMinutesToFund:   2,
		MaxMinutesToFund:   600,
		ImminentWindowMins: 15,
	}
}

func fixedLeverage(table map[string]int) LeverageLookup {
	return func(venue, symbol string) (int, bool) {
		lev, ok := table[venue+"/"+symbol]
		return lev, ok
	}
}

func quote(venue, symbol string, rate float64, next time.Time) models.FundingQuote {
	return models.FundingQuote{
		Venue:           venue,
		Symbol:          symbol,
		NativeSymbol:    symbol,
		FundingRate:     rate,
		NextFundingTime: next.UnixMilli(),
		MarkPrice:       100,
	}
}

func TestRankPnlEstimate(t *testing.T) {
	now := time.Now()
	next := now.Add(30 * time.Minute)
	quotes := []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.0001, next),
		quote("bybit", "BTCUSDT", -0.0002, next),
	}
	lev := fixedLeverage(map[string]int{
		"binance/BTCUSDT": 20,
		"bybit/BTCUSDT":   25,
	})

	// diff 0.0003 at 20x is 0.6% which misses a 1% floor.
	r := NewRanker(testRankerConfig())
	if got := r.Rank(quotes, lev, now); len(got) != 0 {
		t.Fatalf("expected 0.6%% estimate to be filtered, got %+v", got)
	}

	cfg := testRankerConfig()
	cfg.MinPnlPercent = 0.5
	r = NewRanker(cfg)
	got := r.Rank(quotes, lev, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(got))
	}
	opp := got[0]
	if opp.ShortVenue != "binance" || opp.LongVenue != "bybit" {
		t.Errorf("short/long = %s/%s", opp.ShortVenue, opp.LongVenue)
	}
	if opp.CommonLeverage != 20 {
		t.Errorf("common leverage = %d, want 20", opp.CommonLeverage)
	}
	if math.Abs(opp.EstimatedPnlPercent-0.6) > 1e-9 {
		t.Errorf("pnl = %v, want 0.6", opp.EstimatedPnlPercent)
	}
}

func TestRankOrdering(t *testing.T) {
	now := time.Now()
	soon := now.Add(10 * time.Minute)
	later := now.Add(4 * time.Hour)
	quotes := []models.FundingQuote{
		// Settles later but pays more.
		quote("binance", "ETHUSDT", 0.002, later),
		quote("bybit", "ETHUSDT", -0.002, later),
		// Settles sooner and pays less.
		quote("binance", "BTCUSDT", 0.001, soon),
		quote("bybit", "BTCUSDT", -0.001, soon),
		// Same settlement as BTC, pays more.
		quote("binance", "SOLUSDT", 0.0015, soon),
		quote("bybit", "SOLUSDT", -0.0015, soon),
	}
	lev := fixedLeverage(map[string]int{
		"binance/ETHUSDT": 10, "bybit/ETHUSDT": 10,
		"binance/BTCUSDT": 10, "bybit/BTCUSDT": 10,
		"binance/SOLUSDT": 10, "bybit/SOLUSDT": 10,
	})
	got := NewRanker(testRankerConfig()).Rank(quotes, lev, now)
	if len(got) != 3 {
		t.Fatalf("expected 3 opportunities, got %d", len(got))
	}
	// Soonest settlement first; PnL breaks the tie within a settlement.
	if got[0].Symbol != "SOLUSDT" || got[1].Symbol != "BTCUSDT" || got[2].Symbol != "ETHUSDT" {
		t.Errorf("order = %s, %s, %s", got[0].Symbol, got[1].Symbol, got[2].Symbol)
	}
	if !got[0].IsImminent || got[2].IsImminent {
		t.Errorf("imminence flags wrong: %v %v", got[0].IsImminent, got[2].IsImminent)
	}
}

func TestRankRejectsMismatchedFundingTimes(t *testing.T) {
	now := time.Now()
	quotes := []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.002, now.Add(30*time.Minute)),
		quote("bybit", "BTCUSDT", -0.002, now.Add(90*time.Minute)),
	}
	lev := fixedLeverage(map[string]int{
		"binance/BTCUSDT": 10, "bybit/BTCUSDT": 10,
	})
	if got := NewRanker(testRankerConfig()).Rank(quotes, lev, now); len(got) != 0 {
		t.Fatalf("expected mismatched settlements to be excluded, got %+v", got)
	}
}

func TestRankRequiresLeverageBothSides(t *testing.T) {
	now := time.Now()
	next := now.Add(30 * time.Minute)
	quotes := []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.002, next),
		quote("bybit", "BTCUSDT", -0.002, next),
	}
	lev := fixedLeverage(map[string]int{"binance/BTCUSDT": 10})
	if got := NewRanker(testRankerConfig()).Rank(quotes, lev, now); len(got) != 0 {
		t.Fatalf("expected missing leverage to exclude the pair, got %+v", got)
	}
}

func TestRankKeepsDistantSettlements(t *testing.T) {
	// The ranked list is complete; the trade-selection window is applied by
	// the scheduler, not here.
	now := time.Now()
	lev := fixedLeverage(map[string]int{
		"binance/BTCUSDT": 10, "bybit/BTCUSDT": 10,
	})
	r := NewRanker(testRankerConfig())

	far := now.Add(11 * time.Hour)
	quotes := []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.002, far),
		quote("bybit", "BTCUSDT", -0.002, far),
	}
	if got := r.Rank(quotes, lev, now); len(got) != 1 {
		t.Errorf("distant settlement must stay ranked, got %+v", got)
	}

	settled := now.Add(-time.Minute)
	quotes = []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.002, settled),
		quote("bybit", "BTCUSDT", -0.002, settled),
	}
	if got := r.Rank(quotes, lev, now); len(got) != 0 {
		t.Errorf("already-settled event must be excluded, got %+v", got)
	}
}

func TestRankRequiresPositiveDiff(t *testing.T) {
	now := time.Now()
	next := now.Add(30 * time.Minute)
	quotes := []models.FundingQuote{
		quote("binance", "BTCUSDT", 0.0005, next),
		quote("bybit", "BTCUSDT", 0.0005, next),
	}
	lev := fixedLeverage(map[string]int{
		"binance/BTCUSDT": 10, "bybit/BTCUSDT": 10,
	})
	cfg := testRankerConfig()
	cfg.MinFundingDiff = 0
	cfg.MinPnlPercent = 0
	if got := NewRanker(cfg).Rank(quotes, lev, now); len(got) != 0 {
		t.Fatalf("equal rates must not pair even at a zero floor, got %+v", got)
	}
}

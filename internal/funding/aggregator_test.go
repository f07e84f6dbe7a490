package funding

import (
	"math"
	"testing"
	"time"

	"github.com/Tacke300/fund-sub001/internal/exchange"
)

func TestReplaceVenueWholesale(t *testing.T) {
	agg := NewAggregator()
	future := time.Now().Add(time.Hour).UnixMilli()

	n := agg.ReplaceVenue("binance", []exchange.FundingRate{
		{Symbol: "BTCUSDT", Rate: 0.0001, NextFundingTime: future, MarkPrice: 60000},
		{Symbol: "ETHUSDT", Rate: -0.0002, NextFundingTime: future, MarkPrice: 3000},
	})
	if n != 2 {
		t.Fatalf("first replace = %d, want 2", n)
	}

	// A second replace drops symbols absent from the new snapshot.
	n = agg.ReplaceVenue("binance", []exchange.FundingRate{
		{Symbol: "BTCUSDT", Rate: 0.0003, NextFundingTime: future, MarkPrice: 60100},
	})
	if n != 1 {
		t.Fatalf("second replace = %d, want 1", n)
	}
	if _, ok := agg.Quote("binance", "ETHUSDT"); ok {
		t.Error("stale ETHUSDT quote survived a wholesale replace")
	}
	q, ok := agg.Quote("binance", "BTCUSDT")
	if !ok || q.FundingRate != 0.0003 {
		t.Errorf("BTCUSDT = %+v, %v", q, ok)
	}
}

func TestReplaceVenueDropsBadQuotes(t *testing.T) {
	agg := NewAggregator()
	future := time.Now().Add(time.Hour).UnixMilli()
	n := agg.ReplaceVenue("bybit", []exchange.FundingRate{
		{Symbol: "BTCUSDT", Rate: math.NaN(), NextFundingTime: future},
		{Symbol: "ETHUSDT", Rate: 0.0001, NextFundingTime: future},
	})
	if n != 1 {
		t.Fatalf("replace = %d, want 1", n)
	}
}

func TestMissingNextFundingTimeFallsBack(t *testing.T) {
	agg := NewAggregator()
	agg.ReplaceVenue("okx", []exchange.FundingRate{
		{Symbol: "BTC-USDT-SWAP", Rate: 0.0001, NextFundingTime: 0},
	})
	q, ok := agg.Quote("okx", "BTCUSDT")
	if !ok {
		t.Fatal("quote missing")
	}
	next := time.UnixMilli(q.NextFundingTime).UTC()
	if !next.After(time.Now().UTC()) {
		t.Errorf("fallback funding time %v is not in the future", next)
	}
	if next.Hour()%8 != 0 || next.Minute() != 0 || next.Second() != 0 {
		t.Errorf("fallback funding time %v is not an 8h boundary", next)
	}
	if time.Until(next) > 8*time.Hour {
		t.Errorf("fallback funding time %v is more than 8h away", next)
	}
}

func TestApplyMergesSingleQuote(t *testing.T) {
	agg := NewAggregator()
	future := time.Now().Add(time.Hour).UnixMilli()
	agg.ReplaceVenue("binance", []exchange.FundingRate{
		{Symbol: "BTCUSDT", Rate: 0.0001, NextFundingTime: future, MarkPrice: 60000},
		{Symbol: "ETHUSDT", Rate: 0.0002, NextFundingTime: future, MarkPrice: 3000},
	})
	agg.Apply("binance", exchange.FundingRate{
		Symbol: "BTCUSDT", Rate: 0.0005, NextFundingTime: future, MarkPrice: 60500,
	})
	q, _ := agg.Quote("binance", "BTCUSDT")
	if q.FundingRate != 0.0005 || q.MarkPrice != 60500 {
		t.Errorf("applied quote = %+v", q)
	}
	// Other symbols are untouched by a single-quote merge.
	if q, _ := agg.Quote("binance", "ETHUSDT"); q.FundingRate != 0.0002 {
		t.Errorf("ETHUSDT = %+v", q)
	}
}

func TestNextFundingBoundary(t *testing.T) {
	cases := []struct {
		at   string
		want string
	}{
		{"2026-08-31T07:59:00Z", "2026-08-31T08:00:00Z"},
		{"2026-08-31T08:00:00Z", "2026-08-31T16:00:00Z"},
		{"2026-08-31T23:30:00Z", "2026-09-01T00:00:00Z"},
		{"2026-08-31T00:00:01Z", "2026-08-31T08:00:00Z"},
	}
	for _, tc := range cases {
		at, _ := time.Parse(time.RFC3339, tc.at)
		want, _ := time.Parse(time.RFC3339, tc.want)
		if got := nextFundingBoundary(at); !got.Equal(want) {
			t.Errorf("nextFundingBoundary(%s) = %v, want %v", tc.at, got, want)
		}
	}
}

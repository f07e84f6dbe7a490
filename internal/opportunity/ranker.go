package opportunity

import (
	"sort"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/logger"
)

// fundingTimeTolerance allows venues to disagree slightly on the settlement
// timestamp while still counting as the same funding event.
const fundingTimeTolerance = time.Minute

// LeverageLookup resolves the cached maximum leverage for a venue/symbol.
type LeverageLookup func(venue, symbol string) (int, bool)

// Ranker recomputes the cross-venue opportunity list from scratch on every
// call; it holds no state of its own.
type Ranker struct {
	cfg config.RankerConfig
	log *logger.Log
}

func NewRanker(cfg config.RankerConfig) *Ranker {
	return &Ranker{cfg: cfg, log: logger.GetLogger()}
}

// Rank joins funding quotes across venues by canonical symbol and returns
// every pair that clears the configured thresholds, ordered by soonest
// funding first and estimated PnL descending within the same settlement.
func (r *Ranker) Rank(quotes []models.FundingQuote, leverage LeverageLookup, now time.Time) []models.ArbitrageOpportunity {
	bySymbol := make(map[string][]models.FundingQuote)
	for _, q := range quotes {
		bySymbol[q.Symbol] = append(bySymbol[q.Symbol], q)
	}

	var out []models.ArbitrageOpportunity
	for symbol, legs := range bySymbol {
		if len(legs) < 2 {
			continue
		}
		for i := 0; i < len(legs); i++ {
			for j := i + 1; j < len(legs); j++ {
				if opp, ok := r.pair(symbol, legs[i], legs[j], leverage, now); ok {
					out = append(out, opp)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFundingTime != out[j].NextFundingTime {
			return out[i].NextFundingTime < out[j].NextFundingTime
		}
		return out[i].EstimatedPnlPercent > out[j].EstimatedPnlPercent
	})
	return out
}

// pair evaluates one venue pair for a symbol. The short leg is always the
// venue paying the higher funding rate.
func (r *Ranker) pair(symbol string, a, b models.FundingQuote, leverage LeverageLookup, now time.Time) (models.ArbitrageOpportunity, bool) {
	if a.Venue == b.Venue {
		return models.ArbitrageOpportunity{}, false
	}
	short, long := a, b
	if short.FundingRate < long.FundingRate {
		short, long = long, short
	}

	// The short must strictly out-pay the long even when the configured
	// floor is zero.
	diff := short.FundingRate - long.FundingRate
	if diff <= 0 || diff < r.cfg.MinFundingDiff {
		return models.ArbitrageOpportunity{}, false
	}

	// Both legs must settle at the same funding event.
	gap := time.Duration(short.NextFundingTime-long.NextFundingTime) * time.Millisecond
	if gap < 0 {
		gap = -gap
	}
	if gap > fundingTimeTolerance {
		return models.ArbitrageOpportunity{}, false
	}
	next := short.NextFundingTime
	if long.NextFundingTime < next {
		next = long.NextFundingTime
	}

	// Already-settled events are not actionable; beyond that the list stays
	// complete, the trade-selection window is the scheduler's call.
	minutes := time.UnixMilli(next).Sub(now).Minutes()
	if minutes <= 0 {
		return models.ArbitrageOpportunity{}, false
	}

	shortLev, ok := leverage(short.Venue, symbol)
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}
	longLev, ok := leverage(long.Venue, symbol)
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}
	common := shortLev
	if longLev < common {
		common = longLev
	}
	if common <= 0 {
		return models.ArbitrageOpportunity{}, false
	}

	pnl := diff * float64(common) * 100
	if pnl < r.cfg.MinPnlPercent {
		return models.ArbitrageOpportunity{}, false
	}

	return models.ArbitrageOpportunity{
		Symbol:              symbol,
		ShortVenue:          short.Venue,
		LongVenue:           long.Venue,
		ShortNativeSymbol:   short.NativeSymbol,
		LongNativeSymbol:    long.NativeSymbol,
		ShortRate:           short.FundingRate,
		LongRate:            long.FundingRate,
		FundingDiff:         diff,
		CommonLeverage:      common,
		EstimatedPnlPercent: pnl,
		NextFundingTime:     next,
		MinutesUntilFunding: minutes,
		IsImminent:          minutes <= float64(r.cfg.ImminentWindowMins),
	}, true
}

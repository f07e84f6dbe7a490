package funding

import (
	"math"
	"sync"
	"time"

	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/internal/symbols"
	"github.com/Tacke300/fund-sub001/logger"
)

// Aggregator holds the latest funding snapshot per venue, keyed by canonical
// symbol. Each venue refresh replaces that venue's quotes wholesale, so a
// venue that goes quiet keeps serving its last good snapshot instead of
// half-updating.
type Aggregator struct {
	log *logger.Log

	mu          sync.RWMutex
	quotes      map[string]map[string]models.FundingQuote
	lastRefresh map[string]time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		log:         logger.GetLogger(),
		quotes:      make(map[string]map[string]models.FundingQuote),
		lastRefresh: make(map[string]time.Time),
	}
}

// ReplaceVenue installs a fresh snapshot for one venue and returns how many
// quotes survived validation. Quotes with an unusable rate are dropped; a
// missing next funding time falls back to the next 8h UTC boundary.
func (a *Aggregator) ReplaceVenue(venue string, rates []exchange.FundingRate) int {
	now := time.Now()
	fresh := make(map[string]models.FundingQuote, len(rates))
	dropped := 0
	for _, r := range rates {
		if math.IsNaN(r.Rate) || math.IsInf(r.Rate, 0) {
			dropped++
			continue
		}
		next := r.NextFundingTime
		if next <= now.UnixMilli() {
			next = nextFundingBoundary(now).UnixMilli()
		}
		canonical := symbols.Normalize(venue, r.Symbol)
		fresh[canonical] = models.FundingQuote{
			Venue:           venue,
			Symbol:          canonical,
			NativeSymbol:    r.Symbol,
			FundingRate:     r.Rate,
			NextFundingTime: next,
			MarkPrice:       r.MarkPrice,
		}
	}

	a.mu.Lock()
	a.quotes[venue] = fresh
	a.lastRefresh[venue] = now
	a.mu.Unlock()

	entry := a.log.WithComponent("funding-aggregator").WithVenue(venue).WithFields(logger.Fields{
		"quotes":  len(fresh),
		"dropped": dropped,
	})
	if dropped > 0 {
		entry.Warn("funding snapshot replaced with drops")
	} else {
		entry.Debug("funding snapshot replaced")
	}
	return len(fresh)
}

// Apply merges a single quote update into the venue's snapshot, used by the
// mark-price stream. Unknown symbols are inserted as-is.
func (a *Aggregator) Apply(venue string, r exchange.FundingRate) {
	if math.IsNaN(r.Rate) || math.IsInf(r.Rate, 0) {
		return
	}
	now := time.Now()
	next := r.NextFundingTime
	if next <= now.UnixMilli() {
		next = nextFundingBoundary(now).UnixMilli()
	}
	canonical := symbols.Normalize(venue, r.Symbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quotes[venue] == nil {
		a.quotes[venue] = make(map[string]models.FundingQuote)
	}
	a.quotes[venue][canonical] = models.FundingQuote{
		Venue:           venue,
		Symbol:          canonical,
		NativeSymbol:    r.Symbol,
		FundingRate:     r.Rate,
		NextFundingTime: next,
		MarkPrice:       r.MarkPrice,
	}
}

// Snapshot returns a copy of every venue's current quotes.
func (a *Aggregator) Snapshot() []models.FundingQuote {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.FundingQuote, 0, 512)
	for _, bySymbol := range a.quotes {
		for _, q := range bySymbol {
			out = append(out, q)
		}
	}
	return out
}

// Quote returns one venue's quote for a canonical symbol.
func (a *Aggregator) Quote(venue, canonical string) (models.FundingQuote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[venue][canonical]
	return q, ok
}

// Venues lists the venues that currently hold a snapshot.
func (a *Aggregator) Venues() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.quotes))
	for venue := range a.quotes {
		out = append(out, venue)
	}
	return out
}

// LastRefresh reports when a venue last replaced its snapshot.
func (a *Aggregator) LastRefresh(venue string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.lastRefresh[venue]
	return t, ok
}

// Sizes reports per-venue quote counts for the status endpoint.
func (a *Aggregator) Sizes() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int, len(a.quotes))
	for venue, m := range a.quotes {
		out[venue] = len(m)
	}
	return out
}

// nextFundingBoundary returns the next standard funding settlement after t:
// 00:00, 08:00 or 16:00 UTC.
func nextFundingBoundary(t time.Time) time.Time {
	utc := t.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	for _, h := range []int{8, 16, 24} {
		boundary := day.Add(time.Duration(h) * time.Hour)
		if boundary.After(utc) {
			return boundary
		}
	}
	return day.Add(24 * time.Hour)
}

package leverage

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/internal/symbols"
	"github.com/Tacke300/fund-sub001/logger"
)

type entry struct {
	native string
	max    int
}

// Cache holds per-venue maximum leverage keyed by canonical symbol. A full
// refresh replaces a venue's entries wholesale; targeted refreshes merge into
// whatever is already cached. Readers always see the previous snapshot while
// a refresh is in flight.
type Cache struct {
	cfg     config.LeverageConfig
	log     *logger.Log
	limiter *rate.Limiter

	mu          sync.RWMutex
	entries     map[string]map[string]entry
	lastRefresh map[string]time.Time
}

func NewCache(cfg config.LeverageConfig) *Cache {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Cache{
		cfg:         cfg,
		log:         logger.GetLogger(),
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		entries:     make(map[string]map[string]entry),
		lastRefresh: make(map[string]time.Time),
	}
}

// RefreshFull rebuilds one venue's leverage map. Venues with a bulk endpoint
// are refreshed in a single call; the rest are walked symbol by symbol in
// rate-limited batches. Returns how many symbols the venue now covers.
func (c *Cache) RefreshFull(ctx context.Context, adapter exchange.Adapter) (int, error) {
	venue := adapter.Name()
	log := c.log.WithComponent("leverage-cache").WithVenue(venue)
	start := time.Now()

	brackets, err := adapter.FetchLeverageBrackets(ctx)
	if errors.Is(err, exchange.ErrBulkUnsupported) {
		return c.refreshPerSymbol(ctx, adapter)
	}
	if err != nil {
		log.WithError(err).Error("full leverage refresh failed")
		return 0, err
	}

	fresh := make(map[string]entry, len(brackets))
	for _, lb := range brackets {
		if lb.MaxLeverage <= 0 {
			continue
		}
		canonical := symbols.Normalize(venue, lb.Symbol)
		fresh[canonical] = entry{native: lb.Symbol, max: lb.MaxLeverage}
	}

	c.mu.Lock()
	c.entries[venue] = fresh
	c.lastRefresh[venue] = time.Now()
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"symbols":     len(fresh),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("full leverage refresh complete")
	return len(fresh), nil
}

// refreshPerSymbol walks the venue's tradable instruments in batches. A
// symbol that keeps failing after retries is skipped; an auth failure aborts
// the whole venue since every remaining call would fail the same way.
func (c *Cache) refreshPerSymbol(ctx context.Context, adapter exchange.Adapter) (int, error) {
	venue := adapter.Name()
	log := c.log.WithComponent("leverage-cache").WithVenue(venue)
	start := time.Now()

	natives, err := adapter.TradableSymbols(ctx)
	if err != nil {
		log.WithError(err).Error("listing tradable symbols failed")
		return 0, err
	}

	fresh := make(map[string]entry, len(natives))
	skipped := 0
	for i, native := range natives {
		if i > 0 && c.cfg.BatchSize > 0 && i%c.cfg.BatchSize == 0 {
			if err := sleepCtx(ctx, c.cfg.BatchDelay.Std()); err != nil {
				return 0, err
			}
		}
		lb, err := c.fetchWithRetry(ctx, adapter, native)
		if err != nil {
			if exchange.IsAuth(err) || ctx.Err() != nil {
				log.WithError(err).Error("per-symbol leverage refresh aborted")
				return 0, err
			}
			skipped++
			continue
		}
		if lb.MaxLeverage <= 0 {
			continue
		}
		canonical := symbols.Normalize(venue, native)
		fresh[canonical] = entry{native: native, max: lb.MaxLeverage}
	}

	c.mu.Lock()
	c.entries[venue] = fresh
	c.lastRefresh[venue] = time.Now()
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"symbols":     len(fresh),
		"skipped":     skipped,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("per-symbol leverage refresh complete")
	return len(fresh), nil
}

// RefreshTargeted updates only the given canonical symbols on one venue,
// merging results into the existing map. Unknown symbols are ignored; they
// get picked up by the next full refresh.
func (c *Cache) RefreshTargeted(ctx context.Context, adapter exchange.Adapter, canonicals []string) (int, error) {
	venue := adapter.Name()
	log := c.log.WithComponent("leverage-cache").WithVenue(venue)

	updated := 0
	for i, canonical := range canonicals {
		native, ok := c.NativeSymbol(venue, canonical)
		if !ok {
			continue
		}
		if i > 0 && c.cfg.BatchSize > 0 && i%c.cfg.BatchSize == 0 {
			if err := sleepCtx(ctx, c.cfg.BatchDelay.Std()); err != nil {
				return updated, err
			}
		}
		lb, err := c.fetchWithRetry(ctx, adapter, native)
		if err != nil {
			if exchange.IsAuth(err) || ctx.Err() != nil {
				log.WithError(err).Error("targeted leverage refresh aborted")
				return updated, err
			}
			log.WithError(err).WithFields(logger.Fields{"symbol": canonical}).Warn("targeted leverage refresh skipped symbol")
			continue
		}
		if lb.MaxLeverage <= 0 {
			continue
		}
		c.mu.Lock()
		if c.entries[venue] == nil {
			c.entries[venue] = make(map[string]entry)
		}
		c.entries[venue][canonical] = entry{native: native, max: lb.MaxLeverage}
		c.mu.Unlock()
		updated++
	}
	log.WithFields(logger.Fields{"requested": len(canonicals), "updated": updated}).Debug("targeted leverage refresh complete")
	return updated, nil
}

// fetchWithRetry fetches one symbol's bracket under the shared rate limiter,
// retrying transient failures with exponential backoff.
func (c *Cache) fetchWithRetry(ctx context.Context, adapter exchange.Adapter, native string) (exchange.LeverageBracket, error) {
	delay := c.cfg.Retry.BaseDelay.Std()
	maxDelay := c.cfg.Retry.MaxDelay.Std()
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return exchange.LeverageBracket{}, err
		}
		lb, err := adapter.FetchLeverageBracket(ctx, native)
		if err == nil {
			return lb, nil
		}
		if exchange.IsAuth(err) || !exchange.IsTransient(err) || attempt >= c.cfg.Retry.MaxAttempts {
			return exchange.LeverageBracket{}, err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return exchange.LeverageBracket{}, err
		}
		delay *= time.Duration(c.cfg.Retry.BackoffMultiplier)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
}

// MaxLeverage returns the cached bound for a canonical symbol on a venue.
func (c *Cache) MaxLeverage(venue, canonical string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[venue][canonical]
	if !ok {
		return 0, false
	}
	return e.max, true
}

// NativeSymbol maps a canonical symbol back to the venue's native id.
func (c *Cache) NativeSymbol(venue, canonical string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[venue][canonical]
	if !ok {
		return "", false
	}
	return e.native, true
}

// Snapshot returns a copy of every cached entry for the status endpoint.
func (c *Cache) Snapshot() []models.LeverageEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.LeverageEntry, 0, 256)
	for venue, bySymbol := range c.entries {
		for canonical, e := range bySymbol {
			out = append(out, models.LeverageEntry{Venue: venue, Symbol: canonical, MaxLeverage: e.max})
		}
	}
	return out
}

// LastRefresh reports when a venue's map was last rebuilt or merged into.
func (c *Cache) LastRefresh(venue string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastRefresh[venue]
	return t, ok
}

// Sizes reports per-venue entry counts for the status endpoint.
func (c *Cache) Sizes() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.entries))
	for venue, m := range c.entries {
		out[venue] = len(m)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

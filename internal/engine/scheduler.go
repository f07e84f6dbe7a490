package engine

import (
	"context"
	"time"

	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/logger"
)

const venueCallTimeout = 30 * time.Second

// Run starts the scheduler loop and its background workers. It returns
// immediately; Shutdown blocks until everything has drained.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	// Warm the leverage cache and funding snapshots before the first tick
	// decides anything.
	for venue := range e.adapters {
		v := venue
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.lev.RefreshFull(e.ctx, e.adapters[v]); err != nil {
				e.log.WithComponent("engine").WithVenue(v).WithError(err).Warn("initial leverage refresh failed")
			}
		}()
	}

	e.wg.Add(1)
	go e.tickLoop()
	if len(e.slowVenues) > 0 {
		e.wg.Add(1)
		go e.slowVenueLoop()
	}
	if e.streamCh != nil {
		e.wg.Add(1)
		go e.streamLoop()
	}
	e.log.WithComponent("engine").Info("scheduler running")
}

// Shutdown cancels the loop and waits for in-flight phases to finish.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.WithComponent("engine").Info("scheduler stopped")
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(now.UTC())
		}
	}
}

// tick runs once per second. Every action is guarded by a wall-clock aligned
// idempotency key so a slow tick never fires the same action twice and a
// missed second never skips one for good.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	e.lastTick = now
	e.mu.Unlock()

	interval := e.cfg.Scheduler.FundingRefreshInterval.Std()
	if !e.fired("funding", now.Truncate(interval).Format(time.RFC3339)) {
		e.refreshFastFunding()
	}

	if now.Hour() == e.cfg.Scheduler.LeverageFullHourUTC && now.Minute() == 0 &&
		!e.fired("leverage-daily", now.Format("2006-01-02")) {
		e.refreshLeverageFull()
	}

	secondsIntoHour := now.Minute()*60 + now.Second()
	nextBoundary := now.Truncate(time.Hour).Add(time.Hour)
	prevBoundary := now.Truncate(time.Hour)

	preLead := int(e.cfg.Scheduler.PreHourRefreshLead.Std().Seconds())
	if preLead > 0 && secondsIntoHour >= 3600-preLead &&
		!e.fired("leverage-prehour", nextBoundary.Format(time.RFC3339)) {
		e.refreshLeverageFull()
	}

	targeted := e.cfg.Scheduler.LeverageTargetedInterval.Std()
	if !e.fired("leverage-targeted", now.Truncate(targeted).Format(time.RFC3339)) {
		e.refreshLeverageTargeted()
	}

	e.recomputeOpportunities(now)

	if e.State() != models.StateRunning {
		return
	}

	selectMinute := 60 - e.cfg.Scheduler.SelectLeadMinutes
	if now.Minute() == selectMinute {
		if opp, ok := e.pickImminent(now, nextBoundary); ok &&
			!e.fired("select", nextBoundary.Format(time.RFC3339)) {
			e.wg.Add(1)
			go e.runTransferPhase(opp)
		}
	}

	e.mu.RLock()
	selected := e.selected
	cycle := e.openCycle
	e.mu.RUnlock()

	if selected != nil && secondsIntoHour >= 3600-e.cfg.Scheduler.ExecuteLeadSeconds &&
		!e.fired("execute", nextBoundary.Format(time.RFC3339)) {
		opp := *selected
		e.wg.Add(1)
		go e.runExecutePhase(opp)
	}

	if cycle != nil && cycle.OpenTime.Before(prevBoundary) &&
		secondsIntoHour >= e.cfg.Scheduler.CloseLagSeconds &&
		!e.fired("close", prevBoundary.Format(time.RFC3339)) {
		e.wg.Add(1)
		go e.runClosePhase()
	}
}

// fired records the key for an action name and reports whether this key
// already triggered it.
func (e *Engine) fired(name, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firedKeys[name] == key {
		return true
	}
	e.firedKeys[name] = key
	return false
}

// pickImminent returns the best opportunity settling at the given boundary
// and inside the configured minutes-to-funding window.
func (e *Engine) pickImminent(now, boundary time.Time) (models.ArbitrageOpportunity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.openCycle != nil {
		return models.ArbitrageOpportunity{}, false
	}
	for _, opp := range e.opportunities {
		settle := time.UnixMilli(opp.NextFundingTime).UTC()
		gap := settle.Sub(boundary)
		if gap < 0 {
			gap = -gap
		}
		if gap > time.Minute {
			continue
		}
		minutes := settle.Sub(now).Minutes()
		if minutes < float64(e.cfg.Ranker.MinMinutesToFund) || minutes > float64(e.cfg.Ranker.MaxMinutesToFund) {
			continue
		}
		return opp, true
	}
	return models.ArbitrageOpportunity{}, false
}

func (e *Engine) recomputeOpportunities(now time.Time) {
	opps := e.ranker.Rank(e.agg.Snapshot(), e.lev.MaxLeverage, now)
	e.mu.Lock()
	e.opportunities = opps
	e.mu.Unlock()
}

func (e *Engine) refreshFastFunding() {
	for _, venue := range e.fastVenues {
		v := venue
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(e.ctx, venueCallTimeout)
			defer cancel()
			rates, err := e.adapters[v].FetchFundingRates(ctx)
			if err != nil {
				e.log.WithComponent("engine").WithVenue(v).WithError(err).Warn("funding refresh failed")
				return
			}
			e.agg.ReplaceVenue(v, rates)
		}()
	}
}

func (e *Engine) refreshLeverageFull() {
	for venue := range e.adapters {
		v := venue
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.lev.RefreshFull(e.ctx, e.adapters[v]); err != nil {
				e.log.WithComponent("engine").WithVenue(v).WithError(err).Warn("full leverage refresh failed")
			}
		}()
	}
}

// refreshLeverageTargeted re-fetches leverage only for symbols in the current
// top of the opportunity list.
func (e *Engine) refreshLeverageTargeted() {
	e.mu.RLock()
	seen := make(map[string]bool)
	var symbols []string
	for _, opp := range e.opportunities {
		if len(symbols) >= 20 {
			break
		}
		if !seen[opp.Symbol] {
			seen[opp.Symbol] = true
			symbols = append(symbols, opp.Symbol)
		}
	}
	e.mu.RUnlock()
	if len(symbols) == 0 {
		return
	}
	for venue := range e.adapters {
		v := venue
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.lev.RefreshTargeted(e.ctx, e.adapters[v], symbols); err != nil {
				e.log.WithComponent("engine").WithVenue(v).WithError(err).Warn("targeted leverage refresh failed")
			}
		}()
	}
}

// slowVenueLoop refreshes funding for venues without bulk endpoints. It runs
// on a delayed offset from the fast refresh so the per-symbol walk never
// competes with the bulk calls for rate budget.
func (e *Engine) slowVenueLoop() {
	defer e.wg.Done()
	if err := sleepCtx(e.ctx, e.cfg.Scheduler.SlowVenueDelay.Std()); err != nil {
		return
	}
	ticker := time.NewTicker(e.cfg.Scheduler.FundingRefreshInterval.Std())
	defer ticker.Stop()
	for {
		for _, venue := range e.slowVenues {
			e.refreshSlowVenue(venue)
		}
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// refreshSlowVenue walks the slow venue symbol by symbol, limited to symbols
// that exist on at least one fast venue. The native id comes from the
// leverage cache, so nothing happens until that venue's first full refresh.
func (e *Engine) refreshSlowVenue(venue string) {
	adapter := e.adapters[venue]
	log := e.log.WithComponent("engine").WithVenue(venue)

	fast := make(map[string]bool, len(e.fastVenues))
	for _, v := range e.fastVenues {
		fast[v] = true
	}
	universe := make(map[string]bool)
	for _, q := range e.agg.Snapshot() {
		if fast[q.Venue] {
			universe[q.Symbol] = true
		}
	}

	var rates []exchange.FundingRate
	fetched := 0
	for canonical := range universe {
		native, ok := e.lev.NativeSymbol(venue, canonical)
		if !ok {
			continue
		}
		if fetched > 0 && e.cfg.Leverage.BatchSize > 0 && fetched%e.cfg.Leverage.BatchSize == 0 {
			if err := sleepCtx(e.ctx, e.cfg.Leverage.BatchDelay.Std()); err != nil {
				return
			}
		}
		ctx, cancel := context.WithTimeout(e.ctx, venueCallTimeout)
		rate, err := adapter.FetchFundingRate(ctx, native)
		cancel()
		fetched++
		if err != nil {
			if exchange.IsAuth(err) || e.ctx.Err() != nil {
				log.WithError(err).Error("slow venue funding refresh aborted")
				return
			}
			continue
		}
		rates = append(rates, rate)
	}
	if len(rates) > 0 {
		e.agg.ReplaceVenue(venue, rates)
	}
}

func (e *Engine) streamLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case batch, ok := <-e.streamCh:
			if !ok {
				return
			}
			for _, rate := range batch {
				e.agg.Apply("binance", rate)
			}
		}
	}
}

// enterPhase moves RUNNING to the given phase state. It refuses when the
// engine is in any other state, which is how a stop between scheduling and
// execution cancels the phase.
func (e *Engine) enterPhase(phase models.RunState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateRunning {
		return false
	}
	e.state = phase
	return true
}

// exitPhase returns to RUNNING unless something else (a stop) changed the
// state while the phase ran.
func (e *Engine) exitPhase(phase models.RunState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == phase {
		e.state = models.StateRunning
	}
}

func (e *Engine) runTransferPhase(opp models.ArbitrageOpportunity) {
	defer e.wg.Done()
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	if !e.enterPhase(models.StateTransferringFunds) {
		return
	}
	defer e.exitPhase(models.StateTransferringFunds)

	log := e.log.WithComponent("engine").WithFields(logger.Fields{
		"symbol": opp.Symbol,
		"short":  opp.ShortVenue,
		"long":   opp.LongVenue,
	})
	log.Info("collateral transfer phase started")

	e.mu.RLock()
	fraction := e.capitalFraction
	e.mu.RUnlock()

	if err := e.transfer.EnsureCollateral(e.ctx, opp, fraction); err != nil {
		log.WithError(err).Error("collateral transfer failed, selection dropped")
		e.mu.Lock()
		e.selected = nil
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.selected = &opp
	e.mu.Unlock()
	log.Info("collateral in place")
}

func (e *Engine) runExecutePhase(opp models.ArbitrageOpportunity) {
	defer e.wg.Done()
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	if !e.enterPhase(models.StateExecutingTrades) {
		return
	}
	defer e.exitPhase(models.StateExecutingTrades)

	e.mu.RLock()
	fraction := e.capitalFraction
	e.mu.RUnlock()

	cycle, err := e.executor.OpenHedge(e.ctx, opp, fraction)
	e.mu.Lock()
	e.selected = nil
	if cycle != nil {
		e.openCycle = cycle
	}
	e.mu.Unlock()
	if err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"symbol": opp.Symbol,
		}).Error("hedge execution failed")
		return
	}
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"cycle_id": cycle.ID,
		"symbol":   cycle.Coin,
	}).Info("hedge opened")
}

func (e *Engine) runClosePhase() {
	defer e.wg.Done()
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	if !e.enterPhase(models.StateClosingTrades) {
		return
	}
	defer e.exitPhase(models.StateClosingTrades)

	e.mu.RLock()
	cycle := e.openCycle
	e.mu.RUnlock()
	if cycle == nil {
		return
	}

	rec, err := e.executor.CloseHedge(e.ctx, cycle)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"cycle_id": cycle.ID,
		}).Error("hedge close had errors")
	}
	e.ledger.Append(rec)
	e.mu.Lock()
	e.openCycle = nil
	e.mu.Unlock()
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"cycle_id":     cycle.ID,
		"realized_pnl": rec.RealizedPnl,
		"pnl_source":   rec.PnlSource,
	}).Info("hedge closed")
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

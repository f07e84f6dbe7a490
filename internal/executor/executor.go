package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/logger"
)

// Executor opens and closes hedged cycles: a market short on the venue
// paying funding and an equal market long on the venue receiving it.
type Executor struct {
	cfg      config.ExecutorConfig
	asset    string
	adapters map[string]exchange.Adapter
	log      *logger.Log
}

func New(cfg config.ExecutorConfig, quoteAsset string, adapters map[string]exchange.Adapter) *Executor {
	return &Executor{
		cfg:      cfg,
		asset:    quoteAsset,
		adapters: adapters,
		log:      logger.GetLogger(),
	}
}

// OpenHedge sizes both legs off the capital fraction of the smaller leg's
// free collateral, sells the short leg first, buys the long leg, and unwinds
// the short if the long fails. Protective stop orders are best-effort: a
// failure there is logged but the hedge stands.
func (x *Executor) OpenHedge(ctx context.Context, opp models.ArbitrageOpportunity, capitalFraction float64) (*models.TradeCycle, error) {
	if capitalFraction <= 0 || capitalFraction > 1 {
		return nil, fmt.Errorf("capital fraction %v outside (0,1]", capitalFraction)
	}
	short := x.adapters[opp.ShortVenue]
	long := x.adapters[opp.LongVenue]
	if short == nil || long == nil {
		return nil, fmt.Errorf("unknown venue in opportunity %s/%s", opp.ShortVenue, opp.LongVenue)
	}
	log := x.log.WithComponent("executor").WithFields(logger.Fields{
		"symbol": opp.Symbol,
		"short":  opp.ShortVenue,
		"long":   opp.LongVenue,
	})

	shortBal, err := short.FetchBalance(ctx, exchange.WalletTrading)
	if err != nil {
		return nil, fmt.Errorf("short leg balance: %w", err)
	}
	longBal, err := long.FetchBalance(ctx, exchange.WalletTrading)
	if err != nil {
		return nil, fmt.Errorf("long leg balance: %w", err)
	}
	// The fraction caps how much of the deployable balance a cycle may risk,
	// independent of how much the transfer phase left on the legs.
	collateral := math.Min(shortBal.Free, longBal.Free) * capitalFraction
	if collateral <= 0 {
		return nil, fmt.Errorf("no free collateral on the legs")
	}

	shortPrice, err := short.FetchTicker(ctx, opp.ShortNativeSymbol)
	if err != nil {
		return nil, fmt.Errorf("short leg ticker: %w", err)
	}
	longPrice, err := long.FetchTicker(ctx, opp.LongNativeSymbol)
	if err != nil {
		return nil, fmt.Errorf("long leg ticker: %w", err)
	}

	shortRule, err := short.SymbolRule(ctx, opp.ShortNativeSymbol)
	if err != nil {
		return nil, fmt.Errorf("short leg symbol rule: %w", err)
	}
	longRule, err := long.SymbolRule(ctx, opp.LongNativeSymbol)
	if err != nil {
		return nil, fmt.Errorf("long leg symbol rule: %w", err)
	}

	lev := opp.CommonLeverage
	qty := collateral * float64(lev) / math.Max(shortPrice, longPrice)
	qty = floorToStep(qty, shortRule.QtyStep)
	qty = floorToStep(qty, longRule.QtyStep)
	if qty <= 0 {
		return nil, fmt.Errorf("quantity floors to zero at step %v/%v", shortRule.QtyStep, longRule.QtyStep)
	}
	if notional := qty * shortPrice; notional < shortRule.MinNotional {
		return nil, fmt.Errorf("short leg notional %.4f below minimum %.4f", notional, shortRule.MinNotional)
	}
	if notional := qty * longPrice; notional < longRule.MinNotional {
		return nil, fmt.Errorf("long leg notional %.4f below minimum %.4f", notional, longRule.MinNotional)
	}

	shortOrder, err := short.CreateMarketOrder(ctx, opp.ShortNativeSymbol, exchange.SideSell, qty, false)
	if err != nil {
		return nil, fmt.Errorf("short leg open: %w", err)
	}
	longOrder, err := long.CreateMarketOrder(ctx, opp.LongNativeSymbol, exchange.SideBuy, qty, false)
	if err != nil {
		// The short is naked now. Unwind it before reporting failure.
		if _, unwindErr := short.CreateMarketOrder(ctx, opp.ShortNativeSymbol, exchange.SideBuy, qty, true); unwindErr != nil {
			log.WithVenue(opp.ShortVenue).WithError(unwindErr).Error("unwind of naked short failed, position open")
		} else {
			log.Warn("long leg failed, short leg unwound")
		}
		return nil, fmt.Errorf("long leg open: %w", err)
	}

	shortEntry := shortOrder.AvgPrice
	if shortEntry <= 0 {
		shortEntry = shortPrice
	}
	longEntry := longOrder.AvgPrice
	if longEntry <= 0 {
		longEntry = longPrice
	}

	cycle := &models.TradeCycle{
		ID:                uuid.New().String(),
		Coin:              opp.Symbol,
		ShortVenue:        opp.ShortVenue,
		LongVenue:         opp.LongVenue,
		ShortNativeSymbol: opp.ShortNativeSymbol,
		LongNativeSymbol:  opp.LongNativeSymbol,
		ShortOrderID:      shortOrder.ID,
		LongOrderID:       longOrder.ID,
		ShortEntryPrice:   shortEntry,
		LongEntryPrice:    longEntry,
		ShortCollateral:   collateral,
		LongCollateral:    collateral,
		Leverage:          lev,
		ShortQty:          qty,
		LongQty:           qty,
		Status:            models.CycleOpen,
		OpenTime:          time.Now().UTC(),
	}
	x.placeProtectiveOrders(ctx, cycle)

	log.WithFields(logger.Fields{
		"cycle_id": cycle.ID,
		"qty":      qty,
		"leverage": lev,
	}).Info("hedge opened")
	return cycle, nil
}

// placeProtectiveOrders attaches stop-loss and take-profit orders on both
// legs. The percentages are of collateral, so the price distance shrinks
// with leverage.
func (x *Executor) placeProtectiveOrders(ctx context.Context, cycle *models.TradeCycle) {
	slMove := x.cfg.StopLossPercent / float64(cycle.Leverage) / 100
	tpMove := x.cfg.TakeProfitPercent / float64(cycle.Leverage) / 100
	cycle.StopLossPrice = cycle.ShortEntryPrice * (1 + slMove)
	cycle.TakeProfitPrice = cycle.ShortEntryPrice * (1 - tpMove)

	short := x.adapters[cycle.ShortVenue]
	long := x.adapters[cycle.LongVenue]
	log := x.log.WithComponent("executor").WithFields(logger.Fields{"cycle_id": cycle.ID})

	type protective struct {
		adapter exchange.Adapter
		venue   string
		symbol  string
		side    exchange.OrderSide
		price   float64
		kind    exchange.StopKind
		ids     *[]string
	}
	orders := []protective{
		{short, cycle.ShortVenue, cycle.ShortNativeSymbol, exchange.SideBuy, cycle.ShortEntryPrice * (1 + slMove), exchange.StopLoss, &cycle.ShortStopOrderIDs},
		{short, cycle.ShortVenue, cycle.ShortNativeSymbol, exchange.SideBuy, cycle.ShortEntryPrice * (1 - tpMove), exchange.TakeProfit, &cycle.ShortStopOrderIDs},
		{long, cycle.LongVenue, cycle.LongNativeSymbol, exchange.SideSell, cycle.LongEntryPrice * (1 - slMove), exchange.StopLoss, &cycle.LongStopOrderIDs},
		{long, cycle.LongVenue, cycle.LongNativeSymbol, exchange.SideSell, cycle.LongEntryPrice * (1 + tpMove), exchange.TakeProfit, &cycle.LongStopOrderIDs},
	}
	for _, p := range orders {
		qty := cycle.ShortQty
		order, err := p.adapter.CreateStopOrder(ctx, p.symbol, p.side, qty, p.price, p.kind)
		if err != nil {
			log.WithVenue(p.venue).WithError(err).WithFields(logger.Fields{
				"kind": string(p.kind),
			}).Warn("protective order failed")
			continue
		}
		*p.ids = append(*p.ids, order.ID)
	}
}

// CloseHedge cancels protective orders, market-closes both legs and settles
// the realized PnL. It always returns a record; errors along the way are
// joined and reported alongside it.
func (x *Executor) CloseHedge(ctx context.Context, cycle *models.TradeCycle) (models.CycleRecord, error) {
	short := x.adapters[cycle.ShortVenue]
	long := x.adapters[cycle.LongVenue]
	log := x.log.WithComponent("executor").WithFields(logger.Fields{"cycle_id": cycle.ID})
	var errs []error

	for _, id := range cycle.ShortStopOrderIDs {
		if err := short.CancelOrder(ctx, cycle.ShortNativeSymbol, id); err != nil {
			log.WithVenue(cycle.ShortVenue).WithError(err).Warn("protective order cancel failed")
		}
	}
	for _, id := range cycle.LongStopOrderIDs {
		if err := long.CancelOrder(ctx, cycle.LongNativeSymbol, id); err != nil {
			log.WithVenue(cycle.LongVenue).WithError(err).Warn("protective order cancel failed")
		}
	}

	// Baseline for the balance-delta fallback.
	beforeShort, errBS := short.FetchBalance(ctx, exchange.WalletTrading)
	beforeLong, errBL := long.FetchBalance(ctx, exchange.WalletTrading)

	if _, err := short.CreateMarketOrder(ctx, cycle.ShortNativeSymbol, exchange.SideBuy, cycle.ShortQty, true); err != nil {
		errs = append(errs, fmt.Errorf("short leg close: %w", err))
		log.WithVenue(cycle.ShortVenue).WithError(err).Error("short leg close failed")
	}
	if _, err := long.CreateMarketOrder(ctx, cycle.LongNativeSymbol, exchange.SideSell, cycle.LongQty, true); err != nil {
		errs = append(errs, fmt.Errorf("long leg close: %w", err))
		log.WithVenue(cycle.LongVenue).WithError(err).Error("long leg close failed")
	}

	if err := sleepCtx(ctx, x.cfg.SettleWait.Std()); err != nil {
		errs = append(errs, err)
	}

	pnl, source := x.settlePnl(ctx, cycle, beforeShort, beforeLong, errBS == nil && errBL == nil)

	cycle.Status = models.CycleClosed
	rec := models.CycleRecord{
		Cycle:       *cycle,
		RealizedPnl: pnl,
		PnlSource:   source,
		CloseTime:   time.Now().UTC(),
	}
	log.WithFields(logger.Fields{
		"realized_pnl": pnl,
		"pnl_source":   source,
	}).Info("hedge closed")
	return rec, errors.Join(errs...)
}

// settlePnl prefers fill records from both venues; when either side cannot
// produce them it falls back to the trading-balance delta across the close.
func (x *Executor) settlePnl(ctx context.Context, cycle *models.TradeCycle, beforeShort, beforeLong exchange.Balance, baselineOK bool) (float64, string) {
	short := x.adapters[cycle.ShortVenue]
	long := x.adapters[cycle.LongVenue]
	log := x.log.WithComponent("executor").WithFields(logger.Fields{"cycle_id": cycle.ID})

	shortPnl, errS := short.FetchRealizedPnl(ctx, cycle.ShortNativeSymbol, cycle.OpenTime)
	longPnl, errL := long.FetchRealizedPnl(ctx, cycle.LongNativeSymbol, cycle.OpenTime)
	if errS == nil && errL == nil {
		return shortPnl + longPnl, "fills"
	}
	log.WithError(errors.Join(errS, errL)).Warn("fill-record pnl unavailable, using balance delta")

	if !baselineOK {
		return 0, "unknown"
	}
	afterShort, errS := short.FetchBalance(ctx, exchange.WalletTrading)
	afterLong, errL := long.FetchBalance(ctx, exchange.WalletTrading)
	if errS != nil || errL != nil {
		log.WithError(errors.Join(errS, errL)).Error("balance delta unavailable")
		return 0, "unknown"
	}
	delta := (afterShort.Total + afterLong.Total) - (beforeShort.Total + beforeLong.Total)
	return delta, "balance_delta"
}

func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
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

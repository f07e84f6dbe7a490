package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/funding"
	"github.com/Tacke300/fund-sub001/internal/leverage"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/internal/opportunity"
	"github.com/Tacke300/fund-sub001/logger"
)

// Transferer moves collateral between venues ahead of a trade.
type Transferer interface {
	EnsureCollateral(ctx context.Context, opp models.ArbitrageOpportunity, capitalFraction float64) error
	ManualWithdraw(ctx context.Context, fromVenue, toVenue string, amount float64) error
}

// Executor opens and closes hedged cycles. CloseHedge always returns a usable
// record, even when parts of the close failed.
type Executor interface {
	OpenHedge(ctx context.Context, opp models.ArbitrageOpportunity, capitalFraction float64) (*models.TradeCycle, error)
	CloseHedge(ctx context.Context, cycle *models.TradeCycle) (models.CycleRecord, error)
}

// Engine owns the run state and all trading decisions. The scheduler loop in
// scheduler.go is the only writer of the state fields; HTTP handlers interact
// through Start, Stop, TransferFunds and Snapshot.
type Engine struct {
	cfg      *config.Config
	log      *logger.Log
	adapters map[string]exchange.Adapter
	// fastVenues have bulk funding endpoints and refresh inline with the
	// tick; slowVenues are walked per-symbol on the delayed background loop.
	fastVenues []string
	slowVenues []string

	agg      *funding.Aggregator
	lev      *leverage.Cache
	ranker   *opportunity.Ranker
	transfer Transferer
	executor Executor
	ledger   *PnlLedger
	streamCh <-chan []exchange.FundingRate

	// tradeMu serializes the transfer, execute and close phases so no two
	// money-moving operations ever overlap.
	tradeMu sync.Mutex

	mu              sync.RWMutex
	state           models.RunState
	capitalFraction float64
	startBalances   map[string]float64
	selected        *models.ArbitrageOpportunity
	openCycle       *models.TradeCycle
	opportunities   []models.ArbitrageOpportunity
	manualClose     bool
	lastTick        time.Time
	firedKeys       map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, adapters map[string]exchange.Adapter, transfer Transferer, executor Executor, streamCh <-chan []exchange.FundingRate) *Engine {
	fast := make([]string, 0, len(adapters))
	slow := make([]string, 0, 1)
	for name := range adapters {
		if name == "okx" {
			slow = append(slow, name)
		} else {
			fast = append(fast, name)
		}
	}
	return &Engine{
		cfg:        cfg,
		log:        logger.GetLogger(),
		adapters:   adapters,
		fastVenues: fast,
		slowVenues: slow,
		agg:        funding.NewAggregator(),
		lev:        leverage.NewCache(cfg.Leverage),
		ranker:     opportunity.NewRanker(cfg.Ranker),
		transfer:   transfer,
		executor:   executor,
		ledger:     NewPnlLedger(cfg.Engine.HistoryCap),
		streamCh:   streamCh,
		state:      models.StateStopped,
		firedKeys:  make(map[string]string),
	}
}

// Start snapshots trading balances and moves the engine to RUNNING.
func (e *Engine) Start(ctx context.Context, capitalFraction float64) error {
	if capitalFraction <= 0 || capitalFraction > 1 {
		return fmt.Errorf("capital fraction must be in (0, 1], got %v", capitalFraction)
	}

	e.mu.Lock()
	if e.state != models.StateStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine is %s, start requires STOPPED", state)
	}
	e.mu.Unlock()

	balances := make(map[string]float64, len(e.adapters))
	for venue, adapter := range e.adapters {
		bal, err := adapter.FetchBalance(ctx, exchange.WalletTrading)
		if err != nil {
			e.log.WithComponent("engine").WithVenue(venue).WithError(err).Warn("start balance snapshot failed")
			continue
		}
		balances[venue] = bal.Free
	}

	e.mu.Lock()
	e.state = models.StateRunning
	e.capitalFraction = capitalFraction
	e.startBalances = balances
	e.manualClose = false
	e.mu.Unlock()

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"capital_fraction": capitalFraction,
		"balances":         balances,
	}).Info("engine started")
	return nil
}

// Stop moves the engine to STOPPED without touching an open cycle. A cycle
// left open is flagged for manual close in the status output.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.StateStopped {
		return fmt.Errorf("engine is already stopped")
	}
	e.state = models.StateStopped
	e.selected = nil
	if e.openCycle != nil {
		e.manualClose = true
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"cycle_id": e.openCycle.ID,
		}).Warn("stopped with an open cycle, manual close required")
	} else {
		e.log.WithComponent("engine").Info("engine stopped")
	}
	return nil
}

// TransferFunds services the manual transfer endpoint.
func (e *Engine) TransferFunds(ctx context.Context, fromVenue, toVenue string, amount float64) error {
	if _, ok := e.adapters[fromVenue]; !ok {
		return fmt.Errorf("unknown source venue %q", fromVenue)
	}
	if _, ok := e.adapters[toVenue]; !ok {
		return fmt.Errorf("unknown destination venue %q", toVenue)
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	return e.transfer.ManualWithdraw(ctx, fromVenue, toVenue, amount)
}

// Status is the externally visible snapshot served by GET /status.
type Status struct {
	Engine          string                        `json:"engine"`
	Version         string                        `json:"version"`
	RunState        models.RunState               `json:"run_state"`
	CapitalFraction float64                       `json:"capital_fraction"`
	StartBalances   map[string]float64            `json:"start_balances"`
	FundingQuotes   map[string]int                `json:"funding_quotes"`
	LeverageSymbols map[string]int                `json:"leverage_symbols"`
	VenueErrors     map[string]logger.VenueError  `json:"venue_errors,omitempty"`
	BestOpportunity *models.ArbitrageOpportunity  `json:"best_opportunity,omitempty"`
	Opportunities   []models.ArbitrageOpportunity `json:"opportunities,omitempty"`
	OpenCycle       *models.TradeCycle            `json:"open_cycle,omitempty"`
	OpenCycleNote   string                        `json:"open_cycle_note,omitempty"`
	TotalPnl        float64                       `json:"total_pnl"`
	History         []models.CycleRecord          `json:"history"`
	LastTick        time.Time                     `json:"last_tick"`
}

// Snapshot deep-copies everything the status endpoint needs. It never blocks
// on network calls.
func (e *Engine) Snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Engine:          e.cfg.Engine.Name,
		Version:         e.cfg.Engine.Version,
		RunState:        e.state,
		CapitalFraction: e.capitalFraction,
		FundingQuotes:   e.agg.Sizes(),
		LeverageSymbols: e.lev.Sizes(),
		VenueErrors:     logger.VenueErrors(),
		TotalPnl:        e.ledger.Total(),
		History:         e.ledger.History(),
		LastTick:        e.lastTick,
	}
	st.StartBalances = make(map[string]float64, len(e.startBalances))
	for venue, bal := range e.startBalances {
		st.StartBalances[venue] = bal
	}
	if len(e.opportunities) > 0 {
		top := e.opportunities
		if len(top) > 10 {
			top = top[:10]
		}
		st.Opportunities = make([]models.ArbitrageOpportunity, len(top))
		copy(st.Opportunities, top)
		best := st.Opportunities[0]
		st.BestOpportunity = &best
	}
	if e.openCycle != nil {
		cycle := *e.openCycle
		st.OpenCycle = &cycle
		if e.manualClose {
			st.OpenCycleNote = "requires manual close"
		}
	}
	return st
}

// State returns the current run state.
func (e *Engine) State() models.RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

package models

import "time"

// RunState is the single control-loop state. Only the scheduler writes it.
type RunState int

const (
	StateStopped RunState = iota
	StateRunning
	StateTransferringFunds
	StateExecutingTrades
	StateClosingTrades
)

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateTransferringFunds:
		return "TRANSFERRING_FUNDS"
	case StateExecutingTrades:
		return "EXECUTING_TRADES"
	case StateClosingTrades:
		return "CLOSING_TRADES"
	default:
		return "UNKNOWN"
	}
}

func (s RunState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// FundingQuote is one venue's funding snapshot for a canonical symbol.
// The aggregator replaces a venue's quotes wholesale on each refresh; quotes
// are read-only everywhere else.
type FundingQuote struct {
	Venue           string  `json:"venue"`
	Symbol          string  `json:"symbol"`
	NativeSymbol    string  `json:"native_symbol"`
	FundingRate     float64 `json:"funding_rate"`
	NextFundingTime int64   `json:"next_funding_time"`
	MarkPrice       float64 `json:"mark_price"`
}

// LeverageEntry is one venue's maximum usable leverage for a canonical symbol.
type LeverageEntry struct {
	Venue       string `json:"venue"`
	Symbol      string `json:"symbol"`
	MaxLeverage int    `json:"max_leverage"`
}

// ArbitrageOpportunity is a ranked cross-venue funding differential. It is
// recomputed wholesale every cycle and never partially mutated.
type ArbitrageOpportunity struct {
	Symbol              string  `json:"symbol"`
	ShortVenue          string  `json:"short_venue"`
	LongVenue           string  `json:"long_venue"`
	ShortNativeSymbol   string  `json:"short_native_symbol"`
	LongNativeSymbol    string  `json:"long_native_symbol"`
	ShortRate           float64 `json:"short_rate"`
	LongRate            float64 `json:"long_rate"`
	FundingDiff         float64 `json:"funding_diff"`
	CommonLeverage      int     `json:"common_leverage"`
	EstimatedPnlPercent float64 `json:"estimated_pnl_percent"`
	NextFundingTime     int64   `json:"next_funding_time"`
	MinutesUntilFunding float64 `json:"minutes_until_funding"`
	IsImminent          bool    `json:"is_imminent"`
}

// CycleStatus is the lifecycle state of a TradeCycle.
type CycleStatus string

const (
	CycleOpen   CycleStatus = "OPEN"
	CycleClosed CycleStatus = "CLOSED"
)

// TradeCycle is one executed hedge. At most one cycle is OPEN at a time.
type TradeCycle struct {
	ID                string      `json:"id"`
	Coin              string      `json:"coin"`
	ShortVenue        string      `json:"short_venue"`
	LongVenue         string      `json:"long_venue"`
	ShortNativeSymbol string      `json:"short_native_symbol"`
	LongNativeSymbol  string      `json:"long_native_symbol"`
	ShortOrderID      string      `json:"short_order_id"`
	LongOrderID       string      `json:"long_order_id"`
	ShortEntryPrice   float64     `json:"short_entry_price"`
	LongEntryPrice    float64     `json:"long_entry_price"`
	ShortCollateral   float64     `json:"short_collateral"`
	LongCollateral    float64     `json:"long_collateral"`
	Leverage          int         `json:"leverage"`
	ShortQty          float64     `json:"short_qty"`
	LongQty           float64     `json:"long_qty"`
	StopLossPrice     float64     `json:"stop_loss_price"`
	TakeProfitPrice   float64     `json:"take_profit_price"`
	ShortStopOrderIDs []string    `json:"short_stop_order_ids,omitempty"`
	LongStopOrderIDs  []string    `json:"long_stop_order_ids,omitempty"`
	Status            CycleStatus `json:"status"`
	OpenTime          time.Time   `json:"open_time"`
}

// CycleRecord is a closed TradeCycle with its realized result, kept in the
// bounded ledger history.
type CycleRecord struct {
	Cycle       TradeCycle `json:"cycle"`
	RealizedPnl float64    `json:"realized_pnl"`
	PnlSource   string     `json:"pnl_source"`
	CloseTime   time.Time  `json:"close_time"`
}

package exchange

import (
	"context"
	"time"
)

// Wallet identifies which account a balance, transfer or order targets.
// Trading is the derivatives margin wallet; Funding is the withdrawable
// spot/funding wallet.
type Wallet string

const (
	WalletTrading Wallet = "trading"
	WalletFunding Wallet = "funding"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// StopKind distinguishes protective order types.
type StopKind string

const (
	StopLoss   StopKind = "STOP_LOSS"
	TakeProfit StopKind = "TAKE_PROFIT"
)

// FundingRate is a venue-native funding snapshot for one instrument.
type FundingRate struct {
	Symbol          string
	Rate            float64
	NextFundingTime int64
	MarkPrice       float64
}

// LeverageBracket is the maximum leverage a venue allows on an instrument.
type LeverageBracket struct {
	Symbol      string
	MaxLeverage int
}

// Balance reports free and total holdings of the quote asset in a wallet.
type Balance struct {
	Free  float64
	Total float64
}

// Order is the venue's acknowledgement of a placed order.
type Order struct {
	ID       string
	AvgPrice float64
}

// SymbolRule carries the venue's trading constraints for an instrument.
type SymbolRule struct {
	QtyStep     float64
	MinNotional float64
}

// Adapter is the per-venue capability set the engine builds on. All methods
// take a context and return explicit errors; implementations never retry
// internally, retry policy belongs to the callers.
type Adapter interface {
	Name() string

	// FetchFundingRates returns funding data for every perpetual on the
	// venue in one call, or ErrBulkUnsupported when the venue has no bulk
	// funding endpoint.
	FetchFundingRates(ctx context.Context) ([]FundingRate, error)
	// FetchFundingRate fetches funding data for a single instrument.
	FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error)

	// FetchLeverageBrackets returns leverage bounds for every tradable
	// instrument, or ErrBulkUnsupported.
	FetchLeverageBrackets(ctx context.Context) ([]LeverageBracket, error)
	// FetchLeverageBracket fetches the leverage bound for one instrument.
	FetchLeverageBracket(ctx context.Context, symbol string) (LeverageBracket, error)

	// TradableSymbols lists native ids of the venue's live USDT-margined
	// perpetuals, used to drive per-symbol batched refreshes.
	TradableSymbols(ctx context.Context) ([]string, error)

	FetchTicker(ctx context.Context, symbol string) (float64, error)
	FetchBalance(ctx context.Context, wallet Wallet) (Balance, error)
	SymbolRule(ctx context.Context, symbol string) (SymbolRule, error)

	CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64, reduceOnly bool) (Order, error)
	CreateStopOrder(ctx context.Context, symbol string, side OrderSide, qty, stopPrice float64, kind StopKind) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchRealizedPnl sums realized PnL from the venue's fill records for
	// the instrument since the given time. Callers fall back to balance
	// deltas when this fails.
	FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error)

	Transfer(ctx context.Context, asset string, amount float64, from, to Wallet) error
	Withdraw(ctx context.Context, asset string, amount float64, address, network string) error
}

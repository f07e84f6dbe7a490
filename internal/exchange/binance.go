package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/Tacke300/fund-sub001/logger"
)

// Binance adapts the USDT-margined futures venue through the official-style
// go-binance client. The spot client handles wallet transfers and
// withdrawals, the futures client everything else.
type Binance struct {
	spot    *binance.Client
	fut     *futures.Client
	log     *logger.Log
	asset   string
	ruleMu  sync.RWMutex
	rules   map[string]SymbolRule
	symbols []string
}

func NewBinance(apiKey, apiSecret, quoteAsset string) *Binance {
	return &Binance{
		spot:  binance.NewClient(apiKey, apiSecret),
		fut:   futures.NewClient(apiKey, apiSecret),
		log:   logger.GetLogger(),
		asset: quoteAsset,
		rules: make(map[string]SymbolRule),
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchFundingRates(ctx context.Context) ([]FundingRate, error) {
	premiums, err := b.fut.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, b.wrap(err)
	}
	out := make([]FundingRate, 0, len(premiums))
	for _, p := range premiums {
		rate, err := strconv.ParseFloat(p.LastFundingRate, 64)
		if err != nil {
			continue
		}
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		out = append(out, FundingRate{
			Symbol:          p.Symbol,
			Rate:            rate,
			NextFundingTime: p.NextFundingTime,
			MarkPrice:       mark,
		})
	}
	return out, nil
}

func (b *Binance) FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	premiums, err := b.fut.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return FundingRate{}, b.wrap(err)
	}
	if len(premiums) == 0 {
		return FundingRate{}, fmt.Errorf("binance: no premium index for %s", symbol)
	}
	p := premiums[0]
	rate, err := strconv.ParseFloat(p.LastFundingRate, 64)
	if err != nil {
		return FundingRate{}, fmt.Errorf("binance: bad funding rate for %s: %w", symbol, err)
	}
	mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
	return FundingRate{Symbol: p.Symbol, Rate: rate, NextFundingTime: p.NextFundingTime, MarkPrice: mark}, nil
}

func (b *Binance) FetchLeverageBrackets(ctx context.Context) ([]LeverageBracket, error) {
	brackets, err := b.fut.NewGetLeverageBracketService().Do(ctx)
	if err != nil {
		return nil, b.wrap(err)
	}
	out := make([]LeverageBracket, 0, len(brackets))
	for _, lb := range brackets {
		max := 0
		for _, br := range lb.Brackets {
			if br.InitialLeverage > max {
				max = br.InitialLeverage
			}
		}
		if max > 0 {
			out = append(out, LeverageBracket{Symbol: lb.Symbol, MaxLeverage: max})
		}
	}
	return out, nil
}

func (b *Binance) FetchLeverageBracket(ctx context.Context, symbol string) (LeverageBracket, error) {
	brackets, err := b.fut.NewGetLeverageBracketService().Symbol(symbol).Do(ctx)
	if err != nil {
		return LeverageBracket{}, b.wrap(err)
	}
	for _, lb := range brackets {
		if lb.Symbol != symbol {
			continue
		}
		max := 0
		for _, br := range lb.Brackets {
			if br.InitialLeverage > max {
				max = br.InitialLeverage
			}
		}
		return LeverageBracket{Symbol: symbol, MaxLeverage: max}, nil
	}
	return LeverageBracket{}, fmt.Errorf("binance: no leverage bracket for %s", symbol)
}

func (b *Binance) TradableSymbols(ctx context.Context) ([]string, error) {
	if err := b.loadExchangeInfo(ctx); err != nil {
		return nil, err
	}
	b.ruleMu.RLock()
	defer b.ruleMu.RUnlock()
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out, nil
}

func (b *Binance) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.fut.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, b.wrap(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance: no price for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: bad price for %s: %w", symbol, err)
	}
	return price, nil
}

func (b *Binance) FetchBalance(ctx context.Context, wallet Wallet) (Balance, error) {
	switch wallet {
	case WalletTrading:
		balances, err := b.fut.NewGetBalanceService().Do(ctx)
		if err != nil {
			return Balance{}, b.wrap(err)
		}
		for _, bal := range balances {
			if bal.Asset != b.asset {
				continue
			}
			free, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
			total, _ := strconv.ParseFloat(bal.Balance, 64)
			return Balance{Free: free, Total: total}, nil
		}
		return Balance{}, nil
	case WalletFunding:
		account, err := b.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return Balance{}, b.wrap(err)
		}
		for _, bal := range account.Balances {
			if bal.Asset != b.asset {
				continue
			}
			free, _ := strconv.ParseFloat(bal.Free, 64)
			locked, _ := strconv.ParseFloat(bal.Locked, 64)
			return Balance{Free: free, Total: free + locked}, nil
		}
		return Balance{}, nil
	}
	return Balance{}, fmt.Errorf("binance: unknown wallet %q", wallet)
}

func (b *Binance) SymbolRule(ctx context.Context, symbol string) (SymbolRule, error) {
	if err := b.loadExchangeInfo(ctx); err != nil {
		return SymbolRule{}, err
	}
	b.ruleMu.RLock()
	rule, ok := b.rules[symbol]
	b.ruleMu.RUnlock()
	if !ok {
		return SymbolRule{}, fmt.Errorf("binance: unknown symbol %s", symbol)
	}
	return rule, nil
}

// loadExchangeInfo fills the symbol rule cache on first use. Exchange rules
// change rarely enough that one snapshot per process is sufficient.
func (b *Binance) loadExchangeInfo(ctx context.Context) error {
	b.ruleMu.RLock()
	loaded := len(b.symbols) > 0
	b.ruleMu.RUnlock()
	if loaded {
		return nil
	}

	info, err := b.fut.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return b.wrap(err)
	}

	b.ruleMu.Lock()
	defer b.ruleMu.Unlock()
	b.symbols = b.symbols[:0]
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != b.asset || s.Status != "TRADING" {
			continue
		}
		rule := SymbolRule{}
		if f := s.LotSizeFilter(); f != nil {
			rule.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rule.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
		}
		b.rules[s.Symbol] = rule
		b.symbols = append(b.symbols, s.Symbol)
	}
	return nil
}

func (b *Binance) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64, reduceOnly bool) (Order, error) {
	svc := b.fut.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return Order{}, b.wrap(err)
	}
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return Order{ID: strconv.FormatInt(resp.OrderID, 10), AvgPrice: avg}, nil
}

func (b *Binance) CreateStopOrder(ctx context.Context, symbol string, side OrderSide, qty, stopPrice float64, kind StopKind) (Order, error) {
	orderType := futures.OrderTypeStopMarket
	if kind == TakeProfit {
		orderType = futures.OrderTypeTakeProfitMarket
	}
	resp, err := b.fut.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(orderType).
		StopPrice(formatQty(stopPrice)).
		Quantity(formatQty(qty)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return Order{}, b.wrap(err)
	}
	return Order{ID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}
	if _, err := b.fut.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *Binance) FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error) {
	trades, err := b.fut.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(since.UnixMilli()).
		Do(ctx)
	if err != nil {
		return 0, b.wrap(err)
	}
	total := 0.0
	for _, t := range trades {
		pnl, _ := strconv.ParseFloat(t.RealizedPnl, 64)
		fee, _ := strconv.ParseFloat(t.Commission, 64)
		total += pnl - fee
	}
	return total, nil
}

func (b *Binance) Transfer(ctx context.Context, asset string, amount float64, from, to Wallet) error {
	var transferType binance.FuturesTransferType
	switch {
	case from == WalletFunding && to == WalletTrading:
		transferType = binance.FuturesTransferTypeToFutures
	case from == WalletTrading && to == WalletFunding:
		transferType = binance.FuturesTransferTypeToMain
	default:
		return fmt.Errorf("binance: unsupported transfer %s -> %s", from, to)
	}
	_, err := b.spot.NewFuturesTransferService().
		Asset(asset).
		Amount(formatQty(amount)).
		Type(transferType).
		Do(ctx)
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *Binance) Withdraw(ctx context.Context, asset string, amount float64, address, network string) error {
	_, err := b.spot.NewCreateWithdrawService().
		Coin(asset).
		Address(address).
		Network(network).
		Amount(formatQty(amount)).
		Do(ctx)
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

// wrap classifies SDK errors so callers can tell auth problems from
// transient ones.
func (b *Binance) wrap(err error) error {
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -1022, -2014, -2015:
			return AuthError("binance", err)
		}
	}
	return err
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

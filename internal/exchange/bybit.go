package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/google/uuid"

	"github.com/Tacke300/fund-sub001/logger"
)

// Bybit adapts the unified-trading-account venue through the official v5
// connector. Results come back untyped in ServerResponse.Result and are
// re-marshalled into the structs below.
type Bybit struct {
	client *bybit.Client
	log    *logger.Log
	asset  string
}

func NewBybit(apiKey, apiSecret, quoteAsset string) *Bybit {
	return &Bybit{
		client: bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(bybit.MAINNET)),
		log:    logger.GetLogger(),
		asset:  quoteAsset,
	}
}

func (b *Bybit) Name() string { return "bybit" }

type bybitTickerList struct {
	List []struct {
		Symbol          string `json:"symbol"`
		LastPrice       string `json:"lastPrice"`
		MarkPrice       string `json:"markPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

type bybitInstrumentList struct {
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Symbol         string `json:"symbol"`
		Status         string `json:"status"`
		QuoteCoin      string `json:"quoteCoin"`
		ContractType   string `json:"contractType"`
		LeverageFilter struct {
			MaxLeverage string `json:"maxLeverage"`
		} `json:"leverageFilter"`
		LotSizeFilter struct {
			QtyStep          string `json:"qtyStep"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

func (b *Bybit) FetchFundingRates(ctx context.Context) ([]FundingRate, error) {
	params := map[string]interface{}{"category": "linear"}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, err
	}
	var tickers bybitTickerList
	if err := b.decode(resp, &tickers); err != nil {
		return nil, err
	}
	out := make([]FundingRate, 0, len(tickers.List))
	for _, t := range tickers.List {
		rate, err := strconv.ParseFloat(t.FundingRate, 64)
		if err != nil {
			continue
		}
		next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
		mark, _ := strconv.ParseFloat(t.MarkPrice, 64)
		out = append(out, FundingRate{
			Symbol:          t.Symbol,
			Rate:            rate,
			NextFundingTime: next,
			MarkPrice:       mark,
		})
	}
	return out, nil
}

func (b *Bybit) FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return FundingRate{}, err
	}
	var tickers bybitTickerList
	if err := b.decode(resp, &tickers); err != nil {
		return FundingRate{}, err
	}
	for _, t := range tickers.List {
		if t.Symbol != symbol {
			continue
		}
		rate, err := strconv.ParseFloat(t.FundingRate, 64)
		if err != nil {
			return FundingRate{}, fmt.Errorf("bybit: bad funding rate for %s: %w", symbol, err)
		}
		next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
		mark, _ := strconv.ParseFloat(t.MarkPrice, 64)
		return FundingRate{Symbol: symbol, Rate: rate, NextFundingTime: next, MarkPrice: mark}, nil
	}
	return FundingRate{}, fmt.Errorf("bybit: no ticker for %s", symbol)
}

func (b *Bybit) FetchLeverageBrackets(ctx context.Context) ([]LeverageBracket, error) {
	var out []LeverageBracket
	cursor := ""
	for {
		params := map[string]interface{}{"category": "linear", "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return nil, err
		}
		var page bybitInstrumentList
		if err := b.decode(resp, &page); err != nil {
			return nil, err
		}
		for _, inst := range page.List {
			if inst.ContractType != "LinearPerpetual" || inst.QuoteCoin != b.asset || inst.Status != "Trading" {
				continue
			}
			max, err := strconv.ParseFloat(inst.LeverageFilter.MaxLeverage, 64)
			if err != nil || max <= 0 {
				continue
			}
			out = append(out, LeverageBracket{Symbol: inst.Symbol, MaxLeverage: int(max)})
		}
		if page.NextPageCursor == "" {
			break
		}
		cursor = page.NextPageCursor
	}
	return out, nil
}

func (b *Bybit) FetchLeverageBracket(ctx context.Context, symbol string) (LeverageBracket, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return LeverageBracket{}, err
	}
	var page bybitInstrumentList
	if err := b.decode(resp, &page); err != nil {
		return LeverageBracket{}, err
	}
	for _, inst := range page.List {
		if inst.Symbol != symbol {
			continue
		}
		max, err := strconv.ParseFloat(inst.LeverageFilter.MaxLeverage, 64)
		if err != nil {
			return LeverageBracket{}, fmt.Errorf("bybit: bad max leverage for %s: %w", symbol, err)
		}
		return LeverageBracket{Symbol: symbol, MaxLeverage: int(max)}, nil
	}
	return LeverageBracket{}, fmt.Errorf("bybit: no instrument info for %s", symbol)
}

func (b *Bybit) TradableSymbols(ctx context.Context) ([]string, error) {
	brackets, err := b.FetchLeverageBrackets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(brackets))
	for _, lb := range brackets {
		out = append(out, lb.Symbol)
	}
	return out, nil
}

func (b *Bybit) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, err
	}
	var tickers bybitTickerList
	if err := b.decode(resp, &tickers); err != nil {
		return 0, err
	}
	for _, t := range tickers.List {
		if t.Symbol == symbol {
			price, err := strconv.ParseFloat(t.LastPrice, 64)
			if err != nil {
				return 0, fmt.Errorf("bybit: bad price for %s: %w", symbol, err)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("bybit: no ticker for %s", symbol)
}

func (b *Bybit) FetchBalance(ctx context.Context, wallet Wallet) (Balance, error) {
	switch wallet {
	case WalletTrading:
		params := map[string]interface{}{"accountType": "UNIFIED", "coin": b.asset}
		resp, err := b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		if err != nil {
			return Balance{}, err
		}
		var result struct {
			List []struct {
				Coin []struct {
					Coin                string `json:"coin"`
					WalletBalance       string `json:"walletBalance"`
					AvailableToWithdraw string `json:"availableToWithdraw"`
				} `json:"coin"`
			} `json:"list"`
		}
		if err := b.decode(resp, &result); err != nil {
			return Balance{}, err
		}
		for _, acct := range result.List {
			for _, c := range acct.Coin {
				if c.Coin != b.asset {
					continue
				}
				total, _ := strconv.ParseFloat(c.WalletBalance, 64)
				free, _ := strconv.ParseFloat(c.AvailableToWithdraw, 64)
				if free == 0 {
					free = total
				}
				return Balance{Free: free, Total: total}, nil
			}
		}
		return Balance{}, nil
	case WalletFunding:
		params := map[string]interface{}{"accountType": "FUND", "coin": b.asset}
		resp, err := b.client.NewUtaBybitServiceWithParams(params).GetAllCoinsBalance(ctx)
		if err != nil {
			return Balance{}, err
		}
		var result struct {
			Balance []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				TransferBalance string `json:"transferBalance"`
			} `json:"balance"`
		}
		if err := b.decode(resp, &result); err != nil {
			return Balance{}, err
		}
		for _, c := range result.Balance {
			if c.Coin != b.asset {
				continue
			}
			total, _ := strconv.ParseFloat(c.WalletBalance, 64)
			free, _ := strconv.ParseFloat(c.TransferBalance, 64)
			return Balance{Free: free, Total: total}, nil
		}
		return Balance{}, nil
	}
	return Balance{}, fmt.Errorf("bybit: unknown wallet %q", wallet)
}

func (b *Bybit) SymbolRule(ctx context.Context, symbol string) (SymbolRule, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return SymbolRule{}, err
	}
	var page bybitInstrumentList
	if err := b.decode(resp, &page); err != nil {
		return SymbolRule{}, err
	}
	for _, inst := range page.List {
		if inst.Symbol != symbol {
			continue
		}
		step, _ := strconv.ParseFloat(inst.LotSizeFilter.QtyStep, 64)
		minNotional, _ := strconv.ParseFloat(inst.LotSizeFilter.MinNotionalValue, 64)
		return SymbolRule{QtyStep: step, MinNotional: minNotional}, nil
	}
	return SymbolRule{}, fmt.Errorf("bybit: unknown symbol %s", symbol)
}

func (b *Bybit) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64, reduceOnly bool) (Order, error) {
	params := map[string]interface{}{
		"category":  "linear",
		"symbol":    symbol,
		"side":      bybitSide(side),
		"orderType": "Market",
		"qty":       formatQty(qty),
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return Order{}, err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.decode(resp, &result); err != nil {
		return Order{}, err
	}
	return Order{ID: result.OrderID}, nil
}

func (b *Bybit) CreateStopOrder(ctx context.Context, symbol string, side OrderSide, qty, stopPrice float64, kind StopKind) (Order, error) {
	// Trigger direction: a stop on a sell closes a long when price falls,
	// a stop on a buy closes a short when price rises; take profits invert.
	direction := 2
	if side == SideBuy {
		direction = 1
	}
	if kind == TakeProfit {
		direction = 3 - direction
	}
	params := map[string]interface{}{
		"category":         "linear",
		"symbol":           symbol,
		"side":             bybitSide(side),
		"orderType":        "Market",
		"qty":              formatQty(qty),
		"triggerPrice":     formatQty(stopPrice),
		"triggerDirection": direction,
		"reduceOnly":       true,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return Order{}, err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.decode(resp, &result); err != nil {
		return Order{}, err
	}
	return Order{ID: result.OrderID}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return err
	}
	return b.check(resp)
}

func (b *Bybit) FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error) {
	params := map[string]interface{}{
		"category":  "linear",
		"symbol":    symbol,
		"startTime": since.UnixMilli(),
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetClosePnl(ctx)
	if err != nil {
		return 0, err
	}
	var result struct {
		List []struct {
			ClosedPnl string `json:"closedPnl"`
		} `json:"list"`
	}
	if err := b.decode(resp, &result); err != nil {
		return 0, err
	}
	total := 0.0
	for _, row := range result.List {
		pnl, _ := strconv.ParseFloat(row.ClosedPnl, 64)
		total += pnl
	}
	return total, nil
}

func (b *Bybit) Transfer(ctx context.Context, asset string, amount float64, from, to Wallet) error {
	params := map[string]interface{}{
		"transferId":      uuid.New().String(),
		"coin":            asset,
		"amount":          formatQty(amount),
		"fromAccountType": bybitAccountType(from),
		"toAccountType":   bybitAccountType(to),
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).CreateInternalTransfer(ctx)
	if err != nil {
		return err
	}
	return b.check(resp)
}

func (b *Bybit) Withdraw(ctx context.Context, asset string, amount float64, address, network string) error {
	params := map[string]interface{}{
		"coin":        asset,
		"chain":       network,
		"address":     address,
		"amount":      formatQty(amount),
		"accountType": "FUND",
		"timestamp":   time.Now().UnixMilli(),
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).CreateWithdraw(ctx)
	if err != nil {
		return err
	}
	return b.check(resp)
}

// decode validates the response envelope then re-marshals Result into out.
func (b *Bybit) decode(resp *bybit.ServerResponse, out interface{}) error {
	if err := b.check(resp); err != nil {
		return err
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit: marshal result: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("bybit: decode result: %w", err)
	}
	return nil
}

func (b *Bybit) check(resp *bybit.ServerResponse) error {
	if resp == nil {
		return fmt.Errorf("bybit: empty response")
	}
	switch resp.RetCode {
	case 0:
		return nil
	case 10003, 10004, 10005, 33004:
		return AuthError("bybit", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg))
	case 10006:
		return fmt.Errorf("bybit: rate limit exceeded: %s", resp.RetMsg)
	default:
		return fmt.Errorf("bybit: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
}

func bybitSide(side OrderSide) string {
	if side == SideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitAccountType(w Wallet) string {
	if w == WalletFunding {
		return "FUND"
	}
	return "UNIFIED"
}

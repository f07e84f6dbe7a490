package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tacke300/fund-sub001/logger"
)

const okxBaseURL = "https://www.okx.com"

// OKX adapts the venue through its raw v5 REST API. The venue publishes
// funding rates per instrument only, so FetchFundingRates reports
// ErrBulkUnsupported and callers fall back to batched per-symbol fetches.
type OKX struct {
	http       *http.Client
	log        *logger.Log
	apiKey     string
	apiSecret  string
	passphrase string
	asset      string
}

func NewOKX(apiKey, apiSecret, passphrase, quoteAsset string) *OKX {
	return &OKX{
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        logger.GetLogger(),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		asset:      quoteAsset,
	}
}

func (o *OKX) Name() string { return "okx" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// request performs one signed or public call and decodes the data array.
// OKX signs the pre-hash string timestamp+method+path+body with HMAC-SHA256
// and sends the base64 digest in OK-ACCESS-SIGN.
func (o *OKX) request(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, okxBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		mac := hmac.New(sha256.New, []byte(o.apiSecret))
		mac.Write([]byte(ts + method + path + string(payload)))
		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return AuthError("okx", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx: status %d: %s", resp.StatusCode, raw)
	}

	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("okx: decode envelope: %w", err)
	}
	if env.Code != "0" {
		switch env.Code {
		case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50113", "50114":
			return AuthError("okx", fmt.Errorf("code %s: %s", env.Code, env.Msg))
		}
		return fmt.Errorf("okx: code %s: %s", env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx: decode data: %w", err)
		}
	}
	return nil
}

// FetchFundingRates always reports ErrBulkUnsupported: the funding-rate
// endpoint takes exactly one instId.
func (o *OKX) FetchFundingRates(ctx context.Context) ([]FundingRate, error) {
	return nil, ErrBulkUnsupported
}

func (o *OKX) FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	var data []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"fundingTime"`
	}
	path := "/api/v5/public/funding-rate?instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return FundingRate{}, err
	}
	if len(data) == 0 {
		return FundingRate{}, fmt.Errorf("okx: no funding rate for %s", symbol)
	}
	rate, err := strconv.ParseFloat(data[0].FundingRate, 64)
	if err != nil {
		return FundingRate{}, fmt.Errorf("okx: bad funding rate for %s: %w", symbol, err)
	}
	next, _ := strconv.ParseInt(data[0].NextFundingTime, 10, 64)
	mark, _ := o.FetchTicker(ctx, symbol)
	return FundingRate{Symbol: symbol, Rate: rate, NextFundingTime: next, MarkPrice: mark}, nil
}

type okxInstrument struct {
	InstID    string `json:"instId"`
	State     string `json:"state"`
	SettleCcy string `json:"settleCcy"`
	Lever     string `json:"lever"`
	LotSz     string `json:"lotSz"`
	CtVal     string `json:"ctVal"`
	MinSz     string `json:"minSz"`
}

func (o *OKX) instruments(ctx context.Context) ([]okxInstrument, error) {
	var data []okxInstrument
	if err := o.request(ctx, http.MethodGet, "/api/v5/public/instruments?instType=SWAP", nil, &data); err != nil {
		return nil, err
	}
	live := data[:0]
	for _, inst := range data {
		if inst.State == "live" && inst.SettleCcy == o.asset {
			live = append(live, inst)
		}
	}
	return live, nil
}

func (o *OKX) FetchLeverageBrackets(ctx context.Context) ([]LeverageBracket, error) {
	insts, err := o.instruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LeverageBracket, 0, len(insts))
	for _, inst := range insts {
		lever, err := strconv.ParseFloat(inst.Lever, 64)
		if err != nil || lever <= 0 {
			continue
		}
		out = append(out, LeverageBracket{Symbol: inst.InstID, MaxLeverage: int(lever)})
	}
	return out, nil
}

func (o *OKX) FetchLeverageBracket(ctx context.Context, symbol string) (LeverageBracket, error) {
	var data []okxInstrument
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return LeverageBracket{}, err
	}
	if len(data) == 0 {
		return LeverageBracket{}, fmt.Errorf("okx: unknown instrument %s", symbol)
	}
	lever, err := strconv.ParseFloat(data[0].Lever, 64)
	if err != nil {
		return LeverageBracket{}, fmt.Errorf("okx: bad lever for %s: %w", symbol, err)
	}
	return LeverageBracket{Symbol: symbol, MaxLeverage: int(lever)}, nil
}

func (o *OKX) TradableSymbols(ctx context.Context) ([]string, error) {
	insts, err := o.instruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.InstID)
	}
	return out, nil
}

func (o *OKX) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	var data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	path := "/api/v5/market/ticker?instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("okx: no ticker for %s", symbol)
	}
	price, err := strconv.ParseFloat(data[0].Last, 64)
	if err != nil {
		return 0, fmt.Errorf("okx: bad price for %s: %w", symbol, err)
	}
	return price, nil
}

func (o *OKX) FetchBalance(ctx context.Context, wallet Wallet) (Balance, error) {
	switch wallet {
	case WalletTrading:
		var data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				CashBal  string `json:"cashBal"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		}
		path := "/api/v5/account/balance?ccy=" + o.asset
		if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
			return Balance{}, err
		}
		for _, acct := range data {
			for _, d := range acct.Details {
				if d.Ccy != o.asset {
					continue
				}
				total, _ := strconv.ParseFloat(d.CashBal, 64)
				free, _ := strconv.ParseFloat(d.AvailBal, 64)
				return Balance{Free: free, Total: total}, nil
			}
		}
		return Balance{}, nil
	case WalletFunding:
		var data []struct {
			Ccy      string `json:"ccy"`
			Bal      string `json:"bal"`
			AvailBal string `json:"availBal"`
		}
		path := "/api/v5/asset/balances?ccy=" + o.asset
		if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
			return Balance{}, err
		}
		for _, d := range data {
			if d.Ccy != o.asset {
				continue
			}
			total, _ := strconv.ParseFloat(d.Bal, 64)
			free, _ := strconv.ParseFloat(d.AvailBal, 64)
			return Balance{Free: free, Total: total}, nil
		}
		return Balance{}, nil
	}
	return Balance{}, fmt.Errorf("okx: unknown wallet %q", wallet)
}

// SymbolRule converts contract terms into base-asset units. OKX sizes swap
// orders in contracts, so qty step is lot size times contract value.
func (o *OKX) SymbolRule(ctx context.Context, symbol string) (SymbolRule, error) {
	var data []okxInstrument
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return SymbolRule{}, err
	}
	if len(data) == 0 {
		return SymbolRule{}, fmt.Errorf("okx: unknown instrument %s", symbol)
	}
	lotSz, _ := strconv.ParseFloat(data[0].LotSz, 64)
	ctVal, _ := strconv.ParseFloat(data[0].CtVal, 64)
	if ctVal == 0 {
		ctVal = 1
	}
	return SymbolRule{QtyStep: lotSz * ctVal, MinNotional: 0}, nil
}

// contracts converts a base-asset quantity to OKX contract count.
func (o *OKX) contracts(ctx context.Context, symbol string, qty float64) (string, error) {
	var data []okxInstrument
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("okx: unknown instrument %s", symbol)
	}
	ctVal, _ := strconv.ParseFloat(data[0].CtVal, 64)
	if ctVal == 0 {
		ctVal = 1
	}
	return formatQty(qty / ctVal), nil
}

type okxOrderResult struct {
	OrdID  string `json:"ordId"`
	AlgoID string `json:"algoId"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

func (o *OKX) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64, reduceOnly bool) (Order, error) {
	sz, err := o.contracts(ctx, symbol, qty)
	if err != nil {
		return Order{}, err
	}
	body := map[string]interface{}{
		"instId":  symbol,
		"tdMode":  "cross",
		"side":    strings.ToLower(string(side)),
		"ordType": "market",
		"sz":      sz,
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	var data []okxOrderResult
	if err := o.request(ctx, http.MethodPost, "/api/v5/trade/order", body, &data); err != nil {
		return Order{}, err
	}
	if len(data) == 0 {
		return Order{}, fmt.Errorf("okx: empty order response for %s", symbol)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return Order{}, fmt.Errorf("okx: order rejected: %s %s", data[0].SCode, data[0].SMsg)
	}
	return Order{ID: data[0].OrdID}, nil
}

// CreateStopOrder places a trigger algo order. Algo ids are prefixed so
// CancelOrder can route them to the algo cancel endpoint.
func (o *OKX) CreateStopOrder(ctx context.Context, symbol string, side OrderSide, qty, stopPrice float64, kind StopKind) (Order, error) {
	sz, err := o.contracts(ctx, symbol, qty)
	if err != nil {
		return Order{}, err
	}
	body := map[string]interface{}{
		"instId":      symbol,
		"tdMode":      "cross",
		"side":        strings.ToLower(string(side)),
		"ordType":     "trigger",
		"sz":          sz,
		"triggerPx":   formatQty(stopPrice),
		"orderPx":     "-1",
		"reduceOnly":  true,
	}
	var data []okxOrderResult
	if err := o.request(ctx, http.MethodPost, "/api/v5/trade/order-algo", body, &data); err != nil {
		return Order{}, err
	}
	if len(data) == 0 {
		return Order{}, fmt.Errorf("okx: empty algo order response for %s", symbol)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return Order{}, fmt.Errorf("okx: algo order rejected: %s %s", data[0].SCode, data[0].SMsg)
	}
	return Order{ID: "algo:" + data[0].AlgoID}, nil
}

func (o *OKX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if algoID, ok := strings.CutPrefix(orderID, "algo:"); ok {
		body := []map[string]interface{}{{"instId": symbol, "algoId": algoID}}
		return o.request(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", body, nil)
	}
	body := map[string]interface{}{"instId": symbol, "ordId": orderID}
	return o.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, nil)
}

func (o *OKX) FetchRealizedPnl(ctx context.Context, symbol string, since time.Time) (float64, error) {
	var data []struct {
		InstID     string `json:"instId"`
		Pnl        string `json:"pnl"`
		Fee        string `json:"fee"`
		FundingFee string `json:"fundingFee"`
		Ts         string `json:"ts"`
	}
	path := "/api/v5/account/positions-history?instType=SWAP&instId=" + symbol
	if err := o.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return 0, err
	}
	sinceMs := since.UnixMilli()
	total := 0.0
	for _, row := range data {
		ts, _ := strconv.ParseInt(row.Ts, 10, 64)
		if ts < sinceMs {
			continue
		}
		pnl, _ := strconv.ParseFloat(row.Pnl, 64)
		fee, _ := strconv.ParseFloat(row.Fee, 64)
		funding, _ := strconv.ParseFloat(row.FundingFee, 64)
		total += pnl + fee + funding
	}
	return total, nil
}

func (o *OKX) Transfer(ctx context.Context, asset string, amount float64, from, to Wallet) error {
	body := map[string]interface{}{
		"ccy":  asset,
		"amt":  formatQty(amount),
		"from": okxAccountID(from),
		"to":   okxAccountID(to),
		"type": "0",
	}
	return o.request(ctx, http.MethodPost, "/api/v5/asset/transfer", body, nil)
}

func (o *OKX) Withdraw(ctx context.Context, asset string, amount float64, address, network string) error {
	body := map[string]interface{}{
		"ccy":    asset,
		"amt":    formatQty(amount),
		"dest":   "4",
		"toAddr": address,
		"chain":  asset + "-" + network,
	}
	return o.request(ctx, http.MethodPost, "/api/v5/asset/withdrawal", body, nil)
}

// okxAccountID maps wallets to OKX account ids: 6 funding, 18 trading.
func okxAccountID(w Wallet) string {
	if w == WalletFunding {
		return "6"
	}
	return "18"
}

// Package bitget adapts Bitget v2 USDT-margined futures to the exchange
// facade. Demo trading (paptrading header + S-prefixed product type) stands
// in for a testnet.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
)

const (
	baseURL = "https://api.bitget.com"
	wsURL   = "wss://ws.bitget.com/v2/ws/private"
)

type Client struct {
	http        *resty.Client
	apiKey      string
	apiSecret   string
	passphrase  string
	productType string
	demo        bool
	log         zerolog.Logger
	updates     chan domain.OrderUpdate
}

type Options struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

func New(opts Options, log zerolog.Logger) *Client {
	product := "USDT-FUTURES"
	if opts.Testnet {
		product = "SUSDT-FUTURES"
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Client{
		http:        http,
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		passphrase:  opts.Passphrase,
		productType: product,
		demo:        opts.Testnet,
		log:         log.With().Str("exchange", "bitget").Logger(),
		updates:     make(chan domain.OrderUpdate, 256),
	}
}

func (c *Client) Name() string { return "bitget" }

// MaintenanceMarginFactor is the tier-1 rate for USDT perps.
func (c *Client) MaintenanceMarginFactor() decimal.Decimal {
	return decimal.NewFromFloat(0.004)
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func mapCode(code, msg string) error {
	var sentinel error
	switch code {
	case "00000":
		return nil
	case "429", "30007":
		sentinel = exchange.ErrRateLimited
	case "40762", "43012":
		sentinel = exchange.ErrInsufficientMargin
	case "43001", "40768":
		sentinel = exchange.ErrOrderNotFound
	case "40797", "40309":
		sentinel = exchange.ErrInvalidLeverage
	case "40034":
		sentinel = exchange.ErrSymbolNotFound
	default:
		sentinel = exchange.ErrOrderRejected
	}
	return fmt.Errorf("%w: bitget %s: %s", sentinel, code, msg)
}

func (c *Client) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) headers(timestamp, sign string) map[string]string {
	h := map[string]string{
		"ACCESS-KEY":        c.apiKey,
		"ACCESS-SIGN":       sign,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": c.passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
	if c.demo {
		h["paptrading"] = "1"
	}
	return h
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	// The signature covers the sorted query string.
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, query[k])
	}
	qs := vals.Encode()
	signPath := path
	if qs != "" {
		signPath += "?" + qs
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.headers(ts, c.sign(ts, "GET", signPath, ""))).
		SetQueryParamsFromValues(vals).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return c.decode(path, resp, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("POST %s: marshal: %w", path, err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.headers(ts, c.sign(ts, "POST", path, string(raw)))).
		SetBody(raw).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return c.decode(path, resp, out)
}

func (c *Client) decode(path string, resp *resty.Response, out any) error {
	var env apiResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	if err := mapCode(env.Code, env.Msg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res []struct {
		MarkPrice string `json:"markPrice"`
	}
	err := c.get(ctx, "/api/v2/mix/market/ticker", map[string]string{
		"symbol": symbol, "productType": c.productType,
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res) == 0 {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, exchange.ErrSymbolNotFound)
	}
	return decimal.NewFromString(res[0].MarkPrice)
}

func (c *Client) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var res []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	err := c.get(ctx, "/api/v2/mix/account/accounts", map[string]string{
		"productType": c.productType,
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range res {
		if a.MarginCoin == asset {
			return decimal.NewFromString(a.Available)
		}
	}
	return decimal.Zero, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	var res [][]string
	err := c.get(ctx, "/api/v2/mix/market/candles", map[string]string{
		"symbol": symbol, "productType": c.productType,
		"granularity": mapGranularity(interval), "limit": strconv.Itoa(limit),
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Kline, 0, len(res))
	for _, row := range res {
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("candles %s: bad timestamp %q", symbol, row[0])
		}
		k := domain.Kline{OpenTime: time.UnixMilli(ms)}
		if k.Open, err = decimal.NewFromString(row[1]); err != nil {
			return nil, err
		}
		if k.High, err = decimal.NewFromString(row[2]); err != nil {
			return nil, err
		}
		if k.Low, err = decimal.NewFromString(row[3]); err != nil {
			return nil, err
		}
		if k.Close, err = decimal.NewFromString(row[4]); err != nil {
			return nil, err
		}
		if k.Volume, err = decimal.NewFromString(row[5]); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func mapGranularity(interval string) string {
	switch interval {
	case "1m":
		return "1m"
	case "5m":
		return "5m"
	case "15m":
		return "15m"
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	}
	return interval
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.post(ctx, "/api/v2/mix/account/set-leverage", map[string]string{
		"symbol": symbol, "productType": c.productType,
		"marginCoin": "USDT", "leverage": strconv.Itoa(leverage),
	}, nil)
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error {
	mode := "isolated"
	if mt == domain.MarginCross {
		mode = "crossed"
	}
	return c.post(ctx, "/api/v2/mix/account/set-margin-mode", map[string]string{
		"symbol": symbol, "productType": c.productType,
		"marginCoin": "USDT", "marginMode": mode,
	}, nil)
}

type orderData struct {
	OrderID string `json:"orderId"`
}

func sideName(s exchange.Side) string {
	if s == exchange.Buy {
		return "buy"
	}
	return "sell"
}

func (c *Client) MarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error) {
	body := map[string]string{
		"symbol": symbol, "productType": c.productType,
		"marginMode": "isolated", "marginCoin": "USDT",
		"size": qty.String(), "side": sideName(side), "orderType": "market",
	}
	if reduceOnly {
		body["reduceOnly"] = "YES"
	}
	var res orderData
	if err := c.post(ctx, "/api/v2/mix/order/place-order", body, &res); err != nil {
		return c.rejectOrError(err)
	}
	return domain.ExecutionResult{Success: true, OrderID: res.OrderID}, nil
}

// holdSide names the position side the trigger order protects. Reducing a
// long means selling, so a sell-side trigger guards the long hold.
func holdSide(side exchange.Side) string {
	if side == exchange.Sell {
		return "long"
	}
	return "short"
}

func (c *Client) StopMarket(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return c.placeTpsl(ctx, symbol, "loss_plan", stopPrice, qty, side)
}

func (c *Client) TakeProfitMarket(ctx context.Context, symbol string, side exchange.Side, price, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return c.placeTpsl(ctx, symbol, "profit_plan", price, qty, side)
}

func (c *Client) placeTpsl(ctx context.Context, symbol, planType string, trigger, qty decimal.Decimal, side exchange.Side) (domain.ExecutionResult, error) {
	var res orderData
	err := c.post(ctx, "/api/v2/mix/order/place-tpsl-order", map[string]string{
		"symbol": symbol, "productType": c.productType, "marginCoin": "USDT",
		"planType": planType, "triggerPrice": trigger.String(),
		"triggerType": "mark_price", "holdSide": holdSide(side),
		"size": qty.String(),
	}, &res)
	if err != nil {
		return c.rejectOrError(err)
	}
	return domain.ExecutionResult{Success: true, OrderID: res.OrderID}, nil
}

func (c *Client) rejectOrError(err error) (domain.ExecutionResult, error) {
	if !exchange.Retryable(err) {
		c.log.Warn().Err(err).Msg("order rejected")
		return domain.ExecutionResult{Success: false, RejectReason: err.Error()}, nil
	}
	return domain.ExecutionResult{}, err
}

// CancelOrder tries the regular order endpoint first and falls back to the
// trigger-order endpoint, since callers track both kinds by id alone.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.post(ctx, "/api/v2/mix/order/cancel-order", map[string]string{
		"symbol": symbol, "productType": c.productType, "orderId": orderID,
	}, nil)
	if err == nil {
		return nil
	}
	planErr := c.post(ctx, "/api/v2/mix/order/cancel-plan-order", map[string]string{
		"symbol": symbol, "productType": c.productType,
		"marginCoin": "USDT", "orderId": orderID,
	}, nil)
	if planErr == nil {
		return nil
	}
	return err
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	var out []exchange.OpenOrder

	var pending struct {
		EntrustedList []struct {
			OrderID string `json:"orderId"`
			Symbol  string `json:"symbol"`
			Side    string `json:"side"`
			Size    string `json:"size"`
			CTime   string `json:"cTime"`
		} `json:"entrustedList"`
	}
	err := c.get(ctx, "/api/v2/mix/order/orders-pending", map[string]string{
		"symbol": symbol, "productType": c.productType,
	}, &pending)
	if err != nil {
		return nil, err
	}
	for _, o := range pending.EntrustedList {
		out = append(out, openOrderFrom(o.OrderID, o.Symbol, o.Side, "limit", "", o.Size, o.CTime, false))
	}

	var plans struct {
		EntrustedList []struct {
			OrderID      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			PlanType     string `json:"planType"`
			TriggerPrice string `json:"triggerPrice"`
			Size         string `json:"size"`
			CTime        string `json:"cTime"`
		} `json:"entrustedList"`
	}
	err = c.get(ctx, "/api/v2/mix/order/orders-plan-pending", map[string]string{
		"symbol": symbol, "productType": c.productType, "planType": "profit_loss",
	}, &plans)
	if err != nil {
		return nil, err
	}
	for _, o := range plans.EntrustedList {
		out = append(out, openOrderFrom(o.OrderID, o.Symbol, o.Side, o.PlanType, o.TriggerPrice, o.Size, o.CTime, true))
	}
	return out, nil
}

func openOrderFrom(id, symbol, side, typ, trigger, size, ctime string, reduceOnly bool) exchange.OpenOrder {
	oo := exchange.OpenOrder{
		OrderID: id, Symbol: symbol, Type: typ, ReduceOnly: reduceOnly,
	}
	if side == "buy" {
		oo.Side = exchange.Buy
	} else {
		oo.Side = exchange.Sell
	}
	if p, err := decimal.NewFromString(trigger); err == nil {
		oo.StopPrice = p
	}
	if q, err := decimal.NewFromString(size); err == nil {
		oo.Quantity = q
	}
	if ms, err := strconv.ParseInt(ctime, 10, 64); err == nil {
		oo.CreatedAt = time.UnixMilli(ms)
	}
	return oo
}

func (c *Client) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res []struct {
		Total string `json:"total"`
	}
	err := c.get(ctx, "/api/v2/mix/position/single-position", map[string]string{
		"symbol": symbol, "productType": c.productType, "marginCoin": "USDT",
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range res {
		sz, err := decimal.NewFromString(p.Total)
		if err != nil {
			return decimal.Zero, fmt.Errorf("position %s: parse %q: %w", symbol, p.Total, err)
		}
		total = total.Add(sz.Abs())
	}
	return total, nil
}

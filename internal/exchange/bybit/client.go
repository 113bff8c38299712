// Package bybit adapts Bybit v5 linear perpetuals to the exchange facade.
// REST calls are signed with the v5 HMAC header scheme; order updates come
// from the private WebSocket.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
)

const (
	baseURLProduction = "https://api.bybit.com"
	baseURLTestnet    = "https://api-testnet.bybit.com"
	wsURLProduction   = "wss://stream.bybit.com/v5/private"
	wsURLTestnet      = "wss://stream-testnet.bybit.com/v5/private"

	category   = "linear"
	recvWindow = "5000"
)

type Client struct {
	http      *resty.Client
	wsURL     string
	apiKey    string
	apiSecret string
	log       zerolog.Logger
	updates   chan domain.OrderUpdate
}

type Options struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

func New(opts Options, log zerolog.Logger) *Client {
	base, ws := baseURLProduction, wsURLProduction
	if opts.Testnet {
		base, ws = baseURLTestnet, wsURLTestnet
	}
	http := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Client{
		http:      http,
		wsURL:     ws,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		log:       log.With().Str("exchange", "bybit").Logger(),
		updates:   make(chan domain.OrderUpdate, 256),
	}
}

func (c *Client) Name() string { return "bybit" }

// MaintenanceMarginFactor is the tier-1 rate for USDT perps.
func (c *Client) MaintenanceMarginFactor() decimal.Decimal {
	return decimal.NewFromFloat(0.005)
}

// apiResponse is the envelope every v5 endpoint returns.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// mapRetCode translates v5 retCodes onto the facade sentinels.
func mapRetCode(code int, msg string) error {
	var sentinel error
	switch code {
	case 0:
		return nil
	case 10006, 10018:
		sentinel = exchange.ErrRateLimited
	case 110007, 110012:
		sentinel = exchange.ErrInsufficientMargin
	case 110001:
		sentinel = exchange.ErrOrderNotFound
	case 110013, 110043:
		sentinel = exchange.ErrInvalidLeverage
	case 10001:
		sentinel = exchange.ErrSymbolNotFound
	default:
		sentinel = exchange.ErrOrderRejected
	}
	return fmt.Errorf("%w: bybit %d: %s", sentinel, code, msg)
}

func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := c.http.R().SetContext(ctx).SetQueryParams(query)
	qs := req.QueryParam.Encode()
	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     c.apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        c.sign(ts, qs),
	})
	resp, err := req.Get(path)
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
		SetHeaders(map[string]string{
			"Content-Type":       "application/json",
			"X-BAPI-API-KEY":     c.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        c.sign(ts, string(raw)),
		}).
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
	if err := mapRetCode(env.RetCode, env.RetMsg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", path, err)
		}
	}
	return nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/tickers", map[string]string{
		"category": category, "symbol": symbol,
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, exchange.ErrSymbolNotFound)
	}
	return decimal.NewFromString(res.List[0].MarkPrice)
}

func (c *Client) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED", "coin": asset,
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if coin.Coin == asset {
				return decimal.NewFromString(coin.WalletBalance)
			}
		}
	}
	return decimal.Zero, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	var res struct {
		List [][]string `json:"list"`
	}
	err := c.get(ctx, "/v5/market/kline", map[string]string{
		"category": category, "symbol": symbol,
		"interval": mapInterval(interval), "limit": strconv.Itoa(limit),
	}, &res)
	if err != nil {
		return nil, err
	}
	// Bybit returns newest first; reverse into chronological order.
	out := make([]domain.Kline, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("klines %s: bad start time %q", symbol, row[0])
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

// mapInterval converts Binance-style interval names (the bot's canonical
// form) to Bybit's.
func mapInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	}
	return interval
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	err := c.post(ctx, "/v5/position/set-leverage", map[string]string{
		"category": category, "symbol": symbol,
		"buyLeverage": lev, "sellLeverage": lev,
	}, nil)
	// 110043: leverage not modified.
	if err != nil && isRetCode(err, 110043) {
		return nil
	}
	return err
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error {
	tradeMode := 1
	if mt == domain.MarginCross {
		tradeMode = 0
	}
	err := c.post(ctx, "/v5/position/switch-isolated", map[string]any{
		"category": category, "symbol": symbol, "tradeMode": tradeMode,
		"buyLeverage": "0", "sellLeverage": "0",
	}, nil)
	// 110026: margin mode already set.
	if err != nil && isRetCode(err, 110026) {
		return nil
	}
	return err
}

// isRetCode reports whether err carries the given bybit retCode.
func isRetCode(err error, code int) bool {
	return err != nil && strings.Contains(err.Error(), fmt.Sprintf("bybit %d:", code))
}

type orderRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
	TriggerBy        string `json:"triggerBy,omitempty"`
}

type orderResult struct {
	OrderID string `json:"orderId"`
}

func sideName(s exchange.Side) string {
	if s == exchange.Buy {
		return "Buy"
	}
	return "Sell"
}

func (c *Client) MarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error) {
	return c.placeOrder(ctx, orderRequest{
		Category: category, Symbol: symbol,
		Side: sideName(side), OrderType: "Market",
		Qty: qty.String(), ReduceOnly: reduceOnly,
	})
}

func (c *Client) StopMarket(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return c.placeOrder(ctx, orderRequest{
		Category: category, Symbol: symbol,
		Side: sideName(side), OrderType: "Market",
		Qty: qty.String(), ReduceOnly: true,
		TriggerPrice:     stopPrice.String(),
		TriggerDirection: triggerDirection(side, true),
		TriggerBy:        "MarkPrice",
	})
}

func (c *Client) TakeProfitMarket(ctx context.Context, symbol string, side exchange.Side, price, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return c.placeOrder(ctx, orderRequest{
		Category: category, Symbol: symbol,
		Side: sideName(side), OrderType: "Market",
		Qty: qty.String(), ReduceOnly: true,
		TriggerPrice:     price.String(),
		TriggerDirection: triggerDirection(side, false),
		TriggerBy:        "MarkPrice",
	})
}

// triggerDirection: 1 = trigger when price rises to triggerPrice,
// 2 = trigger when price falls. A stop that sells triggers on the way
// down; a take-profit that sells triggers on the way up.
func triggerDirection(side exchange.Side, isStop bool) int {
	selling := side == exchange.Sell
	if selling == isStop {
		return 2
	}
	return 1
}

func (c *Client) placeOrder(ctx context.Context, req orderRequest) (domain.ExecutionResult, error) {
	var res orderResult
	err := c.post(ctx, "/v5/order/create", req, &res)
	if err != nil {
		if !exchange.Retryable(err) {
			c.log.Warn().Str("symbol", req.Symbol).Err(err).Msg("order rejected")
			return domain.ExecutionResult{Success: false, RejectReason: err.Error()}, nil
		}
		return domain.ExecutionResult{}, err
	}
	return domain.ExecutionResult{Success: true, OrderID: res.OrderID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.post(ctx, "/v5/order/cancel", map[string]string{
		"category": category, "symbol": symbol, "orderId": orderID,
	}, nil)
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	var res struct {
		List []struct {
			OrderID      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			OrderType    string `json:"orderType"`
			TriggerPrice string `json:"triggerPrice"`
			Qty          string `json:"qty"`
			ReduceOnly   bool   `json:"reduceOnly"`
			CreatedTime  string `json:"createdTime"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/order/realtime", map[string]string{
		"category": category, "symbol": symbol,
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OpenOrder, 0, len(res.List))
	for _, o := range res.List {
		oo := exchange.OpenOrder{
			OrderID:    o.OrderID,
			Symbol:     o.Symbol,
			Type:       o.OrderType,
			ReduceOnly: o.ReduceOnly,
		}
		if o.Side == "Buy" {
			oo.Side = exchange.Buy
		} else {
			oo.Side = exchange.Sell
		}
		if p, err := decimal.NewFromString(o.TriggerPrice); err == nil {
			oo.StopPrice = p
		}
		if q, err := decimal.NewFromString(o.Qty); err == nil {
			oo.Quantity = q
		}
		if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
			oo.CreatedAt = time.UnixMilli(ms)
		}
		out = append(out, oo)
	}
	return out, nil
}

func (c *Client) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			Size string `json:"size"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/position/list", map[string]string{
		"category": category, "symbol": symbol,
	}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range res.List {
		sz, err := decimal.NewFromString(p.Size)
		if err != nil {
			return decimal.Zero, fmt.Errorf("position %s: parse size %q: %w", symbol, p.Size, err)
		}
		total = total.Add(sz.Abs())
	}
	return total, nil
}
